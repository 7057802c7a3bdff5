package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

func TestNotificationHubDeliversToSubscriber(t *testing.T) {
	hub := NewNotificationHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, "alice")
	defer cleanup()

	partition := records.PartitionRef{Name: "chat-42", Owner: "alice"}
	hub.Notify("alice", records.Notification{SubscriptionID: "sub-1", Scope: records.ScopeOwner, Partition: &partition})

	select {
	case received := <-stream:
		if received.SubscriptionID != "sub-1" || received.Partition == nil || received.Partition.Name != "chat-42" {
			t.Fatalf("unexpected notification %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification within deadline")
	}
}

func TestNotificationHubIsolatesUsers(t *testing.T) {
	hub := NewNotificationHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, aliceCleanup := hub.Subscribe(ctx, "alice")
	defer aliceCleanup()
	bobStream, bobCleanup := hub.Subscribe(ctx, "bob")
	defer bobCleanup()

	hub.Notify("bob", records.Notification{SubscriptionID: "sub-bob", Scope: records.ScopeShared})

	select {
	case <-aliceStream:
		t.Fatal("did not expect notification for unrelated user")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case received := <-bobStream:
		if received.SubscriptionID != "sub-bob" {
			t.Fatalf("unexpected notification %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for subscribed user")
	}
}

func TestNotificationHubUnregistersOnContextEnd(t *testing.T) {
	hub := NewNotificationHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := hub.Subscribe(ctx, "alice")
	defer cleanup()
	if hub.Subscribers("alice") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotificationHubDropsWhenStreamIsFull(t *testing.T) {
	hub := NewNotificationHub()
	_, cleanup := hub.Subscribe(context.Background(), "alice")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultHubBufferSize*2; index++ {
			hub.Notify("alice", records.Notification{Scope: records.ScopeOwner})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a full stream")
	}
}
