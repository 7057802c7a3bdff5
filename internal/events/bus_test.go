package events

import (
	"context"
	"testing"
	"time"
)

func TestBusDeliversMatchingKinds(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, cleanup := bus.Subscribe(ctx, KindMessageReceived)
	defer cleanup()
	everything, cleanupAll := bus.Subscribe(ctx)
	defer cleanupAll()

	bus.Publish(
		Event{Kind: KindSyncStarted},
		Event{Kind: KindMessageReceived, RoomID: "chat-42", MessageID: "m9", SenderID: "alice"},
	)

	select {
	case event := <-messages:
		if event.Kind != KindMessageReceived || event.MessageID != "m9" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message event within deadline")
	}
	select {
	case event := <-messages:
		t.Fatalf("did not expect another event, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for _, want := range []Kind{KindSyncStarted, KindMessageReceived} {
		select {
		case event := <-everything:
			if event.Kind != want {
				t.Fatalf("expected %s, got %s", want, event.Kind)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected %s within deadline", want)
		}
	}
}

func TestBusDropsForFullSubscribers(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < defaultBufferSize+5; index++ {
		bus.Publish(Event{Kind: KindReactionsUpdated})
	}
	if bus.Dropped() != 5 {
		t.Fatalf("expected 5 dropped events, got %d", bus.Dropped())
	}
}

func TestBusStopsDeliveringAfterCleanup(t *testing.T) {
	bus := NewBus()
	stream, cleanup := bus.Subscribe(context.Background())
	cleanup()
	cleanup()
	bus.Publish(Event{Kind: KindRoomRemoved, RoomID: "chat-1"})
	select {
	case event := <-stream:
		t.Fatalf("did not expect delivery after cleanup, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
