package push

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

type memoryTransport struct {
	mu         sync.Mutex
	receivers  []chan []byte
	publishErr error
}

func (m *memoryTransport) Publish(_ context.Context, payload []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, receiver := range m.receivers {
		receiver <- payload
	}
	return nil
}

func (m *memoryTransport) Receive(ctx context.Context) (<-chan []byte, error) {
	receiver := make(chan []byte, 16)
	m.mu.Lock()
	m.receivers = append(m.receivers, receiver)
	m.mu.Unlock()
	return receiver, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	received map[string][]records.Notification
	signal   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{received: make(map[string][]records.Notification), signal: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(userID string, notification records.Notification) {
	n.mu.Lock()
	n.received[userID] = append(n.received[userID], notification)
	n.mu.Unlock()
	n.signal <- struct{}{}
}

func (n *recordingNotifier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-n.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func (n *recordingNotifier) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received[userID])
}

func TestFanoutDeliversToEveryInstance(t *testing.T) {
	transport := &memoryTransport{}
	firstLocal := newRecordingNotifier()
	secondLocal := newRecordingNotifier()
	first, err := NewFanout(Config{Transport: transport, Local: firstLocal})
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	second, err := NewFanout(Config{Transport: transport, Local: secondLocal})
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, fanout := range []*Fanout{first, second} {
		payloads, err := fanout.transport.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		go fanout.forward(ctx, payloads)
	}

	partition := records.PartitionRef{Name: "chat-42", Owner: "alice"}
	first.Notify("bob", records.Notification{SubscriptionID: "bob-shared", Scope: records.ScopeShared, Partition: &partition})

	firstLocal.wait(t)
	secondLocal.wait(t)
	if firstLocal.count("bob") != 1 || secondLocal.count("bob") != 1 {
		t.Fatalf("expected one delivery per instance, got %d and %d", firstLocal.count("bob"), secondLocal.count("bob"))
	}
}

func TestFanoutFallsBackToLocalWhenPublishFails(t *testing.T) {
	local := newRecordingNotifier()
	fanout, err := NewFanout(Config{Transport: &memoryTransport{publishErr: errors.New("connection refused")}, Local: local})
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	fanout.Notify("alice", records.Notification{SubscriptionID: "alice-owner", Scope: records.ScopeOwner})
	local.wait(t)
	if local.count("alice") != 1 {
		t.Fatalf("expected local delivery, got %d", local.count("alice"))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fanout, err := NewFanout(Config{Transport: &memoryTransport{}, Local: newRecordingNotifier()})
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fanout.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestNewFanoutValidatesConfig(t *testing.T) {
	if _, err := NewFanout(Config{Local: newRecordingNotifier()}); !errors.Is(err, errMissingTransport) {
		t.Fatalf("expected missing transport error, got %v", err)
	}
	if _, err := NewFanout(Config{Transport: &memoryTransport{}}); !errors.Is(err, errMissingLocal) {
		t.Fatalf("expected missing local error, got %v", err)
	}
}

func TestRedisTransportRoundTrip(t *testing.T) {
	address := os.Getenv("PARLEY_TEST_REDIS_ADDRESS")
	if address == "" {
		t.Skip("PARLEY_TEST_REDIS_ADDRESS not set")
	}
	client := NewRedisClient(address, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	transport := NewRedisTransport(client, "parley:test:"+t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payloads, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := transport.Publish(ctx, []byte(`{"userId":"alice"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case payload := <-payloads:
		if string(payload) != `{"userId":"alice"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis payload")
	}
}
