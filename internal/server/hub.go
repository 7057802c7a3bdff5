package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

const defaultHubBufferSize = 16

// NotificationHub fans record store notifications out to the open streams of each user.
// Slow streams drop notifications; clients reconcile through the change feeds.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	stream chan records.Notification
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  defaultHubBufferSize,
	}
}

// Subscribe registers a stream for userID. The stream is unregistered when ctx ends
// or cleanup is called, whichever comes first.
func (h *NotificationHub) Subscribe(ctx context.Context, userID string) (<-chan records.Notification, func()) {
	if userID == "" {
		closed := make(chan records.Notification)
		close(closed)
		return closed, func() {}
	}
	subscriber := &hubSubscriber{stream: make(chan records.Notification, h.bufferSize)}
	h.register(userID, subscriber)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.unregister(userID, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// Notify implements recordstore.Notifier.
func (h *NotificationHub) Notify(userID string, notification records.Notification) {
	if userID == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[userID]
	targets := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		targets = append(targets, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- notification:
		default:
		}
	}
}

// Subscribers reports how many streams are open for userID.
func (h *NotificationHub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

func (h *NotificationHub) register(userID string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	subscriber.id = h.nextID
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[userID][subscriber.id] = subscriber
}

func (h *NotificationHub) unregister(userID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, userID)
	}
}
