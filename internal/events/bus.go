package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
)

// Kind names a domain event.
type Kind string

const (
	KindMessageReceived   Kind = "message-received"
	KindMessageDeleted    Kind = "message-deleted"
	KindReactionsUpdated  Kind = "reactions-updated"
	KindAttachmentUpdated Kind = "attachment-updated"
	KindProfileUpdated    Kind = "profile-updated"
	KindRoomRemoved       Kind = "room-removed"
	KindSyncStarted       Kind = "sync-started"
	KindSyncFinished      Kind = "sync-finished"
	KindSyncFailed        Kind = "sync-failed"
)

// Event is a typed domain event. Fields beyond Kind are set per kind.
type Event struct {
	Kind      Kind
	RoomID    string
	MessageID string
	SenderID  string
	// UserID is the profile owner for KindProfileUpdated.
	UserID string
	// LocalPath is the attachment location for KindAttachmentUpdated.
	LocalPath string
	// Message carries the stored copy for KindMessageReceived.
	Message *mirror.Message
	// Changes counts the domain events of a finished pass.
	Changes int
	Err     error
	At      time.Time
}

const defaultBufferSize = 64

// Bus fans events out to every subscriber interested in their kind.
// Slow subscribers lose events rather than stalling publishers; the mirror stays authoritative.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
}

type subscriber struct {
	id     int64
	kinds  map[Kind]struct{}
	stream chan Event
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe returns a stream of events of the given kinds, or of every kind when none is given.
// The subscription ends when ctx is cancelled or the returned cleanup is called.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, func()) {
	entry := &subscriber{stream: make(chan Event, b.bufferSize)}
	if len(kinds) > 0 {
		entry.kinds = make(map[Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			entry.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	entry.id = b.nextID
	b.subscribers[entry.id] = entry
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, entry.id)
			b.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return entry.stream, cleanup
}

// Publish delivers events in order to every matching subscriber.
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	copies := make([]*subscriber, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		copies = append(copies, entry)
	}
	b.mu.RUnlock()

	for _, event := range events {
		for _, entry := range copies {
			if !entry.wants(event.Kind) {
				continue
			}
			select {
			case entry.stream <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (s *subscriber) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}
