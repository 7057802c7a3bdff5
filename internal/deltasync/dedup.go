package deltasync

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

// DefaultDedupCapacity bounds the recently-seen set.
const DefaultDedupCapacity = 1000

// recentlySeen remembers delivered record versions and the room each belongs to.
// It is cleared wholesale when full.
type recentlySeen struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]string
}

func newRecentlySeen(capacity int) *recentlySeen {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &recentlySeen{capacity: capacity, entries: make(map[string]string, capacity)}
}

// dedupKey includes the sender so two senders reusing a message id never collide.
func dedupKey(record records.Record, senderID string) string {
	return strings.Join([]string{string(record.Type), record.Name, senderID, record.ChangeTag}, "|")
}

func (s *recentlySeen) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// remember records keys of roomID once their records are committed to the mirror.
func (s *recentlySeen) remember(roomID string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if len(s.entries) >= s.capacity {
			s.entries = make(map[string]string, s.capacity)
		}
		s.entries[key] = roomID
	}
}

// forgetRoom drops every key of roomID so a later refetch of the room is admitted again.
func (s *recentlySeen) forgetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, owner := range s.entries {
		if owner == roomID {
			delete(s.entries, key)
		}
	}
}

func (s *recentlySeen) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]string, s.capacity)
}

func (s *recentlySeen) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
