package queue

import (
	"sync"
	"time"

	"github.com/gamepulsehq/relay/pkg/types"
)

// Reason tags why an entry was diverted to the dead-letter store.
type Reason string

const (
	ReasonEvicted  Reason = "evicted"
	ReasonExpired  Reason = "expired"
	ReasonRejected Reason = "rejected"
)

// DeadLetter is one displaced entry kept for inspection. Dead letters are
// never replayed automatically.
type DeadLetter struct {
	Event      types.Event `json:"event"`
	Reason     Reason      `json:"reason"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// DeadLetterStore is an append-only bounded record of displaced entries.
// When full, the oldest record is evicted to admit the new one.
type DeadLetterStore struct {
	mu       sync.Mutex
	capacity int
	records  []DeadLetter
	total    uint64
}

const defaultDeadLetterCap = 1024

// NewDeadLetterStore builds a store bounded to capacity records.
func NewDeadLetterStore(capacity int) *DeadLetterStore {
	if capacity <= 0 {
		capacity = defaultDeadLetterCap
	}
	return &DeadLetterStore{capacity: capacity}
}

// Add appends a record, evicting the oldest when at capacity.
func (s *DeadLetterStore) Add(dl DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.capacity {
		s.records = s.records[1:]
	}
	s.records = append(s.records, dl)
	s.total++
}

// List returns a copy of the current records, oldest first.
func (s *DeadLetterStore) List() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.records))
	copy(out, s.records)
	return out
}

// Len reports the number of records currently held.
func (s *DeadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RecordedTotal reports how many records have ever been added, including
// those since evicted from the bounded window.
func (s *DeadLetterStore) RecordedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
