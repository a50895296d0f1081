package queue

import (
	"sync"
	"time"

	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/pkg/types"
)

// EvictionPolicy controls what happens when a lane is full.
type EvictionPolicy string

const (
	// EvictOldest removes the oldest entry in the lane to admit the new one.
	EvictOldest EvictionPolicy = "evict-oldest"
	// RejectNewest refuses the incoming entry and leaves the lane untouched.
	RejectNewest EvictionPolicy = "reject-newest"
)

const defaultLaneCapacity = 1024

// entry is an event plus queue-local metadata. It never escapes the package;
// DequeueBatch returns plain events.
type entry struct {
	Event      types.Event    `json:"event"`
	Lane       types.Priority `json:"lane"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Config sizes the queue. Zero-valued fields fall back to defaults.
type Config struct {
	LaneCapacity  map[types.Priority]int
	Policy        EvictionPolicy
	EntryTTL      time.Duration
	DeadLetterCap int
}

// Queue is a bounded, multi-lane priority buffer between the ingestion
// bridge (many producers) and the broadcast hub (one consumer). Strict
// priority across lanes, FIFO within a lane.
type Queue struct {
	mu       sync.Mutex
	lanes    [4][]entry
	capacity [4]int
	policy   EvictionPolicy
	ttl      time.Duration

	dead    *DeadLetterStore
	metrics metrics.QueueRecorder
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMetricsRecorder attaches queue telemetry.
func WithMetricsRecorder(rec metrics.QueueRecorder) Option {
	return func(q *Queue) {
		q.metrics = rec
	}
}

// New constructs a Queue from configuration.
func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		policy: cfg.Policy,
		ttl:    cfg.EntryTTL,
		dead:   NewDeadLetterStore(cfg.DeadLetterCap),
		now:    time.Now,
	}
	if q.policy == "" {
		q.policy = EvictOldest
	}
	for _, lane := range types.Lanes {
		laneCap := cfg.LaneCapacity[lane]
		if laneCap <= 0 {
			laneCap = defaultLaneCapacity
		}
		q.capacity[lane] = laneCap
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue buffers an event in the lane derived from its type. It reports
// whether the event was accepted; a false return means the entry was
// dead-lettered under the reject-newest policy. Displacement is never
// silent: every evicted or rejected entry lands in the dead-letter store.
func (q *Queue) Enqueue(ev types.Event) bool {
	now := q.now()
	lane := types.PriorityFor(ev.Type)
	e := entry{
		Event:      ev,
		Lane:       lane,
		EnqueuedAt: now,
	}
	if q.ttl > 0 {
		e.ExpiresAt = now.Add(q.ttl)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.lanes[lane]) >= q.capacity[lane] {
		if q.policy == RejectNewest {
			q.deadLetterLocked(e, ReasonRejected, now)
			return false
		}
		displaced := q.lanes[lane][0]
		q.lanes[lane] = q.lanes[lane][1:]
		q.deadLetterLocked(displaced, ReasonEvicted, now)
	}

	q.lanes[lane] = append(q.lanes[lane], e)
	if q.metrics != nil {
		q.metrics.IncEnqueued()
		q.metrics.ObserveLaneDepth(lane, len(q.lanes[lane]))
	}
	return true
}

// DequeueBatch removes up to max events in strict priority order: the
// critical lane drains completely before high is considered, and so on.
// Entries past their expiry are diverted to the dead-letter store instead of
// being returned.
func (q *Queue) DequeueBatch(max int) []types.Event {
	if max <= 0 {
		max = 256
	}
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Event, 0, max)
	for _, lane := range types.Lanes {
		changed := false
		for len(out) < max && len(q.lanes[lane]) > 0 {
			e := q.lanes[lane][0]
			q.lanes[lane] = q.lanes[lane][1:]
			changed = true
			if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
				q.deadLetterLocked(e, ReasonExpired, now)
				continue
			}
			out = append(out, e.Event)
		}
		if changed && q.metrics != nil {
			q.metrics.ObserveLaneDepth(lane, len(q.lanes[lane]))
		}
		if len(out) >= max {
			break
		}
	}
	return out
}

// Len reports the total number of buffered entries across lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range types.Lanes {
		n += len(q.lanes[lane])
	}
	return n
}

// LaneLen reports the number of buffered entries in one lane.
func (q *Queue) LaneLen(lane types.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[lane])
}

// DeadLetters returns a copy of the dead-letter store contents, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	return q.dead.List()
}

// Stats is a point-in-time summary of queue occupancy.
type Stats struct {
	LaneLen     map[string]int `json:"lane_len"`
	DeadLetters int            `json:"dead_letters"`
	Displaced   uint64         `json:"displaced_total"`
}

// Stats summarises current occupancy and lifetime displacement counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	laneLen := make(map[string]int, 4)
	for _, lane := range types.Lanes {
		laneLen[lane.String()] = len(q.lanes[lane])
	}
	q.mu.Unlock()
	return Stats{
		LaneLen:     laneLen,
		DeadLetters: q.dead.Len(),
		Displaced:   q.dead.RecordedTotal(),
	}
}

func (q *Queue) deadLetterLocked(e entry, reason Reason, now time.Time) {
	q.dead.Add(DeadLetter{
		Event:      e.Event,
		Reason:     reason,
		EnqueuedAt: e.EnqueuedAt,
		RecordedAt: now,
	})
	if q.metrics != nil {
		q.metrics.IncDeadLetter(string(reason))
	}
}

// snapshotEntries copies every buffered entry in lane-then-FIFO order. Used
// by the snapshot writer; the entries stay in the queue.
func (q *Queue) snapshotEntries() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []entry
	for _, lane := range types.Lanes {
		out = append(out, q.lanes[lane]...)
	}
	return out
}

// restoreEntries reloads a snapshot taken by snapshotEntries. Entries already
// expired at load time are dead-lettered rather than re-queued; lanes are
// recomputed from the event type so a taxonomy change between restarts cannot
// smuggle an entry into the wrong lane.
func (q *Queue) restoreEntries(entries []entry) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			q.deadLetterLocked(e, ReasonExpired, now)
			continue
		}
		lane := types.PriorityFor(e.Event.Type)
		e.Lane = lane
		if len(q.lanes[lane]) >= q.capacity[lane] {
			q.deadLetterLocked(e, ReasonEvicted, now)
			continue
		}
		q.lanes[lane] = append(q.lanes[lane], e)
		if q.metrics != nil {
			q.metrics.ObserveLaneDepth(lane, len(q.lanes[lane]))
		}
	}
}
