package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gamepulsehq/relay/pkg/types"
)

// Store maintains in-memory gauges and counters for pipeline telemetry.
type Store struct {
	laneDepth [4]atomic.Int64

	eventsEnqueued     atomic.Uint64
	deadLetterEvicted  atomic.Uint64
	deadLetterExpired  atomic.Uint64
	deadLetterRejected atomic.Uint64

	sessionsActive atomic.Int64
	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64

	eventsDelivered    atomic.Uint64
	dropsRateLimited   atomic.Uint64
	dropsBufferFull    atomic.Uint64
	parseDiscards      atomic.Uint64
	sourceDegradations atomic.Uint64

	recorderAppends  atomic.Uint64
	recordingsSealed atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	LaneDepth          map[string]int64
	QueueDepthTotal    int64
	EventsEnqueued     uint64
	DeadLetterEvicted  uint64
	DeadLetterExpired  uint64
	DeadLetterRejected uint64
	SessionsActive     int64
	SessionsOpened     uint64
	SessionsClosed     uint64
	EventsDelivered    uint64
	DropsRateLimited   uint64
	DropsBufferFull    uint64
	ParseDiscards      uint64
	SourceDegradations uint64
	RecorderAppends    uint64
	RecordingsSealed   uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		LaneDepth:          make(map[string]int64, 4),
		EventsEnqueued:     s.eventsEnqueued.Load(),
		DeadLetterEvicted:  s.deadLetterEvicted.Load(),
		DeadLetterExpired:  s.deadLetterExpired.Load(),
		DeadLetterRejected: s.deadLetterRejected.Load(),
		SessionsActive:     s.sessionsActive.Load(),
		SessionsOpened:     s.sessionsOpened.Load(),
		SessionsClosed:     s.sessionsClosed.Load(),
		EventsDelivered:    s.eventsDelivered.Load(),
		DropsRateLimited:   s.dropsRateLimited.Load(),
		DropsBufferFull:    s.dropsBufferFull.Load(),
		ParseDiscards:      s.parseDiscards.Load(),
		SourceDegradations: s.sourceDegradations.Load(),
		RecorderAppends:    s.recorderAppends.Load(),
		RecordingsSealed:   s.recordingsSealed.Load(),
	}
	for _, lane := range types.Lanes {
		depth := s.laneDepth[lane].Load()
		snap.LaneDepth[lane.String()] = depth
		snap.QueueDepthTotal += depth
	}
	return snap
}

// QueueRecorder is the queue-facing slice of the store.
type QueueRecorder interface {
	ObserveLaneDepth(lane types.Priority, depth int)
	IncEnqueued()
	IncDeadLetter(reason string)
}

// BroadcastRecorder is the hub-facing slice of the store.
type BroadcastRecorder interface {
	ObserveSessions(active int)
	IncSessionOpened()
	IncSessionClosed()
	IncDelivered(n int)
	IncDropRateLimited()
	IncDropBufferFull()
}

// BridgeRecorder is the ingestion-facing slice of the store.
type BridgeRecorder interface {
	IncParseDiscards(n int)
	IncSourceDegraded()
}

// RecorderRecorder is the session-recorder-facing slice of the store.
type RecorderRecorder interface {
	IncAppends(n int)
	IncSealed()
}

func (s *Store) QueueRecorder() QueueRecorder         { return queueRecorder{store: s} }
func (s *Store) BroadcastRecorder() BroadcastRecorder { return broadcastRecorder{store: s} }
func (s *Store) BridgeRecorder() BridgeRecorder       { return bridgeRecorder{store: s} }
func (s *Store) RecorderRecorder() RecorderRecorder   { return recorderRecorder{store: s} }

type queueRecorder struct{ store *Store }

func (r queueRecorder) ObserveLaneDepth(lane types.Priority, depth int) {
	if lane < 0 || int(lane) >= len(r.store.laneDepth) {
		return
	}
	r.store.laneDepth[lane].Store(int64(depth))
}

func (r queueRecorder) IncEnqueued() {
	r.store.eventsEnqueued.Add(1)
}

func (r queueRecorder) IncDeadLetter(reason string) {
	switch reason {
	case "expired":
		r.store.deadLetterExpired.Add(1)
	case "rejected":
		r.store.deadLetterRejected.Add(1)
	default:
		r.store.deadLetterEvicted.Add(1)
	}
}

type broadcastRecorder struct{ store *Store }

func (r broadcastRecorder) ObserveSessions(active int) { r.store.sessionsActive.Store(int64(active)) }
func (r broadcastRecorder) IncSessionOpened()          { r.store.sessionsOpened.Add(1) }
func (r broadcastRecorder) IncSessionClosed()          { r.store.sessionsClosed.Add(1) }
func (r broadcastRecorder) IncDelivered(n int) {
	if n > 0 {
		r.store.eventsDelivered.Add(uint64(n))
	}
}
func (r broadcastRecorder) IncDropRateLimited() { r.store.dropsRateLimited.Add(1) }
func (r broadcastRecorder) IncDropBufferFull()  { r.store.dropsBufferFull.Add(1) }

type bridgeRecorder struct{ store *Store }

func (r bridgeRecorder) IncParseDiscards(n int) {
	if n > 0 {
		r.store.parseDiscards.Add(uint64(n))
	}
}
func (r bridgeRecorder) IncSourceDegraded() { r.store.sourceDegradations.Add(1) }

type recorderRecorder struct{ store *Store }

func (r recorderRecorder) IncAppends(n int) {
	if n > 0 {
		r.store.recorderAppends.Add(uint64(n))
	}
}
func (r recorderRecorder) IncSealed() { r.store.recordingsSealed.Add(1) }

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP relay_queue_depth Events currently buffered per priority lane.",
		"# TYPE relay_queue_depth gauge",
	}
	for _, lane := range types.Lanes {
		lines = append(lines, fmt.Sprintf("relay_queue_depth{lane=%q} %d", lane.String(), snap.LaneDepth[lane.String()]))
	}
	lines = append(lines,
		"# HELP relay_events_enqueued_total Events accepted by the queue.",
		"# TYPE relay_events_enqueued_total counter",
		fmt.Sprintf("relay_events_enqueued_total %d", snap.EventsEnqueued),
		"# HELP relay_dead_letter_total Entries diverted to the dead-letter store by reason.",
		"# TYPE relay_dead_letter_total counter",
		fmt.Sprintf("relay_dead_letter_total{reason=%q} %d", "evicted", snap.DeadLetterEvicted),
		fmt.Sprintf("relay_dead_letter_total{reason=%q} %d", "expired", snap.DeadLetterExpired),
		fmt.Sprintf("relay_dead_letter_total{reason=%q} %d", "rejected", snap.DeadLetterRejected),
		"# HELP relay_sessions_active Live client sessions.",
		"# TYPE relay_sessions_active gauge",
		fmt.Sprintf("relay_sessions_active %d", snap.SessionsActive),
		"# HELP relay_sessions_total Session lifecycle counters.",
		"# TYPE relay_sessions_total counter",
		fmt.Sprintf("relay_sessions_total{state=%q} %d", "opened", snap.SessionsOpened),
		fmt.Sprintf("relay_sessions_total{state=%q} %d", "closed", snap.SessionsClosed),
		"# HELP relay_events_delivered_total Events delivered to client sessions.",
		"# TYPE relay_events_delivered_total counter",
		fmt.Sprintf("relay_events_delivered_total %d", snap.EventsDelivered),
		"# HELP relay_drops_total Per-client deliveries dropped by cause.",
		"# TYPE relay_drops_total counter",
		fmt.Sprintf("relay_drops_total{cause=%q} %d", "rate_limited", snap.DropsRateLimited),
		fmt.Sprintf("relay_drops_total{cause=%q} %d", "buffer_full", snap.DropsBufferFull),
		"# HELP relay_parse_discards_total Raw admin-channel lines discarded as unparseable.",
		"# TYPE relay_parse_discards_total counter",
		fmt.Sprintf("relay_parse_discards_total %d", snap.ParseDiscards),
		"# HELP relay_source_degradations_total Poll sources that transitioned to degraded.",
		"# TYPE relay_source_degradations_total counter",
		fmt.Sprintf("relay_source_degradations_total %d", snap.SourceDegradations),
		"# HELP relay_recorder_appends_total Events appended to the active recording.",
		"# TYPE relay_recorder_appends_total counter",
		fmt.Sprintf("relay_recorder_appends_total %d", snap.RecorderAppends),
		"# HELP relay_recordings_sealed_total Recordings sealed to immutability.",
		"# TYPE relay_recordings_sealed_total counter",
		fmt.Sprintf("relay_recordings_sealed_total %d", snap.RecordingsSealed),
		"",
	)
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
