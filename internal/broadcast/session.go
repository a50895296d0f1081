package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gamepulsehq/relay/pkg/types"
)

// State tracks a session through its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transport abstracts the websocket connection for tests. *websocket.Conn
// satisfies it.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	writeWait = 10 * time.Second
	closeWait = time.Second

	controlBuffer = 8
)

// SessionStats are the per-client delivery counters.
type SessionStats struct {
	Delivered     uint64 `json:"delivered"`
	DroppedRate   uint64 `json:"dropped_rate_limited"`
	DroppedBuffer uint64 `json:"dropped_buffer_full"`
}

// Session is one live client connection. Created on upgrade, destroyed on
// disconnect or heartbeat timeout, never reused.
type Session struct {
	ID string

	conn    transport
	logger  zerolog.Logger
	now     func() time.Time
	limiter *rate.Limiter

	outbound chan []byte
	control  chan []byte
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	state    State
	subject  string
	patterns []string
	filters  []compiledFilter
	lastPong time.Time

	delivered     atomic.Uint64
	droppedRate   atomic.Uint64
	droppedBuffer atomic.Uint64
}

func newSession(id string, conn transport, buffer int, limiter *rate.Limiter, logger zerolog.Logger, now func() time.Time) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:       id,
		conn:     conn,
		logger:   logger.With().Str("session", id).Logger(),
		now:      now,
		limiter:  limiter,
		outbound: make(chan []byte, buffer),
		control:  make(chan []byte, controlBuffer),
		done:     make(chan struct{}),
		state:    StateConnecting,
		lastPong: now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// activate moves the session to ACTIVE after successful auth.
func (s *Session) activate(subject string) {
	s.mu.Lock()
	s.state = StateActive
	s.subject = subject
	s.mu.Unlock()
}

// updateSubscriptions atomically replaces the pattern and filter set.
func (s *Session) updateSubscriptions(patterns []string, specs []types.FilterSpec) error {
	filters, err := compileFilters(specs)
	if err != nil {
		return err
	}
	cloned := make([]string, len(patterns))
	copy(cloned, patterns)

	s.mu.Lock()
	s.patterns = cloned
	s.filters = filters
	s.mu.Unlock()
	return nil
}

func (s *Session) clearSubscriptions() {
	s.mu.Lock()
	s.patterns = nil
	s.filters = nil
	s.mu.Unlock()
}

// dropCause explains why an offer did not deliver.
type dropCause int

const (
	dropNone dropCause = iota
	dropNotMatched
	dropRateLimited
	dropBufferFull
)

// offer attempts delivery of one encoded event. It never blocks: a full
// outbound buffer or an empty rate bucket drops for this session only.
func (s *Session) offer(ev types.Event, encoded []byte) dropCause {
	s.mu.Lock()
	if s.state != StateActive || !matchAnyPattern(s.patterns, ev.Type) || !matchFilters(s.filters, ev) {
		s.mu.Unlock()
		return dropNotMatched
	}
	limiter := s.limiter
	s.mu.Unlock()

	if limiter != nil && !limiter.AllowN(s.now(), 1) {
		s.droppedRate.Add(1)
		return dropRateLimited
	}

	select {
	case s.outbound <- encoded:
		return dropNone
	default:
		s.droppedBuffer.Add(1)
		return dropBufferFull
	}
}

// writePump drains the control and outbound buffers to the transport. It
// returns when the session closes or a write fails; a hard write failure
// closes the session.
func (s *Session) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case data := <-s.control:
			if err := s.write(data); err != nil {
				return err
			}
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				return err
			}
			s.delivered.Add(1)
		}
	}
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(s.now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendFrame writes a control frame directly, bypassing the outbound buffer.
// Only the session's own goroutines may call it; shared loops use queueFrame.
func (s *Session) sendFrame(frame types.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.write(data)
}

// queueFrame offers a control frame through the buffered control channel for
// the write pump to deliver. It never blocks; a saturated channel drops the
// frame.
func (s *Session) queueFrame(frame types.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case s.control <- data:
		return true
	default:
		return false
	}
}

// markPong records a heartbeat acknowledgement.
func (s *Session) markPong() {
	s.mu.Lock()
	s.lastPong = s.now()
	s.mu.Unlock()
}

func (s *Session) sincePong(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPong)
}

// close tears the session down exactly once. The reason is sent to the
// client on a best-effort error frame before the transport closes; the
// farewell write happens off the caller's goroutine so a stalled transport
// cannot hold up the hub loop.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)

		var farewell []byte
		if reason != "" {
			farewell, _ = json.Marshal(types.Frame{
				Type:      types.FrameError,
				ClientID:  s.ID,
				Timestamp: s.now().UTC(),
				Data:      map[string]any{"reason": reason},
			})
		}
		go func() {
			if len(farewell) > 0 {
				s.writeMu.Lock()
				_ = s.conn.SetWriteDeadline(s.now().Add(closeWait))
				_ = s.conn.WriteMessage(websocket.TextMessage, farewell)
				s.writeMu.Unlock()
			}
			_ = s.conn.Close()
		}()
	})
}

// Stats returns the session's delivery counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Delivered:     s.delivered.Load(),
		DroppedRate:   s.droppedRate.Load(),
		DroppedBuffer: s.droppedBuffer.Load(),
	}
}
