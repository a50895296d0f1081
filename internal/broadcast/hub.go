package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/pkg/types"
)

// Dequeuer is the queue side of the hub. The hub owns the drain cadence and
// pulls events in priority order.
type Dequeuer interface {
	DequeueBatch(max int) []types.Event
}

// Tap observes every event the hub fans out, independent of client
// subscriptions. The recorder attaches here.
type Tap interface {
	Observe(ev types.Event)
}

// Config controls hub behaviour.
type Config struct {
	AuthSecret  string
	StaticToken string

	AuthGrace         time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DrainInterval     time.Duration
	BatchSize         int

	OutboundBuffer int
	RatePerSecond  float64
	RateBurst      int
}

func (c *Config) applyDefaults() {
	if c.AuthGrace <= 0 {
		c.AuthGrace = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
}

// Dependencies are the hub's injected collaborators.
type Dependencies struct {
	Queue   Dequeuer
	Logger  zerolog.Logger
	Metrics metrics.BroadcastRecorder
	Now     func() time.Time
}

// Hub fans queue events out to websocket sessions. One hub serves the whole
// process; sessions register on upgrade and unregister on close.
type Hub struct {
	cfg      Config
	deps     Dependencies
	verifier *Verifier

	mu       sync.Mutex
	sessions map[string]*Session
	taps     []Tap
}

// NewHub validates and builds a hub. The queue dependency is required.
func NewHub(cfg Config, deps Dependencies) (*Hub, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("broadcast: queue dependency is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()
	return &Hub{
		cfg:      cfg,
		deps:     deps,
		verifier: NewVerifier(cfg.AuthSecret, cfg.StaticToken),
		sessions: make(map[string]*Session),
	}, nil
}

// AddTap registers an event observer. Call before Run.
func (h *Hub) AddTap(t Tap) {
	h.mu.Lock()
	h.taps = append(h.taps, t)
	h.mu.Unlock()
}

// Run drains the queue and sweeps heartbeats until the context ends, then
// closes every session with a shutdown reason.
func (h *Hub) Run(ctx context.Context) error {
	drain := time.NewTicker(h.cfg.DrainInterval)
	defer drain.Stop()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll(types.CloseServerShutdown)
			return ctx.Err()
		case <-drain.C:
			h.drainOnce()
		case <-heartbeat.C:
			h.sweepHeartbeats()
		}
	}
}

func (h *Hub) drainOnce() {
	events := h.deps.Queue.DequeueBatch(h.cfg.BatchSize)
	for _, ev := range events {
		h.Broadcast(ev)
	}
}

// Broadcast delivers one event to every matching active session and notifies
// taps. The wire frame is encoded once and shared across sessions.
func (h *Hub) Broadcast(ev types.Event) {
	frame := types.Frame{
		Type:      types.FrameEvent,
		Timestamp: ev.Timestamp,
		Data:      map[string]any{"event": ev},
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("event_id", ev.ID).Msg("encode event frame")
		return
	}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	taps := h.taps
	h.mu.Unlock()

	delivered := 0
	for _, s := range sessions {
		switch s.offer(ev, encoded) {
		case dropNone:
			delivered++
		case dropRateLimited:
			if h.deps.Metrics != nil {
				h.deps.Metrics.IncDropRateLimited()
			}
		case dropBufferFull:
			if h.deps.Metrics != nil {
				h.deps.Metrics.IncDropBufferFull()
			}
		}
	}
	if delivered > 0 && h.deps.Metrics != nil {
		h.deps.Metrics.IncDelivered(delivered)
	}
	for _, t := range taps {
		t.Observe(ev)
	}
}

func (h *Hub) sweepHeartbeats() {
	now := h.deps.Now()
	ping := types.Frame{Type: types.FramePing, Timestamp: now.UTC()}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if s.State() != StateActive {
			continue
		}
		if s.sincePong(now) > h.cfg.HeartbeatTimeout {
			h.deps.Logger.Info().Str("session", s.ID).Msg("heartbeat timeout")
			h.removeSession(s, types.CloseHeartbeatLost)
			continue
		}
		// Pings ride the non-blocking control channel; the sweep never
		// touches the transport.
		if !s.queueFrame(ping) {
			h.deps.Logger.Debug().Str("session", s.ID).Msg("ping dropped, control buffer full")
		}
	}
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	active := len(h.sessions)
	h.mu.Unlock()

	if h.deps.Metrics != nil {
		h.deps.Metrics.IncSessionOpened()
		h.deps.Metrics.ObserveSessions(active)
	}
}

// removeSession closes and unregisters a session. Safe to call more than
// once per session.
func (h *Hub) removeSession(s *Session, reason string) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	active := len(h.sessions)
	h.mu.Unlock()

	s.close(reason)
	if present && h.deps.Metrics != nil {
		h.deps.Metrics.IncSessionClosed()
		h.deps.Metrics.ObserveSessions(active)
	}
}

func (h *Hub) closeAll(reason string) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.removeSession(s, reason)
	}
}

// SessionCount reports how many sessions are registered.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.RatePerSecond <= 0 {
		return nil
	}
	burst := h.cfg.RateBurst
	if burst <= 0 {
		burst = int(h.cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), burst)
}
