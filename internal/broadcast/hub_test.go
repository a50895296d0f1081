package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gamepulsehq/relay/internal/logging"
	"github.com/gamepulsehq/relay/pkg/types"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// stallConn simulates a client whose TCP buffer is full: every transport
// write takes delay before completing.
type stallConn struct {
	fakeConn
	delay time.Duration
}

func (c *stallConn) WriteMessage(mt int, data []byte) error {
	time.Sleep(c.delay)
	return c.fakeConn.WriteMessage(mt, data)
}

func (c *fakeConn) frames(t *testing.T) []types.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Frame, 0, len(c.writes))
	for _, raw := range c.writes {
		var frame types.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, frame)
	}
	return out
}

type stubQueue struct {
	mu     sync.Mutex
	events []types.Event
}

func (q *stubQueue) DequeueBatch(max int) []types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	n := min(max, len(q.events))
	batch := q.events[:n]
	q.events = q.events[n:]
	return batch
}

type captureTap struct {
	mu   sync.Mutex
	seen []types.Event
}

func (t *captureTap) Observe(ev types.Event) {
	t.mu.Lock()
	t.seen = append(t.seen, ev)
	t.mu.Unlock()
}

func newTestHub(t *testing.T, cfg Config, q Dequeuer) *Hub {
	t.Helper()
	if q == nil {
		q = &stubQueue{}
	}
	h, err := NewHub(cfg, Dependencies{Queue: q, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return h
}

// addActiveSession registers a pre-authenticated session subscribed to the
// given patterns.
var sessionSeq atomic.Int64

func addActiveSession(t *testing.T, h *Hub, conn transport, buffer int, patterns ...string) *Session {
	t.Helper()
	id := fmt.Sprintf("s-%s-%d", patterns[0], sessionSeq.Add(1))
	s := newSession(id, conn, buffer, h.newLimiter(), logging.Discard(), h.deps.Now)
	s.activate("")
	if err := s.updateSubscriptions(patterns, nil); err != nil {
		t.Fatalf("updateSubscriptions: %v", err)
	}
	h.addSession(s)
	return s
}

func combatEvent(id string) types.Event {
	return types.Event{
		ID:        id,
		Type:      types.EventCombatDamage,
		SourceID:  "realm-1",
		Timestamp: time.Now().UTC(),
		Priority:  types.PriorityHigh,
		Payload:   map[string]any{"entity_name": "Thrall", "amount": float64(12)},
	}
}

func TestBroadcastRoutesBySubscription(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	combat := &fakeConn{}
	chat := &fakeConn{}
	sCombat := addActiveSession(t, h, combat, 8, "combat.*")
	sChat := addActiveSession(t, h, chat, 8, "chat.*")

	h.Broadcast(combatEvent("ev-1"))

	if got := len(sCombat.outbound); got != 1 {
		t.Fatalf("combat session buffered %d events, want 1", got)
	}
	if got := len(sChat.outbound); got != 0 {
		t.Fatalf("chat session buffered %d events, want 0", got)
	}
}

func TestBroadcastSkipsUnauthenticatedSessions(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	conn := &fakeConn{}
	s := newSession("s-pending", conn, 8, nil, logging.Discard(), time.Now)
	s.setState(StateAuthenticating)
	if err := s.updateSubscriptions([]string{"*"}, nil); err != nil {
		t.Fatalf("updateSubscriptions: %v", err)
	}
	h.addSession(s)

	h.Broadcast(combatEvent("ev-1"))

	if got := len(s.outbound); got != 0 {
		t.Fatalf("unauthenticated session buffered %d events, want 0", got)
	}
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	slow := addActiveSession(t, h, &fakeConn{}, 1, "combat.*")
	healthy := addActiveSession(t, h, &fakeConn{}, 8, "combat.*")

	for i := 0; i < 3; i++ {
		h.Broadcast(combatEvent("ev"))
	}

	if got := len(healthy.outbound); got != 3 {
		t.Fatalf("healthy session buffered %d events, want 3", got)
	}
	stats := slow.Stats()
	if stats.DroppedBuffer != 2 {
		t.Fatalf("slow session dropped %d, want 2", stats.DroppedBuffer)
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, err := NewHub(Config{RatePerSecond: 1, RateBurst: 1}, Dependencies{
		Queue:  &stubQueue{},
		Logger: logging.Discard(),
		Now:    func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	s := addActiveSession(t, h, &fakeConn{}, 8, "combat.*")

	h.Broadcast(combatEvent("ev-1"))
	h.Broadcast(combatEvent("ev-2"))

	if got := len(s.outbound); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
	if stats := s.Stats(); stats.DroppedRate != 1 {
		t.Fatalf("dropped %d rate limited, want 1", stats.DroppedRate)
	}
}

func TestWritePumpDeliversFrames(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	conn := &fakeConn{}
	s := addActiveSession(t, h, conn, 8, "*")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.writePump(ctx)
	}()

	h.Broadcast(combatEvent("ev-1"))

	deadline := time.After(2 * time.Second)
	for {
		frames := conn.frames(t)
		if len(frames) == 1 {
			if frames[0].Type != types.FrameEvent {
				t.Fatalf("frame type = %q, want %q", frames[0].Type, types.FrameEvent)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if got := s.Stats().Delivered; got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
}

func TestWritePumpDeliversControlFrames(t *testing.T) {
	conn := &fakeConn{}
	s := newSession("s-ctl", conn, 8, nil, logging.Discard(), time.Now)
	s.activate("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.writePump(ctx) }()

	if !s.queueFrame(types.Frame{Type: types.FramePing, Timestamp: time.Now().UTC()}) {
		t.Fatal("queueFrame refused with an empty control buffer")
	}

	deadline := time.After(2 * time.Second)
	for {
		frames := conn.frames(t)
		if len(frames) == 1 {
			if frames[0].Type != types.FramePing {
				t.Fatalf("frame type = %q, want %q", frames[0].Type, types.FramePing)
			}
			if got := s.Stats().Delivered; got != 0 {
				t.Fatalf("control frame counted as delivery, delivered = %d", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for control frame delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatSweepClosesStaleSessions(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	h, err := NewHub(Config{HeartbeatInterval: 15 * time.Second, HeartbeatTimeout: 30 * time.Second}, Dependencies{
		Queue:  &stubQueue{},
		Logger: logging.Discard(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	conn := &fakeConn{}
	s := addActiveSession(t, h, conn, 8, "*")

	h.sweepHeartbeats()
	if s.State() != StateActive {
		t.Fatalf("fresh session swept, state = %v", s.State())
	}
	select {
	case data := <-s.control:
		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode queued frame: %v", err)
		}
		if frame.Type != types.FramePing {
			t.Fatalf("queued frame type = %q, want %q", frame.Type, types.FramePing)
		}
	default:
		t.Fatal("expected a queued ping frame")
	}

	mu.Lock()
	current = current.Add(45 * time.Second)
	mu.Unlock()

	h.sweepHeartbeats()
	if s.State() != StateClosed {
		t.Fatalf("stale session state = %v, want closed", s.State())
	}
	if h.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", h.SessionCount())
	}
	waitForTransportClose(t, conn)
}

// waitForTransportClose polls for the asynchronous teardown write to finish.
func waitForTransportClose(t *testing.T, conn *fakeConn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("transport not closed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatSweepNotStalledBySlowClient(t *testing.T) {
	h := newTestHub(t, Config{HeartbeatTimeout: time.Minute}, nil)
	slow := addActiveSession(t, h, &stallConn{delay: 500 * time.Millisecond}, 8, "combat.*")
	healthy := addActiveSession(t, h, &fakeConn{}, 8, "chat.*")

	start := time.Now()
	h.sweepHeartbeats()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("sweep took %v, want well under the transport write time", elapsed)
	}
	if got := len(slow.control); got != 1 {
		t.Fatalf("slow session queued %d pings, want 1", got)
	}
	if got := len(healthy.control); got != 1 {
		t.Fatalf("healthy session queued %d pings, want 1", got)
	}
}

func TestCloseReturnsWithoutWaitingOnTransport(t *testing.T) {
	conn := &stallConn{delay: 500 * time.Millisecond}
	s := newSession("s-slow", conn, 8, nil, logging.Discard(), time.Now)
	s.activate("")

	start := time.Now()
	s.close(types.CloseHeartbeatLost)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("close took %v, want well under the transport write time", elapsed)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}

	waitForTransportClose(t, &conn.fakeConn)
	frames := conn.frames(t)
	if len(frames) != 1 || frames[0].Type != types.FrameError {
		t.Fatalf("expected a farewell error frame, got %+v", frames)
	}
	if reason, _ := frames[0].Data["reason"].(string); reason != types.CloseHeartbeatLost {
		t.Fatalf("farewell reason = %q, want %q", reason, types.CloseHeartbeatLost)
	}
}

func TestPongRefreshesHeartbeat(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	h, err := NewHub(Config{HeartbeatTimeout: 30 * time.Second}, Dependencies{
		Queue:  &stubQueue{},
		Logger: logging.Discard(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	s := addActiveSession(t, h, &fakeConn{}, 8, "*")

	mu.Lock()
	current = current.Add(25 * time.Second)
	mu.Unlock()
	s.markPong()

	mu.Lock()
	current = current.Add(20 * time.Second)
	mu.Unlock()

	h.sweepHeartbeats()
	if s.State() != StateActive {
		t.Fatalf("session with recent pong swept, state = %v", s.State())
	}
}

func TestDrainBroadcastsQueueEvents(t *testing.T) {
	q := &stubQueue{events: []types.Event{combatEvent("ev-1"), combatEvent("ev-2")}}
	h := newTestHub(t, Config{}, q)
	s := addActiveSession(t, h, &fakeConn{}, 8, "combat.*")
	tap := &captureTap{}
	h.AddTap(tap)

	h.drainOnce()

	if got := len(s.outbound); got != 2 {
		t.Fatalf("buffered %d events, want 2", got)
	}
	tap.mu.Lock()
	defer tap.mu.Unlock()
	if len(tap.seen) != 2 {
		t.Fatalf("tap observed %d events, want 2", len(tap.seen))
	}
}

func TestTapObservesWithoutSessions(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	tap := &captureTap{}
	h.AddTap(tap)

	h.Broadcast(combatEvent("ev-1"))

	tap.mu.Lock()
	defer tap.mu.Unlock()
	if len(tap.seen) != 1 {
		t.Fatalf("tap observed %d events, want 1", len(tap.seen))
	}
}

func TestHandleAuth(t *testing.T) {
	h := newTestHub(t, Config{StaticToken: "ops-token"}, nil)

	t.Run("valid token activates", func(t *testing.T) {
		conn := &fakeConn{}
		s := newSession("s-1", conn, 8, nil, logging.Discard(), time.Now)
		s.setState(StateAuthenticating)
		h.addSession(s)

		stop := h.handleAuth(s, types.Frame{Type: types.FrameAuth, Data: map[string]any{"token": "ops-token"}})
		if stop {
			t.Fatal("valid auth should keep the read loop running")
		}
		if s.State() != StateActive {
			t.Fatalf("state = %v, want active", s.State())
		}
		frames := conn.frames(t)
		if len(frames) != 1 || frames[0].Type != types.FrameAuthOK {
			t.Fatalf("expected auth_ok frame, got %+v", frames)
		}
		if frames[0].ClientID != "s-1" {
			t.Fatalf("auth_ok client id = %q, want s-1", frames[0].ClientID)
		}
	})

	t.Run("invalid token closes", func(t *testing.T) {
		conn := &fakeConn{}
		s := newSession("s-2", conn, 8, nil, logging.Discard(), time.Now)
		s.setState(StateAuthenticating)
		h.addSession(s)

		stop := h.handleAuth(s, types.Frame{Type: types.FrameAuth, Data: map[string]any{"token": "nope"}})
		if !stop {
			t.Fatal("invalid auth should stop the read loop")
		}
		if s.State() != StateClosed {
			t.Fatalf("state = %v, want closed", s.State())
		}
		if h.SessionCount() != 1 {
			t.Fatalf("session count = %d, want 1", h.SessionCount())
		}
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	s := addActiveSession(t, h, &fakeConn{}, 8, "combat.*")

	h.Broadcast(combatEvent("ev-1"))
	s.clearSubscriptions()
	h.Broadcast(combatEvent("ev-2"))

	if got := len(s.outbound); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
}

func TestRunShutdownClosesSessions(t *testing.T) {
	h := newTestHub(t, Config{DrainInterval: 5 * time.Millisecond}, nil)
	conn := &fakeConn{}
	s := addActiveSession(t, h, conn, 8, "*")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if s.State() != StateClosed {
		t.Fatalf("session state = %v, want closed", s.State())
	}
	if h.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", h.SessionCount())
	}
}
