package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/internal/parser"
	"github.com/gamepulsehq/relay/pkg/types"
)

// Channel is the opaque admin collaborator: a command string in, free-form
// text out, within the context deadline.
type Channel interface {
	Exec(ctx context.Context, command string) (string, error)
}

// Sink accepts normalized events; in production it is the priority queue.
type Sink interface {
	Enqueue(types.Event) bool
}

// State is one source's connectivity state.
type State string

const (
	StateConnected State = "connected"
	StateDegraded  State = "degraded"
)

// rosterCommand output is diffed against the previous cycle's roster rather
// than parsed through the registry.
const rosterCommand = "account onlinelist"

// Source describes one monitored server's polling parameters.
type Source struct {
	ID           string
	Commands     []string
	PollInterval time.Duration
	ExecTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMult  float64
	BackoffCap   time.Duration
}

// Dependencies holds the collaborators a Poller needs.
type Dependencies struct {
	Channel  Channel
	Registry *parser.Registry
	Sink     Sink
	Logger   zerolog.Logger
	Metrics  metrics.BridgeRecorder
	Now      func() time.Time
}

// Poller runs the query-and-parse cycle for a single source. A failure here
// never affects any other source: each poller owns its own state and timing.
type Poller struct {
	src      Source
	channel  Channel
	registry *parser.Registry
	sink     Sink
	logger   zerolog.Logger
	metrics  metrics.BridgeRecorder
	now      func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastSuccess time.Time
	lastError   string
	roster      map[string]struct{}
}

// NewPoller constructs a Poller. Channel, Registry, and Sink are required.
func NewPoller(src Source, deps Dependencies) *Poller {
	if src.PollInterval <= 0 {
		src.PollInterval = 3 * time.Second
	}
	if src.ExecTimeout <= 0 {
		src.ExecTimeout = 5 * time.Second
	}
	if src.BackoffBase <= 0 {
		src.BackoffBase = src.PollInterval
	}
	if src.BackoffMult < 1 {
		src.BackoffMult = 2
	}
	if src.BackoffCap <= 0 {
		src.BackoffCap = time.Minute
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		src:      src,
		channel:  deps.Channel,
		registry: deps.Registry,
		sink:     deps.Sink,
		logger:   deps.Logger.With().Str("source", src.ID).Logger(),
		metrics:  deps.Metrics,
		now:      now,
		state:    StateConnected,
	}
}

// Run polls until the context is cancelled. While degraded, the cycle delay
// grows by bounded exponential backoff until a successful poll restores the
// configured interval.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.cycle(ctx)

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// cycle issues every configured command once. The first transport failure
// aborts the remainder of the cycle and degrades the source; a fully
// successful cycle restores it.
func (p *Poller) cycle(ctx context.Context) {
	for _, command := range p.src.Commands {
		execCtx, cancel := context.WithTimeout(ctx, p.src.ExecTimeout)
		raw, err := p.channel.Exec(execCtx, command)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.degrade(err)
			return
		}
		p.submit(p.handleOutput(command, raw))
	}
	p.recover()
}

// handleOutput turns one command's raw response into validated events.
func (p *Poller) handleOutput(command, raw string) []types.Event {
	now := p.now().UTC()

	var events []types.Event
	if command == rosterCommand {
		events = p.diffRoster(parser.ParseRoster(raw), now)
	} else if fn := p.registry.Lookup(command); fn != nil {
		events = fn(p.src.ID, raw, now)
	} else {
		// Unrecognized command output is discarded, never fatal.
		return nil
	}

	valid, discarded := parser.FilterValid(events)
	if discarded > 0 {
		p.logger.Debug().Int("discarded", discarded).Str("command", command).Msg("malformed events discarded")
		if p.metrics != nil {
			p.metrics.IncParseDiscards(discarded)
		}
	}
	return valid
}

// diffRoster converts roster deltas into login/logout events. The first
// roster observed after startup seeds the baseline without emitting events.
func (p *Poller) diffRoster(names []string, now time.Time) []types.Event {
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		next[name] = struct{}{}
	}

	p.mu.Lock()
	prev := p.roster
	p.roster = next
	p.mu.Unlock()

	if prev == nil {
		return nil
	}

	var events []types.Event
	for _, name := range names {
		if _, ok := prev[name]; !ok {
			events = append(events, p.playerEvent(types.EventPlayerLogin, name, now))
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			events = append(events, p.playerEvent(types.EventPlayerLogout, name, now))
		}
	}
	return events
}

func (p *Poller) playerEvent(eventType, name string, now time.Time) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SourceID:  p.src.ID,
		Timestamp: now,
		Priority:  types.PriorityFor(eventType),
		Payload:   map[string]any{"entity_name": name},
	}
}

// submit offers events to the queue. Rejections raise a single overflow
// diagnostic per batch; its own enqueue result is ignored so a saturated
// queue cannot recurse.
func (p *Poller) submit(events []types.Event) {
	rejected := 0
	for _, ev := range events {
		if !p.sink.Enqueue(ev) {
			rejected++
		}
	}
	if rejected == 0 {
		return
	}
	p.logger.Warn().Int("rejected", rejected).Msg("queue rejected events")
	p.sink.Enqueue(types.Event{
		ID:        uuid.NewString(),
		Type:      types.EventQueueOverflow,
		SourceID:  p.src.ID,
		Timestamp: p.now().UTC(),
		Priority:  types.PriorityFor(types.EventQueueOverflow),
		Payload:   map[string]any{"source": p.src.ID, "rejected": rejected},
	})
}

func (p *Poller) degrade(err error) {
	p.mu.Lock()
	wasConnected := p.state == StateConnected
	p.state = StateDegraded
	p.failures++
	p.lastError = err.Error()
	p.mu.Unlock()

	if !wasConnected {
		return
	}
	p.logger.Warn().Err(err).Msg("source degraded")
	if p.metrics != nil {
		p.metrics.IncSourceDegraded()
	}
	p.submit([]types.Event{p.transitionEvent(types.EventSourceDegraded, err.Error())})
}

func (p *Poller) recover() {
	p.mu.Lock()
	wasDegraded := p.state == StateDegraded
	p.state = StateConnected
	p.failures = 0
	p.lastError = ""
	p.lastSuccess = p.now().UTC()
	p.mu.Unlock()

	if !wasDegraded {
		return
	}
	p.logger.Info().Msg("source recovered")
	p.submit([]types.Event{p.transitionEvent(types.EventSourceRecovered, "")})
}

func (p *Poller) transitionEvent(eventType, detail string) types.Event {
	payload := map[string]any{"source": p.src.ID}
	if detail != "" {
		payload["error"] = detail
	}
	return types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SourceID:  p.src.ID,
		Timestamp: p.now().UTC(),
		Priority:  types.PriorityFor(eventType),
		Payload:   payload,
	}
}

// nextDelay returns the configured interval while connected, or the bounded
// exponential backoff delay while degraded.
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	state := p.state
	failures := p.failures
	p.mu.Unlock()

	if state == StateConnected {
		return p.src.PollInterval
	}
	delay := p.src.BackoffBase
	for i := 1; i < failures; i++ {
		delay = time.Duration(float64(delay) * p.src.BackoffMult)
		if delay >= p.src.BackoffCap {
			return p.src.BackoffCap
		}
	}
	if delay > p.src.BackoffCap {
		delay = p.src.BackoffCap
	}
	return delay
}

// Status is the externally visible condition of one source.
type Status struct {
	SourceID    string    `json:"source_id"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status reports the poller's current condition.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		SourceID:    p.src.ID,
		State:       p.state,
		Failures:    p.failures,
		LastSuccess: p.lastSuccess,
		LastError:   p.lastError,
	}
}
