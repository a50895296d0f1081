package player

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gamepulsehq/relay/pkg/types"
)

// Broadcaster receives replayed events. The hub satisfies it, so replayed
// traffic reaches clients through the same fan-out as live traffic.
type Broadcaster interface {
	Broadcast(ev types.Event)
}

// State tracks the player through a replay.
type State int

const (
	StateIdle State = iota
	StatePaused
	StatePlaying
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the player.
type Status struct {
	RecordingID string        `json:"recording_id,omitempty"`
	State       string        `json:"state"`
	Position    time.Duration `json:"position"`
	Speed       float64       `json:"speed"`
	Emitted     int           `json:"emitted"`
	Remaining   int           `json:"remaining"`
}

// Player replays a sealed recording on virtual time. Events keep their
// original relative spacing divided by the speed multiplier; the scheduler
// sleeps between due times and never busy-waits.
type Player struct {
	sink   Broadcaster
	logger zerolog.Logger

	wake chan struct{}

	mu          sync.Mutex
	recordingID string
	events      []types.Event
	offsets     []time.Duration
	idx         int
	pos         time.Duration
	speed       float64
	state       State
	emitted     int
}

// New builds an idle player. The broadcaster dependency is required.
func New(sink Broadcaster, logger zerolog.Logger) (*Player, error) {
	if sink == nil {
		return nil, fmt.Errorf("player: broadcaster dependency is required")
	}
	return &Player{
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		speed:  1,
	}, nil
}

// Load stages a recording for replay, replacing any previous one. Events are
// ordered chronologically and offsets are precomputed against the first
// event, so Seek can binary-search them.
func (p *Player) Load(rec types.Recording) error {
	if len(rec.Events) == 0 {
		return fmt.Errorf("player: recording %s has no events", rec.ID)
	}
	events := make([]types.Event, len(rec.Events))
	copy(events, rec.Events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	origin := events[0].Timestamp
	offsets := make([]time.Duration, len(events))
	for i, ev := range events {
		offsets[i] = ev.Timestamp.Sub(origin)
	}

	p.mu.Lock()
	p.recordingID = rec.ID
	p.events = events
	p.offsets = offsets
	p.idx = 0
	p.pos = 0
	p.emitted = 0
	p.state = StatePaused
	p.mu.Unlock()

	p.logger.Info().Str("recording", rec.ID).Int("events", len(events)).Msg("recording loaded")
	p.signal()
	return nil
}

// Play starts or resumes emission.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateIdle:
		return fmt.Errorf("player: no recording loaded")
	case StateFinished:
		return fmt.Errorf("player: replay finished, seek or reload to play again")
	}
	p.state = StatePlaying
	p.signal()
	return nil
}

// Pause suspends emission, keeping the current position.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return fmt.Errorf("player: not playing")
	}
	p.state = StatePaused
	p.signal()
	return nil
}

// Seek repositions the replay to the given offset from the recording start.
// The next emitted event is the first one at or after the offset.
func (p *Player) Seek(offset time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle {
		return fmt.Errorf("player: no recording loaded")
	}
	if offset < 0 {
		offset = 0
	}
	p.idx = sort.Search(len(p.offsets), func(i int) bool {
		return p.offsets[i] >= offset
	})
	p.pos = offset
	if p.state == StateFinished && p.idx < len(p.events) {
		p.state = StatePaused
	}
	p.signal()
	return nil
}

// SetSpeed changes the replay multiplier. Takes effect from the next gap.
func (p *Player) SetSpeed(multiplier float64) error {
	if multiplier <= 0 {
		return fmt.Errorf("player: speed multiplier must be positive, got %v", multiplier)
	}
	p.mu.Lock()
	p.speed = multiplier
	p.mu.Unlock()
	p.signal()
	return nil
}

// Status reports current replay progress.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		RecordingID: p.recordingID,
		State:       p.state.String(),
		Position:    p.pos,
		Speed:       p.speed,
		Emitted:     p.emitted,
		Remaining:   len(p.events) - p.idx,
	}
}

// signal nudges the scheduler; callers hold no guarantee it was sleeping.
func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop. It sleeps until the next event is due on the
// virtual clock, emits it with the replay provenance flag set, and repeats
// until the context ends.
func (p *Player) Run(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.state == StatePlaying && p.idx >= len(p.events) {
			p.state = StateFinished
			p.logger.Info().Str("recording", p.recordingID).Int("events", p.emitted).Msg("replay finished")
		}
		playing := p.state == StatePlaying
		var delay time.Duration
		if playing {
			gap := p.offsets[p.idx] - p.pos
			delay = time.Duration(float64(gap) / p.speed)
		}
		p.mu.Unlock()

		if !playing {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.wake:
			// Pause, seek, or speed change: recompute the next due time.
			timer.Stop()
			continue
		case <-timer.C:
		}

		p.mu.Lock()
		if p.state != StatePlaying || p.idx >= len(p.events) {
			p.mu.Unlock()
			continue
		}
		ev := p.events[p.idx]
		p.pos = p.offsets[p.idx]
		p.idx++
		p.emitted++
		p.mu.Unlock()

		ev.Replayed = true
		ev.Priority = types.PriorityFor(ev.Type)
		p.sink.Broadcast(ev)
	}
}
