package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/pkg/types"
)

// Sink accepts diagnostic events the recorder raises about itself.
type Sink interface {
	Enqueue(ev types.Event) bool
}

// Config controls recorder behaviour.
type Config struct {
	// MaxEvents seals the recording automatically once reached.
	MaxEvents int
	// CheckpointInterval persists the in-flight recording periodically so a
	// crash loses at most one interval of capture. Zero disables checkpoints.
	CheckpointInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 100_000
	}
}

// Dependencies are the recorder's injected collaborators.
type Dependencies struct {
	Store   Store
	Logger  zerolog.Logger
	Metrics metrics.RecorderRecorder
	Sink    Sink
	Now     func() time.Time
}

// Recorder captures the broadcast stream into recordings. It attaches to the
// hub as a tap, so it sees every event regardless of client subscriptions.
// At most one recording is in flight at a time.
type Recorder struct {
	cfg  Config
	deps Dependencies

	recording atomic.Bool
	sealCh    chan struct{}

	mu     sync.Mutex
	active *types.Recording
}

// New validates and builds a Recorder. The store dependency is required.
func New(cfg Config, deps Dependencies) (*Recorder, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("recorder: store dependency is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()
	return &Recorder{
		cfg:    cfg,
		deps:   deps,
		sealCh: make(chan struct{}, 1),
	}, nil
}

// Start opens a new recording and returns its ID.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return "", fmt.Errorf("recorder: recording %s already in progress", r.active.ID)
	}
	rec := &types.Recording{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: r.deps.Now().UTC(),
	}
	r.active = rec
	r.recording.Store(true)
	r.deps.Logger.Info().Str("recording", rec.ID).Str("name", name).Msg("recording started")
	return rec.ID, nil
}

// Stop seals the active recording, persists it, and returns the sealed copy.
func (r *Recorder) Stop(ctx context.Context) (types.Recording, error) {
	rec, ok := r.seal()
	if !ok {
		return types.Recording{}, fmt.Errorf("recorder: no recording in progress")
	}
	if err := r.save(ctx, rec); err != nil {
		return types.Recording{}, err
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.IncSealed()
	}
	r.deps.Logger.Info().Str("recording", rec.ID).Int("events", len(rec.Events)).Msg("recording sealed")
	return rec, nil
}

// Active reports the in-flight recording's ID and captured event count.
func (r *Recorder) Active() (id string, events int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", 0, false
	}
	return r.active.ID, len(r.active.Events), true
}

// Observe appends one broadcast event to the active recording. Replayed
// events are skipped so playing a session back never re-records it.
func (r *Recorder) Observe(ev types.Event) {
	if !r.recording.Load() || ev.Replayed {
		return
	}

	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return
	}
	r.active.Events = append(r.active.Events, ev)
	full := len(r.active.Events) >= r.cfg.MaxEvents
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.IncAppends(1)
	}
	if full {
		select {
		case r.sealCh <- struct{}{}:
		default:
		}
	}
}

// Run drives checkpointing and capacity-triggered sealing until the context
// ends. An in-flight recording is sealed and saved on shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	var ticks <-chan time.Time
	if r.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(r.cfg.CheckpointInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if rec, ok := r.seal(); ok {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.save(saveCtx, rec); err == nil && r.deps.Metrics != nil {
					r.deps.Metrics.IncSealed()
				}
				cancel()
			}
			return ctx.Err()
		case <-r.sealCh:
			rec, ok := r.seal()
			if !ok {
				continue
			}
			if err := r.save(ctx, rec); err != nil {
				continue
			}
			if r.deps.Metrics != nil {
				r.deps.Metrics.IncSealed()
			}
			r.deps.Logger.Info().Str("recording", rec.ID).Int("events", len(rec.Events)).Msg("recording sealed at capacity")
		case <-ticks:
			r.checkpoint(ctx)
		}
	}
}

// seal detaches the active recording and stamps its end time.
func (r *Recorder) seal() (types.Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return types.Recording{}, false
	}
	rec := *r.active
	rec.EndedAt = r.deps.Now().UTC()
	rec.Metadata = types.BuildMetadata(rec.Events)
	r.active = nil
	r.recording.Store(false)
	return rec, true
}

// checkpoint persists a copy of the in-flight recording without sealing it.
func (r *Recorder) checkpoint(ctx context.Context) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return
	}
	rec := *r.active
	rec.Events = make([]types.Event, len(r.active.Events))
	copy(rec.Events, r.active.Events)
	r.mu.Unlock()

	rec.Metadata = types.BuildMetadata(rec.Events)
	_ = r.save(ctx, rec)
}

// save persists a recording, raising a storage_failure diagnostic on error.
func (r *Recorder) save(ctx context.Context, rec types.Recording) error {
	err := r.deps.Store.Save(ctx, rec)
	if err == nil {
		return nil
	}
	r.deps.Logger.Error().Err(err).Str("recording", rec.ID).Msg("persist recording")
	if r.deps.Sink != nil {
		now := r.deps.Now().UTC()
		r.deps.Sink.Enqueue(types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventStorageFailure,
			SourceID:  "recorder",
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventStorageFailure),
			Payload: map[string]any{
				"recording_id": rec.ID,
				"error":        err.Error(),
			},
		})
	}
	return fmt.Errorf("persist recording %s: %w", rec.ID, err)
}
