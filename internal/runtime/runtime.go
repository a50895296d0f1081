package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gamepulsehq/relay/internal/bridge"
	"github.com/gamepulsehq/relay/internal/broadcast"
	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/internal/parser"
	"github.com/gamepulsehq/relay/internal/player"
	"github.com/gamepulsehq/relay/internal/queue"
	"github.com/gamepulsehq/relay/internal/recorder"
)

type Option func(*config)

type config struct {
	queueCfg         queue.Config
	snapshotPath     string
	snapshotInterval time.Duration

	sources        []bridge.Source
	channelFactory bridge.ChannelFactory

	hubCfg broadcast.Config

	recorderCfg    recorder.Config
	recordingStore recorder.Store

	metricsStore *metrics.Store
	logger       zerolog.Logger
	now          func() time.Time
}

func WithQueueConfig(cfg queue.Config) Option {
	return func(c *config) {
		c.queueCfg = cfg
	}
}

// WithSnapshot enables periodic queue snapshots and restore-on-start.
func WithSnapshot(path string, interval time.Duration) Option {
	return func(c *config) {
		c.snapshotPath = path
		c.snapshotInterval = interval
	}
}

func WithSources(sources []bridge.Source, factory bridge.ChannelFactory) Option {
	return func(c *config) {
		c.sources = sources
		c.channelFactory = factory
	}
}

func WithHubConfig(cfg broadcast.Config) Option {
	return func(c *config) {
		c.hubCfg = cfg
	}
}

// WithRecording enables the session recorder and replay player backed by the
// given store.
func WithRecording(cfg recorder.Config, store recorder.Store) Option {
	return func(c *config) {
		c.recorderCfg = cfg
		c.recordingStore = store
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// Runtime composes the pipeline: bridge pollers feeding the queue, the hub
// draining it to clients, and the optional recorder and player attached to
// the hub.
type Runtime struct {
	queue    *queue.Queue
	manager  *bridge.Manager
	hub      *broadcast.Hub
	recorder *recorder.Recorder
	player   *player.Player

	snapshotPath     string
	snapshotInterval time.Duration
	logger           zerolog.Logger
}

// New wires every component from the supplied options.
func New(opts ...Option) (*Runtime, error) {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	queueOpts := []queue.Option{queue.WithNow(cfg.now)}
	if cfg.metricsStore != nil {
		queueOpts = append(queueOpts, queue.WithMetricsRecorder(cfg.metricsStore.QueueRecorder()))
	}
	q := queue.New(cfg.queueCfg, queueOpts...)

	hubDeps := broadcast.Dependencies{
		Queue:  q,
		Logger: cfg.logger,
		Now:    cfg.now,
	}
	if cfg.metricsStore != nil {
		hubDeps.Metrics = cfg.metricsStore.BroadcastRecorder()
	}
	hub, err := broadcast.NewHub(cfg.hubCfg, hubDeps)
	if err != nil {
		return nil, fmt.Errorf("build hub: %w", err)
	}

	rt := &Runtime{
		queue:            q,
		hub:              hub,
		snapshotPath:     cfg.snapshotPath,
		snapshotInterval: cfg.snapshotInterval,
		logger:           cfg.logger,
	}

	if len(cfg.sources) > 0 {
		if cfg.channelFactory == nil {
			return nil, fmt.Errorf("sources configured without a channel factory")
		}
		bridgeDeps := bridge.Dependencies{
			Registry: parser.NewRegistry(),
			Sink:     q,
			Logger:   cfg.logger,
			Now:      cfg.now,
		}
		if cfg.metricsStore != nil {
			bridgeDeps.Metrics = cfg.metricsStore.BridgeRecorder()
		}
		manager, err := bridge.NewManager(cfg.sources, cfg.channelFactory, bridgeDeps)
		if err != nil {
			return nil, fmt.Errorf("build bridge manager: %w", err)
		}
		rt.manager = manager
	}

	if cfg.recordingStore != nil {
		recDeps := recorder.Dependencies{
			Store:  cfg.recordingStore,
			Logger: cfg.logger,
			Sink:   q,
			Now:    cfg.now,
		}
		if cfg.metricsStore != nil {
			recDeps.Metrics = cfg.metricsStore.RecorderRecorder()
		}
		rec, err := recorder.New(cfg.recorderCfg, recDeps)
		if err != nil {
			return nil, fmt.Errorf("build recorder: %w", err)
		}
		hub.AddTap(rec)
		rt.recorder = rec

		p, err := player.New(hub, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("build player: %w", err)
		}
		rt.player = p
	}

	return rt, nil
}

// Run restores any queue snapshot and drives every component until the
// context ends. Component errors other than cancellation propagate.
func (r *Runtime) Run(ctx context.Context) error {
	if r.snapshotPath != "" {
		if err := r.queue.LoadSnapshot(r.snapshotPath); err != nil {
			r.logger.Warn().Err(err).Str("path", r.snapshotPath).Msg("restore queue snapshot")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.hub.Run(ctx) })

	if r.manager != nil {
		g.Go(func() error { return r.manager.Run(ctx) })
	}
	if r.snapshotPath != "" && r.snapshotInterval > 0 {
		g.Go(func() error {
			return r.queue.RunSnapshots(ctx, r.snapshotPath, r.snapshotInterval, r.logger)
		})
	}
	if r.recorder != nil {
		g.Go(func() error { return r.recorder.Run(ctx) })
	}
	if r.player != nil {
		g.Go(func() error { return r.player.Run(ctx) })
	}

	return g.Wait()
}

// Queue exposes the event queue for the HTTP surface.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Hub exposes the broadcast hub for the websocket endpoint.
func (r *Runtime) Hub() *broadcast.Hub { return r.hub }

// SourceStatuses reports bridge source conditions; nil without sources.
func (r *Runtime) SourceStatuses() []bridge.Status {
	if r.manager == nil {
		return nil
	}
	return r.manager.Statuses()
}

// Recorder is nil when recording is not configured.
func (r *Runtime) Recorder() *recorder.Recorder { return r.recorder }

// Player is nil when recording is not configured.
func (r *Runtime) Player() *player.Player { return r.player }
