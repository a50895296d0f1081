package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gamepulsehq/relay/internal/adminchan"
	"github.com/gamepulsehq/relay/internal/bridge"
	"github.com/gamepulsehq/relay/internal/broadcast"
	"github.com/gamepulsehq/relay/internal/config"
	"github.com/gamepulsehq/relay/internal/health"
	"github.com/gamepulsehq/relay/internal/logging"
	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/internal/queue"
	"github.com/gamepulsehq/relay/internal/recorder"
	"github.com/gamepulsehq/relay/internal/runtime"
	"github.com/gamepulsehq/relay/internal/server"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to relay configuration file (defaults to $RELAY_CONFIG, then "+config.DefaultConfigPath+")")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().
		Int("sources", len(cfg.Sources)).
		Str("addr", cfg.Server.Addr).
		Msg("relay starting")

	metricsStore := metrics.NewStore()

	sources := make([]bridge.Source, 0, len(cfg.Sources))
	channels := make(map[string]*adminchan.Client, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, bridge.Source{
			ID:           src.ID,
			Commands:     src.Commands,
			PollInterval: src.PollInterval,
			ExecTimeout:  src.ExecTimeout,
			BackoffBase:  src.BackoffBase,
			BackoffMult:  src.BackoffMult,
			BackoffCap:   src.BackoffCap,
		})
		client, err := adminchan.NewClient(
			adminchan.Config{BaseURL: src.URL, AuthToken: src.AuthToken},
			adminchan.Dependencies{},
		)
		if err != nil {
			return fmt.Errorf("init admin channel for source %q: %w", src.ID, err)
		}
		channels[src.ID] = client
	}
	factory := func(src bridge.Source) (bridge.Channel, error) {
		client, ok := channels[src.ID]
		if !ok {
			return nil, fmt.Errorf("no admin channel for source %q", src.ID)
		}
		return client, nil
	}

	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithQueueConfig(queue.Config{
			LaneCapacity:  cfg.Queue.LaneCapacities(),
			Policy:        queue.EvictionPolicy(cfg.Queue.EvictionPolicy),
			EntryTTL:      cfg.Queue.EntryTTL,
			DeadLetterCap: cfg.Queue.DeadLetterCap,
		}),
		runtime.WithHubConfig(broadcast.Config{
			AuthSecret:        cfg.Broadcast.AuthSecret,
			StaticToken:       cfg.Broadcast.StaticToken,
			AuthGrace:         cfg.Broadcast.AuthGrace,
			HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Broadcast.HeartbeatTimeout,
			OutboundBuffer:    cfg.Broadcast.OutboundBuffer,
			RatePerSecond:     cfg.Broadcast.RatePerSecond,
			RateBurst:         cfg.Broadcast.RateBurst,
		}),
	}
	if len(sources) > 0 {
		opts = append(opts, runtime.WithSources(sources, factory))
	}
	if cfg.Queue.SnapshotPath != "" {
		opts = append(opts, runtime.WithSnapshot(cfg.Queue.SnapshotPath, cfg.Queue.SnapshotInterval))
	}

	recordingStore, closeStore, err := buildRecordingStore(ctx, cfg.Recording)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	if recordingStore != nil {
		opts = append(opts, runtime.WithRecording(recorder.Config{
			MaxEvents:          cfg.Recording.MaxEvents,
			CheckpointInterval: cfg.Recording.CheckpointInterval,
		}, recordingStore))
	}

	rt, err := runtime.New(opts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	checker := health.NewChecker(metricsStore, cfg.Queue.LaneCapacities(), maxSourceStale(cfg.Sources))
	if len(sources) > 0 {
		checker.SetSourceProvider(rt.SourceStatuses)
	}

	srv := server.New(server.Config{
		Addr:             cfg.Server.Addr,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		IdleTimeout:      cfg.Server.IdleTimeout,
		AdminBearerToken: cfg.Server.AdminBearerToken,
	}, server.Dependencies{
		Logger:     logger,
		Hub:        rt.Hub(),
		Queue:      rt.Queue(),
		Sources:    rt.SourceStatuses,
		Checker:    checker,
		Metrics:    metrics.NewHTTPHandler(metricsStore),
		Recorder:   serverRecorder(rt),
		Recordings: recordingStore,
		Player:     serverPlayer(rt),
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		if err := rt.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return serveHTTP(groupCtx, srv, logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info().Msg("relay stopped")
	return nil
}

// serverRecorder avoids handing the HTTP surface a typed nil interface when
// recording is disabled.
func serverRecorder(rt *runtime.Runtime) server.Recorder {
	if rec := rt.Recorder(); rec != nil {
		return rec
	}
	return nil
}

func serverPlayer(rt *runtime.Runtime) server.Player {
	if p := rt.Player(); p != nil {
		return p
	}
	return nil
}

func buildRecordingStore(ctx context.Context, cfg config.RecordingConfig) (recorder.Store, func(), error) {
	if cfg.PostgresDSN != "" {
		store, err := recorder.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect recording store: %w", err)
		}
		return store, store.Close, nil
	}
	if cfg.Dir != "" {
		store, err := recorder.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open recording store: %w", err)
		}
		return store, nil, nil
	}
	return nil, nil, nil
}

// loadConfig resolves the configuration file: an explicit flag path wins,
// otherwise $RELAY_CONFIG, otherwise the default path.
func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if path != "" {
		return config.Load(ctx, path)
	}
	return config.LoadFromEnv(ctx)
}

func maxSourceStale(sources []config.SourceConfig) time.Duration {
	stale := time.Duration(0)
	for _, src := range sources {
		if v := 3 * src.PollInterval; v > stale {
			stale = v
		}
	}
	if stale <= 0 {
		stale = time.Minute
	}
	return stale
}

func serveHTTP(ctx context.Context, srv *server.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func printUsage() {
	fmt.Println("GamePulse Relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relay run [--config /etc/relay/relay.yaml]")
}
