package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gamepulsehq/relay/pkg/types"
)

const (
	envConfigPath     = "RELAY_CONFIG"
	DefaultConfigPath = "/etc/relay/relay.yaml"
)

// Config is loaded once at startup and treated as immutable afterwards.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Sources   []SourceConfig  `yaml:"sources"`
	Queue     QueueConfig     `yaml:"queue"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Recording RecordingConfig `yaml:"recording"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	AdminBearerToken string        `yaml:"admin_bearer_token"`
}

// SourceConfig describes one monitored game server.
type SourceConfig struct {
	ID           string        `yaml:"id"`
	URL          string        `yaml:"url"`
	AuthToken    string        `yaml:"auth_token"`
	Commands     []string      `yaml:"commands"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMult  float64       `yaml:"backoff_mult"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
}

type QueueConfig struct {
	LaneCapacity     map[string]int `yaml:"lane_capacity"`
	EvictionPolicy   string         `yaml:"eviction_policy"`
	EntryTTL         time.Duration  `yaml:"entry_ttl"`
	DeadLetterCap    int            `yaml:"dead_letter_cap"`
	SnapshotPath     string         `yaml:"snapshot_path"`
	SnapshotInterval time.Duration  `yaml:"snapshot_interval"`
}

type BroadcastConfig struct {
	AuthSecret        string        `yaml:"auth_secret"`
	StaticToken       string        `yaml:"static_token"`
	AuthGrace         time.Duration `yaml:"auth_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	OutboundBuffer    int           `yaml:"outbound_buffer"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	RateBurst         int           `yaml:"rate_burst"`
}

type RecordingConfig struct {
	Dir                string        `yaml:"dir"`
	MaxEvents          int           `yaml:"max_events"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	PostgresDSN        string        `yaml:"postgres_dsn"`
}

// LaneCapacities converts the named lane capacities to their priority keys.
func (q QueueConfig) LaneCapacities() map[types.Priority]int {
	out := make(map[types.Priority]int, len(q.LaneCapacity))
	for _, lane := range types.Lanes {
		if n, ok := q.LaneCapacity[lane.String()]; ok {
			out[lane] = n
		}
	}
	return out
}

// Load reads and parses the YAML configuration at path, applying defaults.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads from $RELAY_CONFIG, falling back to the default path.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}
	for i := range c.Sources {
		src := &c.Sources[i]
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
		if len(src.Commands) == 0 {
			src.Commands = []string{"server info"}
		}
	}
	if c.Queue.EvictionPolicy == "" {
		c.Queue.EvictionPolicy = "evict-oldest"
	}
	if c.Queue.EntryTTL <= 0 {
		c.Queue.EntryTTL = 30 * time.Second
	}
	if c.Queue.DeadLetterCap <= 0 {
		c.Queue.DeadLetterCap = 1024
	}
	if c.Queue.SnapshotInterval <= 0 {
		c.Queue.SnapshotInterval = 30 * time.Second
	}
	if c.Broadcast.AuthGrace <= 0 {
		c.Broadcast.AuthGrace = 10 * time.Second
	}
	if c.Broadcast.HeartbeatInterval <= 0 {
		c.Broadcast.HeartbeatInterval = 15 * time.Second
	}
	if c.Broadcast.HeartbeatTimeout <= 0 {
		c.Broadcast.HeartbeatTimeout = 2 * c.Broadcast.HeartbeatInterval
	}
	if c.Broadcast.OutboundBuffer <= 0 {
		c.Broadcast.OutboundBuffer = 256
	}
	if c.Recording.MaxEvents <= 0 {
		c.Recording.MaxEvents = 100000
	}
	if c.Recording.CheckpointInterval <= 0 {
		c.Recording.CheckpointInterval = 10 * time.Second
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("source with empty id")
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.URL == "" {
			return fmt.Errorf("source %q: url is required", src.ID)
		}
	}
	switch c.Queue.EvictionPolicy {
	case "evict-oldest", "reject-newest":
	default:
		return fmt.Errorf("unknown eviction policy %q", c.Queue.EvictionPolicy)
	}
	for lane := range c.Queue.LaneCapacity {
		switch lane {
		case "critical", "high", "normal", "low":
		default:
			return fmt.Errorf("unknown lane %q in lane_capacity", lane)
		}
	}
	return nil
}
