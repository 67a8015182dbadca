package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Stream  StreamConfig  `yaml:"stream"`
	Store   StoreConfig   `yaml:"store"`
	WS      WSConfig      `yaml:"ws"`
	Detect  DetectConfig  `yaml:"detect"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" envconfig:"PORT"`
	Host           string   `yaml:"host" envconfig:"HOST"`
	AuthToken      string   `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type CaptureConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"CAPTURE_POLL_INTERVAL"`
	RegistryInterval time.Duration `yaml:"registry_interval" envconfig:"REGISTRY_INTERVAL"`
	HistoryLines     int           `yaml:"history_lines" envconfig:"CAPTURE_HISTORY_LINES"`
}

type StreamConfig struct {
	RingCapacity int `yaml:"ring_capacity" envconfig:"RING_CAPACITY"`
}

type StoreConfig struct {
	Path              string        `yaml:"path" envconfig:"STORE_PATH"`
	RetentionMaxAge   time.Duration `yaml:"retention_max_age" envconfig:"RETENTION_MAX_AGE"`
	RetentionPerPane  int           `yaml:"retention_per_pane" envconfig:"RETENTION_PER_PANE"`
	RetentionSchedule string        `yaml:"retention_schedule" envconfig:"RETENTION_SCHEDULE"`
	AppendRetries     int           `yaml:"append_retries" envconfig:"APPEND_RETRIES"`
}

type WSConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" envconfig:"HEARTBEAT_TIMEOUT"`
	ClientQueueSize   int           `yaml:"client_queue_size" envconfig:"CLIENT_QUEUE_SIZE"`
	MaxConnections    int           `yaml:"max_connections" envconfig:"MAX_CONNECTIONS"`
	SyncBacklog       int           `yaml:"sync_backlog" envconfig:"SYNC_BACKLOG"`
}

// DetectConfig holds the classification marker sets. The question grammar
// is a heuristic over free-form agent output and changes as agents evolve,
// so every marker is configurable rather than hard-coded.
type DetectConfig struct {
	ErrorMarkers    []string `yaml:"error_markers" envconfig:"ERROR_MARKERS"`
	StatusMarkers   []string `yaml:"status_markers" envconfig:"STATUS_MARKERS"`
	QuestionGlyphs  []string `yaml:"question_glyphs" envconfig:"QUESTION_GLYPHS"`
	QuestionPrompts []string `yaml:"question_prompts" envconfig:"QUESTION_PROMPTS"`
}

// Default returns the built-in configuration. Load starts from this and
// layers the YAML file and PANEWATCH_* environment overrides on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Capture: CaptureConfig{
			PollInterval:     300 * time.Millisecond,
			RegistryInterval: time.Second,
			HistoryLines:     200,
		},
		Stream: StreamConfig{
			RingCapacity: 1000,
		},
		Store: StoreConfig{
			Path:              defaultStorePath(),
			RetentionMaxAge:   7 * 24 * time.Hour,
			RetentionPerPane:  50000,
			RetentionSchedule: "@every 1h",
			AppendRetries:     3,
		},
		WS: WSConfig{
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			ClientQueueSize:   256,
			MaxConnections:    0, // unlimited
			SyncBacklog:       200,
		},
		Detect: DetectConfig{
			ErrorMarkers:    []string{"Error:", "error:", "FAILED", "panic:", "fatal:", "Traceback (most recent call last)"},
			StatusMarkers:   []string{"✻ ", "✳ ", "· Running", "⏺ "},
			QuestionGlyphs:  []string{"☐", "❯"},
			QuestionPrompts: []string{"Press Enter to select", "Enter to confirm", "to select"},
		},
	}
}

// Load reads the YAML config at path, layered over Default. A missing
// file is not an error -- defaults plus env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process("PANEWATCH", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Stream.RingCapacity <= 0 {
		return fmt.Errorf("stream.ring_capacity must be positive, got %d", c.Stream.RingCapacity)
	}
	if c.Capture.PollInterval <= 0 {
		return fmt.Errorf("capture.poll_interval must be positive, got %s", c.Capture.PollInterval)
	}
	if c.WS.ClientQueueSize <= 0 {
		return fmt.Errorf("ws.client_queue_size must be positive, got %d", c.WS.ClientQueueSize)
	}
	if c.WS.HeartbeatTimeout <= c.WS.HeartbeatInterval {
		return fmt.Errorf("ws.heartbeat_timeout (%s) must exceed ws.heartbeat_interval (%s)",
			c.WS.HeartbeatTimeout, c.WS.HeartbeatInterval)
	}
	return nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "panewatch.db"
	}
	return home + "/.local/share/panewatch/events.db"
}
