// Package config loads the daemon settings file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/zm-aidect/internal/inference"
	"github.com/dj-oyu/zm-aidect/internal/trigger"
	"github.com/dj-oyu/zm-aidect/internal/zoneminder"
)

// DefaultPath is read when no -config flag is given and the file exists
const DefaultPath = "/etc/zm/aidect.yaml"

// Config holds all daemon settings
type Config struct {
	ZoneMinder ZoneMinderConfig `yaml:"zoneminder"`
	Engine     EngineConfig     `yaml:"engine"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dump       DumpConfig       `yaml:"dump"`
}

// ZoneMinderConfig locates the host
type ZoneMinderConfig struct {
	ConfPath string `yaml:"conf_path"` // zm.conf
	ConfDir  string `yaml:"conf_dir"`  // conf.d overrides
	DBDriver string `yaml:"db_driver"` // database/sql driver name
	DSN      string `yaml:"dsn"`       // Overrides the DSN built from zm.conf
	PathMap  string `yaml:"path_map"`  // Overrides ZM_PATH_MAP
}

// EngineConfig selects the inference backend
type EngineConfig struct {
	Backend       string        `yaml:"backend"` // http or opencv
	Endpoint      string        `yaml:"endpoint"`
	Weights       string        `yaml:"weights"`
	Config        string        `yaml:"config"`
	Target        string        `yaml:"target"` // auto, cpu, cuda
	ClassOffset   *int          `yaml:"class_offset"`
	MinConfidence float64       `yaml:"min_confidence"` // Backend floor; 0 leaves filtering to the zone threshold
	Timeout       time.Duration `yaml:"timeout"`
}

// TriggerConfig selects how the host is signalled
type TriggerConfig struct {
	Mode        string        `yaml:"mode"` // shm or socket
	Socket      string        `yaml:"socket"`
	Cause       string        `yaml:"cause"`
	Duration    time.Duration `yaml:"duration"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	UpdateNotes bool          `yaml:"update_notes"`
}

// EventsConfig configures the optional NATS mirror
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"` // Empty disables the mirror
	SubjectPrefix string `yaml:"subject_prefix"`
	Format        string `yaml:"format"` // json or proto
}

// MetricsConfig configures the status server
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the server
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// WorkerConfig holds loop timings and fault thresholds
type WorkerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`      // Zone config reload
	IdleInterval     time.Duration `yaml:"idle_interval"`      // Sleep when no frame or no config
	FrameTimeout     time.Duration `yaml:"frame_timeout"`      // Bound on one acquire
	InferenceTimeout time.Duration `yaml:"inference_timeout"`  // Bound on one inference
	StaleAfter       time.Duration `yaml:"stale_after"`        // Host heartbeat age
	MaxHostFaults    int           `yaml:"max_host_faults"`    // Consecutive HostUnavailable before restart
	MaxCycleTimeouts int           `yaml:"max_cycle_timeouts"` // Consecutive timeouts before restart
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxRestarts      int           `yaml:"max_restarts"` // 0 is unlimited
	SelfTestTimeout  time.Duration `yaml:"selftest_timeout"`
}

// DumpConfig configures the snapshot recorder
type DumpConfig struct {
	Dir   string `yaml:"dir"` // Empty disables dumps
	Queue int    `yaml:"queue"`
}

// Default returns the built-in settings
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads a YAML file and fills unset fields with defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ZoneMinder.ConfPath == "" {
		c.ZoneMinder.ConfPath = zoneminder.DefaultConfPath
	}
	if c.ZoneMinder.ConfDir == "" {
		c.ZoneMinder.ConfDir = zoneminder.DefaultConfDir
	}
	if c.ZoneMinder.DBDriver == "" {
		c.ZoneMinder.DBDriver = "mysql"
	}
	if c.Engine.Backend == "" {
		c.Engine.Backend = "http"
	}
	if c.Engine.Endpoint == "" {
		c.Engine.Endpoint = "http://127.0.0.1:8081"
	}
	if c.Engine.Target == "" {
		c.Engine.Target = "auto"
	}
	if c.Engine.ClassOffset == nil {
		one := 1
		c.Engine.ClassOffset = &one
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = 5 * time.Second
	}
	if c.Trigger.Mode == "" {
		c.Trigger.Mode = "shm"
	}
	if c.Trigger.Socket == "" {
		c.Trigger.Socket = trigger.DefaultSocketPath
	}
	if c.Trigger.Cause == "" {
		c.Trigger.Cause = trigger.DefaultCause
	}
	if c.Trigger.Duration == 0 {
		c.Trigger.Duration = trigger.DefaultDuration
	}
	if c.Trigger.AckTimeout == 0 {
		c.Trigger.AckTimeout = trigger.DefaultAckTimeout
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = trigger.DefaultSubjectPrefix
	}
	if c.Events.Format == "" {
		c.Events.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	w := &c.Worker
	if w.PollInterval == 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.IdleInterval == 0 {
		w.IdleInterval = 20 * time.Millisecond
	}
	if w.FrameTimeout == 0 {
		w.FrameTimeout = 2 * time.Second
	}
	if w.InferenceTimeout == 0 {
		w.InferenceTimeout = 10 * time.Second
	}
	if w.StaleAfter == 0 {
		w.StaleAfter = 30 * time.Second
	}
	if w.MaxHostFaults == 0 {
		w.MaxHostFaults = 50
	}
	if w.MaxCycleTimeouts == 0 {
		w.MaxCycleTimeouts = 3
	}
	if w.BackoffInitial == 0 {
		w.BackoffInitial = time.Second
	}
	if w.BackoffMax == 0 {
		w.BackoffMax = time.Minute
	}
	if w.SelfTestTimeout == 0 {
		w.SelfTestTimeout = 10 * time.Second
	}
	if c.Dump.Queue == 0 {
		c.Dump.Queue = 16
	}
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	switch strings.ToLower(c.Trigger.Mode) {
	case "shm", "socket":
	default:
		return fmt.Errorf("invalid trigger mode %q (want shm or socket)", c.Trigger.Mode)
	}
	if _, err := trigger.ParseFormat(c.Events.Format); err != nil {
		return err
	}
	if c.Worker.BackoffMax < c.Worker.BackoffInitial {
		return fmt.Errorf("backoff_max %s is below backoff_initial %s", c.Worker.BackoffMax, c.Worker.BackoffInitial)
	}
	if c.Worker.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must not be negative")
	}
	return nil
}

// Inference returns the engine configuration
func (c *Config) Inference() inference.Config {
	return inference.Config{
		Backend:       c.Engine.Backend,
		Endpoint:      c.Engine.Endpoint,
		Weights:       c.Engine.Weights,
		ModelConfig:   c.Engine.Config,
		Target:        c.Engine.Target,
		ClassOffset:   *c.Engine.ClassOffset,
		MinConfidence: c.Engine.MinConfidence,
		Timeout:       c.Engine.Timeout,
	}
}
