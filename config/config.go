// Package config handles service configuration: a YAML file of
// tunables with sensible defaults and validation. A missing file is not
// an error; the defaults describe a standard local deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Connection ConnectionConfig `yaml:"connection"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Output     OutputConfig     `yaml:"output"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// BackendConfig describes the supervised inference process.
type BackendConfig struct {
	Python             string        `yaml:"python"`      // bundled interpreter
	Script             string        `yaml:"script"`      // backend entry point
	Port               int           `yaml:"port"`        // well-known loopback port
	RuntimeDir         string        `yaml:"runtime_dir"` // isolates the runtime env
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartBackoff     time.Duration `yaml:"restart_backoff"`
	RestartPause       time.Duration `yaml:"restart_pause"`
	ConnectDelay       time.Duration `yaml:"connect_delay"`
}

// ConnectionConfig tunes the message channel to the process.
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold       time.Duration `yaml:"stale_threshold"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// AudioConfig tunes the capture pipeline. The hot-swap thresholds are
// empirical, which is exactly why they live here and not in code.
type AudioConfig struct {
	SampleRate         int           `yaml:"sample_rate"`
	ChunkDuration      time.Duration `yaml:"chunk_duration"`
	MaxStartAttempts   int           `yaml:"max_start_attempts"`
	FlowTimeout        time.Duration `yaml:"flow_timeout"`
	HotSwapMaxRestarts int           `yaml:"hot_swap_max_restarts"`
	HotSwapDebounce    time.Duration `yaml:"hot_swap_debounce"`
	DevicePollInterval time.Duration `yaml:"device_poll_interval"`
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	IntervalPeriod    time.Duration `yaml:"interval_period"`
}

// OutputConfig controls what happens to finished transcripts.
type OutputConfig struct {
	CopyFinalTranscript bool `yaml:"copy_final_transcript"`
}

// LoggingConfig selects log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Python:             "python3",
			Script:             "backend/main.py",
			Port:               8765,
			MaxRestartAttempts: 3,
			RestartBackoff:     time.Second,
			RestartPause:       500 * time.Millisecond,
			ConnectDelay:       time.Second,
		},
		Connection: ConnectionConfig{
			HeartbeatInterval:    30 * time.Second,
			StaleThreshold:       120 * time.Second,
			ProbeTimeout:         2 * time.Second,
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 5,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			ChunkDuration:      400 * time.Millisecond,
			MaxStartAttempts:   3,
			FlowTimeout:        time.Second,
			HotSwapMaxRestarts: 3,
			HotSwapDebounce:    2 * time.Second,
			DevicePollInterval: 5 * time.Second,
		},
		Session: SessionConfig{
			ReadyTimeout:      30 * time.Second,
			ProcessingTimeout: 15 * time.Second,
			IntervalPeriod:    5 * time.Second,
		},
		Output: OutputConfig{
			CopyFinalTranscript: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9877",
		},
	}
}

// Load reads configuration from path, layered over the defaults.
// A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", c.Backend.Port)
	}
	if c.Backend.Python == "" {
		return fmt.Errorf("backend.python must be set")
	}
	if c.Backend.Script == "" {
		return fmt.Errorf("backend.script must be set")
	}
	if c.Backend.MaxRestartAttempts < 0 {
		return fmt.Errorf("backend.max_restart_attempts must not be negative")
	}
	if c.Connection.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must be positive")
	}
	if c.Connection.ProbeTimeout <= 0 {
		return fmt.Errorf("connection.probe_timeout must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.ChunkDuration <= 0 {
		return fmt.Errorf("audio.chunk_duration must be positive")
	}
	if c.Session.ReadyTimeout <= 0 {
		return fmt.Errorf("session.ready_timeout must be positive")
	}
	if c.Session.ProcessingTimeout <= 0 {
		return fmt.Errorf("session.processing_timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	return nil
}
