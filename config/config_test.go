package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Backend.Port != def.Backend.Port {
		t.Errorf("port = %d, want default %d", cfg.Backend.Port, def.Backend.Port)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics enabled by default")
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mute.yaml")
	content := `
backend:
  port: 9000
audio:
  chunk_duration: 200ms
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Backend.Port)
	}
	if cfg.Audio.ChunkDuration != 200*time.Millisecond {
		t.Errorf("chunk duration = %v, want 200ms", cfg.Audio.ChunkDuration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.ReadyTimeout != 30*time.Second {
		t.Errorf("ready timeout = %v, want default", cfg.Session.ReadyTimeout)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("backend: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Backend.Port = 0 }, "backend.port"},
		{"port too high", func(c *Config) { c.Backend.Port = 70000 }, "backend.port"},
		{"no interpreter", func(c *Config) { c.Backend.Python = "" }, "backend.python"},
		{"no script", func(c *Config) { c.Backend.Script = "" }, "backend.script"},
		{"negative restarts", func(c *Config) { c.Backend.MaxRestartAttempts = -1 }, "max_restart_attempts"},
		{"zero reconnects", func(c *Config) { c.Connection.MaxReconnectAttempts = 0 }, "max_reconnect_attempts"},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = -1 }, "sample_rate"},
		{"zero chunk", func(c *Config) { c.Audio.ChunkDuration = 0 }, "chunk_duration"},
		{"zero ready timeout", func(c *Config) { c.Session.ReadyTimeout = 0 }, "ready_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
