package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ICODOS/mute-core/audiocapture"
	"github.com/ICODOS/mute-core/backend"
	"github.com/ICODOS/mute-core/clipboard"
	"github.com/ICODOS/mute-core/config"
	"github.com/ICODOS/mute-core/dictation"
	"github.com/ICODOS/mute-core/internal/metrics"
)

const defaultConfigPath = "configs/mute.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	conn := backend.NewConn(backend.ConnConfig{
		URL:                  fmt.Sprintf("ws://127.0.0.1:%d", cfg.Backend.Port),
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		StaleThreshold:       cfg.Connection.StaleThreshold,
		ProbeTimeout:         cfg.Connection.ProbeTimeout,
		ReconnectDelay:       cfg.Connection.ReconnectDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Connection.ProbeTimeout * 2,
	}, logger)
	defer conn.Close()

	sink := logSink{logger: logger, copyFinal: cfg.Output.CopyFinalTranscript}
	conn.OnPhase(func(p backend.Phase) {
		metrics.ConnectionPhase.Set(float64(p))
		sink.ConnectionPhase(p)
	})

	supervisor := backend.NewSupervisor(backend.SupervisorConfig{
		Python:             cfg.Backend.Python,
		Script:             cfg.Backend.Script,
		Port:               cfg.Backend.Port,
		RuntimeDir:         cfg.Backend.RuntimeDir,
		MaxRestartAttempts: cfg.Backend.MaxRestartAttempts,
		RestartBackoff:     cfg.Backend.RestartBackoff,
		RestartPause:       cfg.Backend.RestartPause,
		ConnectDelay:       cfg.Backend.ConnectDelay,
	}, conn, logger)

	driver, err := audiocapture.NewSystemDriver()
	if err != nil {
		// Model management and the supervised backend still work; only
		// recording is off the table.
		logger.Warn("no platform audio driver, capture disabled", "error", err)
		driver = audiocapture.Unavailable()
	}

	engine := audiocapture.NewEngine(audiocapture.Config{
		TargetRate:         cfg.Audio.SampleRate,
		ChunkDuration:      cfg.Audio.ChunkDuration,
		MaxStartAttempts:   cfg.Audio.MaxStartAttempts,
		FlowTimeout:        cfg.Audio.FlowTimeout,
		HotSwapMaxRestarts: cfg.Audio.HotSwapMaxRestarts,
		HotSwapDebounce:    cfg.Audio.HotSwapDebounce,
	}, driver, logger)

	monitor := audiocapture.NewMonitor(driver, cfg.Audio.DevicePollInterval, logger)
	go monitor.Run(ctx)

	service := dictation.NewService(dictation.Config{
		ReadyTimeout:      cfg.Session.ReadyTimeout,
		ProcessingTimeout: cfg.Session.ProcessingTimeout,
		IntervalPeriod:    cfg.Session.IntervalPeriod,
	}, conn, engine, sink, logger)
	go service.Run(ctx)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, logger)
	}

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	defer supervisor.Stop()

	if err := conn.Connect(ctx); err != nil {
		// The connection keeps retrying; the process may still be booting.
		logger.Warn("initial connect failed", "error", err)
	}

	logger.Info("dictation core running", "port", cfg.Backend.Port)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}

// logSink surfaces session events to the log and hands finished
// transcripts to the clipboard. UI frontends replace this with their
// own Sink.
type logSink struct {
	logger    *slog.Logger
	copyFinal bool
}

func (s logSink) StateChanged(state dictation.State, reason string) {
	if reason != "" {
		s.logger.Info("session state", "state", state.String(), "reason", reason)
		return
	}
	s.logger.Info("session state", "state", state.String())
}

func (s logSink) PartialTranscript(text string)  { s.logger.Info("partial", "text", text) }
func (s logSink) IntervalTranscript(text string) { s.logger.Info("interval", "text", text) }

func (s logSink) FinalTranscript(text string) {
	s.logger.Info("final", "text", text)
	if !s.copyFinal || text == "" {
		return
	}
	if err := clipboard.Copy(text); err != nil && !errors.Is(err, clipboard.ErrUnsupported) {
		s.logger.Warn("clipboard copy failed", "error", err)
	}
}

func (s logSink) ConnectionPhase(phase backend.Phase) {
	s.logger.Info("connection", "phase", phase.String())
}

func (s logSink) DownloadProgress(percent float64) {
	s.logger.Info("model download", "percent", percent)
}

func (s logSink) BackendInfo(whisperAvailable bool, loadedModels []string) {
	s.logger.Info("backend ready", "whisper", whisperAvailable, "models", loadedModels)
}
