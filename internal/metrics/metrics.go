// Package metrics exposes Prometheus instrumentation for the dictation
// core. Collectors register themselves on the default registry; serving
// them is the caller's choice.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_sessions_started_total",
		Help: "Total number of recording sessions started",
	})
	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_sessions_failed_total",
		Help: "Total number of sessions that ended in an error state",
	})
	TranscriptsFinal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_transcripts_final_total",
		Help: "Total number of final transcripts received",
	})

	// Audio pipeline.
	ChunksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_audio_chunks_emitted_total",
		Help: "Total number of audio chunks emitted by the capture engine",
	})
	ChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_audio_chunks_dropped_total",
		Help: "Total number of chunks dropped before the backend was ready",
	})
	CaptureRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_capture_restarts_total",
		Help: "Total number of capture pipeline restarts from device hot-swaps",
	})

	// Backend channel and process.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_backend_reconnects_total",
		Help: "Total number of connection reconnect attempts",
	})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_backend_heartbeat_timeouts_total",
		Help: "Total number of heartbeat probes that went unanswered",
	})
	ProcessRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mute_backend_process_restarts_total",
		Help: "Total number of automatic inference process restarts",
	})
	ConnectionPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mute_backend_connection_phase",
		Help: "Current connection phase (0 disconnected, 1 connecting, 2 connected, 3 error)",
	})
)
