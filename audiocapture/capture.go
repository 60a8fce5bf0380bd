// Package audiocapture turns raw device audio into fixed-duration mono
// chunks at a single target sample rate. It owns the input device for
// the duration of one recording: device selection with default
// fallback, downmix and linear-interpolation resampling, chunk
// emission, and guarded restarts when the device hot-swaps underneath
// an active capture.
package audiocapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ICODOS/mute-core/internal/metrics"
)

// errNoFlow means the driver reported running but never produced a
// sample within the flow timeout.
var errNoFlow = errors.New("no audio flowing from device")

// Chunk is one fixed-duration slice of converted audio handed from
// capture to transmission. Consumed exactly once.
type Chunk struct {
	Samples    []float32
	SampleRate int
	Seq        int
	Timestamp  time.Time
}

// ChunkFunc receives chunks on the capture goroutine and must hand them
// off without blocking.
type ChunkFunc func(Chunk)

// Config holds capture engine tunables.
type Config struct {
	TargetRate    int           // output sample rate, mono
	ChunkDuration time.Duration // samples per emitted chunk

	MaxStartAttempts int           // engine start retries per device
	FlowTimeout      time.Duration // wait for the first sample after start

	// Hot-swap restart guards. Thresholds are empirical; see config.
	HotSwapMaxRestarts int
	HotSwapDebounce    time.Duration
}

// DefaultConfig returns the default capture configuration. 16 kHz mono
// is what the inference models expect.
func DefaultConfig() Config {
	return Config{
		TargetRate:         16000,
		ChunkDuration:      400 * time.Millisecond,
		MaxStartAttempts:   3,
		FlowTimeout:        time.Second,
		HotSwapMaxRestarts: 3,
		HotSwapDebounce:    2 * time.Second,
	}
}

// Engine captures from one input device and emits converted chunks.
type Engine struct {
	cfg    Config
	driver Driver
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	stream      Stream
	deviceUID   string
	emit        ChunkFunc
	chunker     *Chunker
	format      Format
	seq         int
	flowed      chan struct{}
	gotFirst    bool
	restarts    int
	lastRestart time.Time
}

// NewEngine creates a capture engine on top of a platform driver.
func NewEngine(cfg Config, driver Driver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		driver: driver,
		logger: logger.With("component", "capture"),
	}
}

// Start opens the requested device and begins emitting chunks through
// fn. The callback is installed before the stream opens, so frames from
// the very first buffer are converted. Start succeeds only once audio
// is actually flowing, not merely once the driver reports running; a
// device that never flows falls back once to the system default.
func (e *Engine) Start(ctx context.Context, deviceUID string, fn ChunkFunc) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.emit = fn
	e.chunker = NewChunker(e.chunkSamples())
	e.seq = 0
	e.restarts = 0
	e.mu.Unlock()

	uid := e.resolveDevice(deviceUID)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxStartAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// The session is unwinding; opening more streams only to
			// stop them again helps nobody.
			lastErr = err
			break
		}
		if attempt > 1 {
			e.logger.Info("retrying capture start", "attempt", attempt, "device", uid)
		}
		if lastErr = e.open(ctx, uid); lastErr == nil {
			return nil
		}
	}

	if uid != "" && ctx.Err() == nil {
		e.logger.Warn("device never produced audio, falling back to default",
			"device", uid, "error", lastErr)
		if err := e.open(ctx, ""); err == nil {
			return nil
		}
	}

	e.mu.Lock()
	e.chunker = nil
	e.emit = nil
	e.mu.Unlock()
	return fmt.Errorf("start capture: %w", lastErr)
}

// resolveDevice re-validates the selection against the current device
// list, falling back to the system default when it disappeared.
func (e *Engine) resolveDevice(uid string) string {
	if uid == "" {
		return ""
	}
	devices, err := e.driver.Devices()
	if err != nil {
		e.logger.Warn("device enumeration failed", "error", err)
		return uid
	}
	resolved, ok := ValidateSelection(uid, devices)
	if !ok {
		e.logger.Warn("selected device not found, using default", "device", uid)
	}
	return resolved
}

// open starts one stream and waits for audio to flow.
func (e *Engine) open(ctx context.Context, uid string) error {
	e.mu.Lock()
	e.gotFirst = false
	e.flowed = make(chan struct{})
	flowed := e.flowed
	e.mu.Unlock()

	stream, err := e.driver.Open(uid, e.onFrame)
	if err != nil {
		return fmt.Errorf("open device %q: %w", uid, err)
	}

	select {
	case <-flowed:
	case <-time.After(e.cfg.FlowTimeout):
		_ = stream.Stop()
		return errNoFlow
	case <-ctx.Done():
		_ = stream.Stop()
		return ctx.Err()
	}

	e.mu.Lock()
	e.stream = stream
	e.deviceUID = uid
	e.running = true
	e.mu.Unlock()
	e.logger.Info("capture started", "device", uid)
	return nil
}

// Stop halts capture and flushes the buffered remainder as one final,
// possibly short, chunk. Stopping while not running is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stream := e.stream
	e.stream = nil
	remainder := e.chunker.Flush()
	e.chunker = nil
	emit := e.emit
	e.emit = nil
	seq := e.seq
	e.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
	}
	if len(remainder) > 0 && emit != nil {
		emit(Chunk{
			Samples:    remainder,
			SampleRate: e.cfg.TargetRate,
			Seq:        seq,
			Timestamp:  time.Now(),
		})
		metrics.ChunksEmitted.Inc()
	}
	e.logger.Info("capture stopped")
}

// Running reports whether a stream is open and flowing.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// HandleFormatChange reacts to a device or format change notification
// during active capture by restarting the stream — but only when fewer
// than the capped number of restarts have happened this session, the
// debounce interval has passed, and capture is not already flowing in
// the target format. Noisy hardware switches fire these notifications
// in bursts.
func (e *Engine) HandleFormatChange(f Format) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if e.restarts >= e.cfg.HotSwapMaxRestarts {
		e.logger.Warn("hot-swap restart cap reached, ignoring format change")
		e.mu.Unlock()
		return
	}
	if time.Since(e.lastRestart) < e.cfg.HotSwapDebounce {
		e.mu.Unlock()
		return
	}
	if e.format.SampleRate == e.cfg.TargetRate && e.format.Channels == 1 {
		// Already flowing in the target format, nothing to fix.
		e.mu.Unlock()
		return
	}
	e.restarts++
	e.lastRestart = time.Now()
	stream := e.stream
	e.stream = nil
	uid := e.deviceUID
	e.mu.Unlock()

	metrics.CaptureRestarts.Inc()
	e.logger.Info("restarting capture after format change",
		"device", uid, "rate", f.SampleRate, "channels", f.Channels)

	if stream != nil {
		_ = stream.Stop()
	}
	newStream, err := e.driver.Open(uid, e.onFrame)
	if err != nil {
		e.logger.Error("capture restart failed", "error", err)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.stream = newStream
	e.mu.Unlock()
}

// onFrame runs on the driver's capture goroutine.
func (e *Engine) onFrame(samples []float32, format Format) {
	e.mu.Lock()
	if e.chunker == nil {
		e.mu.Unlock()
		return
	}
	e.format = format
	if !e.gotFirst {
		e.gotFirst = true
		close(e.flowed)
	}

	mono := DownmixMono(samples, format.Channels)
	converted := Resample(mono, format.SampleRate, e.cfg.TargetRate)
	chunks := e.chunker.Add(converted)
	emit := e.emit
	base := e.seq
	e.seq += len(chunks)
	e.mu.Unlock()

	for i, chunk := range chunks {
		emit(Chunk{
			Samples:    chunk,
			SampleRate: e.cfg.TargetRate,
			Seq:        base + i,
			Timestamp:  time.Now(),
		})
		metrics.ChunksEmitted.Inc()
	}
}

func (e *Engine) chunkSamples() int {
	n := int(e.cfg.ChunkDuration.Seconds() * float64(e.cfg.TargetRate))
	if n <= 0 {
		n = e.cfg.TargetRate / 2
	}
	return n
}
