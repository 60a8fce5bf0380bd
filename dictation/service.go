package dictation

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ICODOS/mute-core/audiocapture"
	"github.com/ICODOS/mute-core/backend"
	"github.com/ICODOS/mute-core/internal/metrics"
)

// ErrProcessingTimeout means no terminal transcript arrived within the
// completion window after stop.
var ErrProcessingTimeout = errors.New("processing timeout")

// Transport is the backend channel as the controller sees it.
// Implemented by backend.Conn.
type Transport interface {
	Send(cmd backend.Command) error
	Events() <-chan backend.Event
	EnsureAlive(ctx context.Context) error
	Reconnect()
}

// Recorder is the capture engine as the controller sees it.
// Implemented by audiocapture.Engine.
type Recorder interface {
	Start(ctx context.Context, deviceUID string, fn audiocapture.ChunkFunc) error
	Stop()
}

// Config holds session controller tunables.
type Config struct {
	ReadyTimeout      time.Duration // backend preparation upper bound
	ProcessingTimeout time.Duration // stop-to-final upper bound
	IntervalPeriod    time.Duration // transcribe_interval cadence in continuous mode
	ChunkQueue        int           // capture-to-sender hand-off depth
}

// DefaultConfig returns the default controller tunables.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:      30 * time.Second,
		ProcessingTimeout: 15 * time.Second,
		IntervalPeriod:    5 * time.Second,
		ChunkQueue:        64,
	}
}

// Service is the top-level session controller. At most one session is
// active at a time; public operations resolve to a state transition or
// a recoverable no-op, never a panic across the boundary.
type Service struct {
	cfg       Config
	transport Transport
	recorder  Recorder
	sink      Sink
	logger    *slog.Logger

	gate    readyGate
	chunkCh chan audiocapture.Chunk

	mu         sync.Mutex
	state      State
	session    *Session
	lastError  string
	generation uint64

	// Per-start one-shot channels, valid for one generation only.
	readyCh  chan error
	readyGen uint64
	finalCh  chan error
	finalGen uint64

	processingTimer *time.Timer
	intervalStop    chan struct{}

	pending   map[string][]chan backend.Event
	pendingMu sync.Mutex
	reqMu     sync.Mutex // serializes model operations
}

// NewService creates the session controller. sink may be nil.
func NewService(cfg Config, transport Transport, recorder Recorder, sink Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkQueue <= 0 {
		cfg.ChunkQueue = 64
	}
	return &Service{
		cfg:       cfg,
		transport: transport,
		recorder:  recorder,
		sink:      sink,
		logger:    logger.With("component", "session"),
		state:     StateIdle,
		chunkCh:   make(chan audiocapture.Chunk, cfg.ChunkQueue),
		pending:   make(map[string][]chan backend.Event),
	}
}

// Run drives the inbound event pump and the outbound chunk sender until
// ctx is done. Must be running for sessions to make progress.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.eventPump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	wg.Wait()
}

// State returns the current session state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the human-readable reason for the last error state.
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// StartSession starts a new recording session. Backend preparation and
// audio startup run concurrently: opening an input route can take
// hundreds of milliseconds (Bluetooth mode switches) and must not
// serialize behind model preparation, nor vice versa. Audio captured
// before the backend acknowledges readiness is dropped at the gate.
func (s *Service) StartSession(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRecording, StateProcessing:
		s.mu.Unlock()
		return ErrBusy
	}
	s.generation++
	gen := s.generation
	s.session = &Session{
		ID:          uuid.NewString(),
		Mode:        opts.Mode,
		Model:       opts.Model,
		DeviceUID:   opts.DeviceUID,
		Diarization: opts.Diarization,
		StartedAt:   time.Now(),
	}
	s.gate.Set(false)
	readyCh := make(chan error, 1)
	s.readyCh = readyCh
	s.readyGen = gen
	s.setStateLocked(StateStarting, "")
	s.mu.Unlock()

	metrics.SessionsStarted.Inc()
	s.logger.Info("starting session",
		"mode", opts.Mode.String(), "model", opts.Model, "device", opts.DeviceUID)

	prepCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(prepCtx)
	g.Go(func() error {
		if err := s.transport.EnsureAlive(gctx); err != nil {
			return fmt.Errorf("backend health check: %w", err)
		}
		err := s.transport.Send(backend.Command{
			Type: backend.CmdStart,
			Settings: &backend.Settings{
				Model:             opts.Model,
				EnableDiarization: opts.Diarization,
				ContinuousMode:    opts.Mode == ModeContinuousCapture,
			},
		})
		if err != nil {
			return fmt.Errorf("send start: %w", err)
		}
		select {
		case err := <-readyCh:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error {
		return s.recorder.Start(gctx, opts.DeviceUID, s.handleChunk)
	})

	if err := g.Wait(); err != nil {
		// Unwind: ask the backend to drop any partially-started
		// transcription, stop capture, and surface the reason. The
		// stop is fire-and-forget; a late ack is ignored safely.
		_ = s.transport.Send(backend.Command{Type: backend.CmdStop})
		s.recorder.Stop()
		s.gate.Set(false)

		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "backend not ready in time"
		}
		s.mu.Lock()
		s.readyCh = nil
		s.generation++ // a ready ack arriving now is stale
		s.setStateLocked(StateError, reason)
		s.mu.Unlock()
		metrics.SessionsFailed.Inc()
		s.logger.Error("session start failed", "error", err)
		return fmt.Errorf("start session: %w", err)
	}

	s.gate.Set(true)
	s.mu.Lock()
	s.readyCh = nil
	s.setStateLocked(StateRecording, "")
	continuous := s.session != nil && s.session.Mode == ModeContinuousCapture
	if continuous {
		s.intervalStop = make(chan struct{})
		go s.intervalLoop(s.intervalStop)
	}
	s.mu.Unlock()
	s.logger.Info("session recording")
	return nil
}

// StopSession stops forwarding audio, asks the backend to finalize, and
// waits for the terminal transcript bounded by the processing timeout.
// A timeout transitions to error and triggers exactly one reconnect,
// since a silent backend is likely unresponsive. Stopping while not
// recording is a no-op.
func (s *Service) StopSession(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	s.generation++ // a ready ack for this session must no longer be accepted
	gen := s.generation
	s.gate.Set(false)
	s.stopIntervalLocked()
	finalCh := make(chan error, 1)
	s.finalCh = finalCh
	s.finalGen = gen
	s.setStateLocked(StateProcessing, "")
	s.mu.Unlock()

	s.recorder.Stop()
	_ = s.transport.Send(backend.Command{Type: backend.CmdStop})

	s.mu.Lock()
	s.processingTimer = time.AfterFunc(s.cfg.ProcessingTimeout, func() {
		s.processingTimedOut(gen)
	})
	s.mu.Unlock()

	select {
	case err := <-finalCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelSession abandons the current recording, discarding any pending
// transcript, and returns straight to idle. Only meaningful while
// recording; otherwise a no-op.
func (s *Service) CancelSession() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	s.gate.Set(false)
	s.stopIntervalLocked()
	s.session = nil
	s.setStateLocked(StateIdle, "")
	s.mu.Unlock()

	s.recorder.Stop()
	s.drainChunks()
	// Fire-and-forget; the result is ignored.
	_ = s.transport.Send(backend.Command{Type: backend.CmdStop})
	s.logger.Info("session cancelled")
	return nil
}

// drainChunks empties the capture hand-off queue so audio from a
// discarded session is not transmitted after the fact.
func (s *Service) drainChunks() {
	for {
		select {
		case <-s.chunkCh:
			metrics.ChunksDropped.Inc()
		default:
			return
		}
	}
}

// handleChunk runs on the capture goroutine. It consults the gate and
// hands ownership of the chunk to the sender; it never blocks on the
// network.
func (s *Service) handleChunk(chunk audiocapture.Chunk) {
	if !s.gate.Ready() {
		// Stale pre-ready audio is not useful; drop, never queue.
		metrics.ChunksDropped.Inc()
		return
	}
	select {
	case s.chunkCh <- chunk:
	default:
		metrics.ChunksDropped.Inc()
		s.logger.Warn("chunk dropped, sender backlogged", "seq", chunk.Seq)
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case chunk := <-s.chunkCh:
			cmd := backend.Command{
				Type:      backend.CmdAudio,
				Data:      encodePCM(chunk.Samples),
				Timestamp: chunk.Timestamp.UnixMilli(),
			}
			if err := s.transport.Send(cmd); err != nil {
				s.logger.Warn("audio send failed", "seq", chunk.Seq, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) intervalLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.IntervalPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.transport.Send(backend.Command{Type: backend.CmdTranscribeInterval})
		case <-stop:
			return
		}
	}
}

func (s *Service) stopIntervalLocked() {
	if s.intervalStop != nil {
		close(s.intervalStop)
		s.intervalStop = nil
	}
}

func (s *Service) processingTimedOut(gen uint64) {
	s.mu.Lock()
	if s.state != StateProcessing || s.finalGen != gen {
		s.mu.Unlock()
		return
	}
	finalCh := s.finalCh
	s.finalCh = nil
	s.setStateLocked(StateError, ErrProcessingTimeout.Error())
	s.mu.Unlock()

	metrics.SessionsFailed.Inc()
	s.logger.Error("no terminal transcript in time, reconnecting")
	if finalCh != nil {
		finalCh <- ErrProcessingTimeout
	}
	s.transport.Reconnect()
}

// eventPump processes inbound events in arrival order and routes them
// by type and session generation.
func (s *Service) eventPump(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleEvent(ev backend.Event) {
	switch ev.Type {
	case backend.EvRecordingReady:
		s.mu.Lock()
		// Guarded by generation, not cancellation alone: the ack can
		// arrive after a local timeout or stop already fired.
		if s.readyCh != nil && s.readyGen == s.generation {
			s.readyCh <- nil
			s.readyCh = nil
		}
		s.mu.Unlock()

	case backend.EvPartial:
		s.mu.Lock()
		active := s.state == StateRecording || s.state == StateProcessing
		s.mu.Unlock()
		if active {
			s.sink.PartialTranscript(ev.Text)
		}

	case backend.EvInterval:
		s.mu.Lock()
		active := s.state == StateRecording
		s.mu.Unlock()
		if active {
			s.sink.IntervalTranscript(ev.Text)
		}

	case backend.EvFinal:
		s.mu.Lock()
		if s.state != StateProcessing {
			s.mu.Unlock()
			return
		}
		if s.processingTimer != nil {
			s.processingTimer.Stop()
			s.processingTimer = nil
		}
		finalCh := s.finalCh
		s.finalCh = nil
		s.setStateLocked(StateDone, "")
		s.mu.Unlock()

		metrics.TranscriptsFinal.Inc()
		s.sink.FinalTranscript(ev.Text)
		if finalCh != nil {
			finalCh <- nil
		}

	case backend.EvReady:
		s.sink.BackendInfo(ev.WhisperAvailable, ev.LoadedModels)

	case backend.EvModelProgress:
		s.sink.DownloadProgress(ev.Percent)

	case backend.EvError:
		s.handleBackendError(ev.Message)

	case backend.EvModelsList, backend.EvModelDownloaded, backend.EvModelLoaded,
		backend.EvModelUnloaded, backend.EvModelError, backend.EvKeepWarmUpdated:
		s.deliverPending(ev)

	default:
		s.logger.Debug("unhandled event", "type", ev.Type)
	}
}

func (s *Service) handleBackendError(msg string) {
	s.mu.Lock()
	switch s.state {
	case StateStarting:
		if s.readyCh != nil && s.readyGen == s.generation {
			s.readyCh <- fmt.Errorf("backend: %s", msg)
			s.readyCh = nil
		}
		s.mu.Unlock()
	case StateRecording, StateProcessing:
		if s.processingTimer != nil {
			s.processingTimer.Stop()
			s.processingTimer = nil
		}
		finalCh := s.finalCh
		s.finalCh = nil
		s.gate.Set(false)
		s.stopIntervalLocked()
		s.setStateLocked(StateError, msg)
		s.mu.Unlock()

		metrics.SessionsFailed.Inc()
		s.recorder.Stop()
		if finalCh != nil {
			finalCh <- fmt.Errorf("backend: %s", msg)
		}
	default:
		s.mu.Unlock()
		s.logger.Warn("backend error outside session", "message", msg)
	}
}

// setStateLocked transitions the state machine and notifies the sink.
// Callers hold s.mu.
func (s *Service) setStateLocked(state State, reason string) {
	if s.state == state && reason == s.lastError {
		return
	}
	s.state = state
	s.lastError = reason
	go s.sink.StateChanged(state, reason)
}

// encodePCM packs samples as base64 little-endian 32-bit float PCM, the
// layout the inference process expects.
func encodePCM(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
