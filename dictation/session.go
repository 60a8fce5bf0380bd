// Package dictation runs recording sessions: it coordinates the audio
// capture engine with the backend channel so that audio starts flowing
// the moment the inference process is ready for it, and never before.
package dictation

import (
	"errors"
	"time"

	"github.com/ICODOS/mute-core/backend"
)

// ErrBusy is returned when a session start is rejected because a
// session is already starting, recording, or processing.
var ErrBusy = errors.New("a session is already active")

// State is the session state machine position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateProcessing
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode selects the recording behavior.
type Mode int

const (
	// ModeQuickDictation records until stop, then transcribes once.
	ModeQuickDictation Mode = iota
	// ModeContinuousCapture additionally requests interval
	// transcriptions while recording.
	ModeContinuousCapture
)

func (m Mode) String() string {
	if m == ModeContinuousCapture {
		return "continuous-capture"
	}
	return "quick-dictation"
}

// StartOptions configures one recording session.
type StartOptions struct {
	Mode        Mode
	Model       string
	DeviceUID   string // "" selects the system default input
	Diarization bool
}

// Session is the one active recording session. Created on start,
// discarded on stop, cancel, or error recovery.
type Session struct {
	ID          string
	Mode        Mode
	Model       string
	DeviceUID   string
	Diarization bool
	StartedAt   time.Time
}

// Sink receives state updates pushed to external collaborators (UI,
// text insertion). Implementations must not block; calls arrive on the
// controller's goroutines. Use NopSink as a base to embed.
type Sink interface {
	StateChanged(state State, reason string)
	PartialTranscript(text string)
	FinalTranscript(text string)
	IntervalTranscript(text string)
	ConnectionPhase(phase backend.Phase)
	DownloadProgress(percent float64)
	BackendInfo(whisperAvailable bool, loadedModels []string)
}

// NopSink ignores every notification.
type NopSink struct{}

func (NopSink) StateChanged(State, string)  {}
func (NopSink) PartialTranscript(string)    {}
func (NopSink) FinalTranscript(string)      {}
func (NopSink) IntervalTranscript(string)   {}
func (NopSink) ConnectionPhase(backend.Phase) {}
func (NopSink) DownloadProgress(float64)    {}
func (NopSink) BackendInfo(bool, []string)  {}
