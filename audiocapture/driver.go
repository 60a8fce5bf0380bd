package audiocapture

import "errors"

// ErrUnsupported is returned when no platform capture driver is
// available.
var ErrUnsupported = errors.New("audio capture not supported on this platform")

// ErrRunning is returned when trying to start capture while already
// capturing.
var ErrRunning = errors.New("already capturing audio")

// Format describes the native format a driver delivers frames in.
type Format struct {
	SampleRate int
	Channels   int
}

// Device is an immutable snapshot of an available input device. The
// empty UID denotes the system default input.
type Device struct {
	UID  string
	Name string
}

// FrameFunc receives raw interleaved float32 frames on the driver's own
// capture goroutine. Implementations must return quickly.
type FrameFunc func(samples []float32, format Format)

// Stream is one open capture stream.
type Stream interface {
	Stop() error
}

// Driver abstracts the platform audio input backend. The engine owns at
// most one open stream at a time.
type Driver interface {
	// Devices enumerates the currently available input devices.
	Devices() ([]Device, error)

	// Open starts capturing from the device with the given UID, empty
	// for the system default. Frames arrive via fn until Stop.
	Open(deviceUID string, fn FrameFunc) (Stream, error)
}

// NewSystemDriver returns the platform capture driver. Platform
// backends live behind cgo in the application bundle; the core ships
// without one and callers inject their own Driver.
func NewSystemDriver() (Driver, error) {
	return nil, ErrUnsupported
}

// Unavailable returns a driver that fails every operation with
// ErrUnsupported. It lets the rest of the service run when no platform
// driver is compiled in; sessions fail at start with a clear reason.
func Unavailable() Driver {
	return unavailableDriver{}
}

type unavailableDriver struct{}

func (unavailableDriver) Devices() ([]Device, error) { return nil, ErrUnsupported }

func (unavailableDriver) Open(string, FrameFunc) (Stream, error) {
	return nil, ErrUnsupported
}

// ValidateSelection re-checks a device selection against the latest
// device list. It returns the UID unchanged when still present, or the
// system-default UID "" with ok=false when the device disappeared.
func ValidateSelection(uid string, devices []Device) (string, bool) {
	if uid == "" {
		return "", true
	}
	for _, d := range devices {
		if d.UID == uid {
			return uid, true
		}
	}
	return "", false
}
