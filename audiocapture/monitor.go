package audiocapture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Enumerator lists the currently available input devices. Driver
// satisfies it.
type Enumerator interface {
	Devices() ([]Device, error)
}

// Monitor maintains the authoritative list of input devices. It is fed
// by two independent triggers — platform change notifications via
// Notify and a periodic poll, for backends whose change events are
// unreliable — merged into one debounced refresh step. Subscribers see
// a new list only when the device set actually changed.
type Monitor struct {
	enum     Enumerator
	interval time.Duration
	logger   *slog.Logger

	debounced func(func())

	mu   sync.Mutex
	last []Device
	subs []chan []Device
}

// NewMonitor creates a device monitor polling at the given interval.
func NewMonitor(enum Enumerator, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		enum:      enum,
		interval:  interval,
		logger:    logger.With("component", "devices"),
		debounced: debounce.New(200 * time.Millisecond),
	}
}

// Subscribe returns a channel receiving each changed device list. Slow
// subscribers miss intermediate updates rather than blocking the
// monitor.
func (m *Monitor) Subscribe() <-chan []Device {
	ch := make(chan []Device, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Current returns the last published device list.
func (m *Monitor) Current() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, len(m.last))
	copy(out, m.last)
	return out
}

// Notify feeds an external device-change event into the monitor.
// Bursts of events collapse into a single refresh.
func (m *Monitor) Notify() {
	m.debounced(m.refresh)
}

// Run polls until ctx is done. An immediate refresh seeds the list.
func (m *Monitor) Run(ctx context.Context) {
	m.refresh()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refresh()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) refresh() {
	devices, err := m.enum.Devices()
	if err != nil {
		m.logger.Warn("device enumeration failed", "error", err)
		return
	}

	m.mu.Lock()
	if sameDeviceSet(m.last, devices) {
		m.mu.Unlock()
		return
	}
	m.last = devices
	subs := m.subs
	m.mu.Unlock()

	m.logger.Info("device set changed", "count", len(devices))
	for _, sub := range subs {
		snapshot := make([]Device, len(devices))
		copy(snapshot, devices)
		select {
		case sub <- snapshot:
		default:
		}
	}
}

// sameDeviceSet compares by identity set, not count, so a swap that
// keeps the count stable still publishes.
func sameDeviceSet(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	uids := make(map[string]struct{}, len(a))
	for _, d := range a {
		uids[d.UID] = struct{}{}
	}
	for _, d := range b {
		if _, ok := uids[d.UID]; !ok {
			return false
		}
	}
	return true
}
