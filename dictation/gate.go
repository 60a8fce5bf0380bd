package dictation

import "sync"

// readyGate gates whether captured audio is forwarded to the backend.
// It is the only state shared between the capture goroutine and the
// control goroutines, and is always read and written under its lock.
type readyGate struct {
	mu    sync.Mutex
	ready bool
}

func (g *readyGate) Set(v bool) {
	g.mu.Lock()
	g.ready = v
	g.mu.Unlock()
}

func (g *readyGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}
