package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ICODOS/mute-core/internal/metrics"
)

// Phase describes the connection lifecycle.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotAlive is returned by EnsureAlive when the process stops answering
// heartbeat probes.
var ErrNotAlive = errors.New("backend connection is not responding")

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("backend connection closed")

// Restarter restarts the supervised process. Implemented by Supervisor.
type Restarter interface {
	Restart(ctx context.Context) error
}

// ConnConfig holds tunables for the connection manager.
type ConnConfig struct {
	URL                  string        // ws://127.0.0.1:<port>
	HeartbeatInterval    time.Duration // ping period
	StaleThreshold       time.Duration // silence before a probe is required
	ProbeTimeout         time.Duration // pong wait during a probe
	ReconnectDelay       time.Duration // fixed delay between attempts
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
}

// DefaultConnConfig returns the default connection tunables.
func DefaultConnConfig(port int) ConnConfig {
	return ConnConfig{
		URL:                  fmt.Sprintf("ws://127.0.0.1:%d", port),
		HeartbeatInterval:    30 * time.Second,
		StaleThreshold:       120 * time.Second,
		ProbeTimeout:         2 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     5 * time.Second,
	}
}

// Conn maintains one logical message channel to the inference process.
// Commands sent while disconnected are queued and flushed, in order, as
// soon as the connection comes back.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	phase     Phase
	queue     []Command
	attempts  int
	lastPong  time.Time
	pongCh    chan struct{}
	connGen   int // invalidates read loops of torn-down connections
	reconnect *time.Timer
	closed    bool

	writeMu sync.Mutex

	events  chan Event
	onPhase func(Phase)

	heartbeatStop chan struct{}
}

// NewConn creates a connection manager. The connection is not opened
// until Connect is called.
func NewConn(cfg ConnConfig, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:    cfg,
		logger: logger.With("component", "conn"),
		phase:  PhaseDisconnected,
		events: make(chan Event, 64),
	}
}

// Events returns the inbound event stream. Pong events are consumed
// internally and never appear here.
func (c *Conn) Events() <-chan Event { return c.events }

// OnPhase registers a phase-change callback. Must be set before Connect.
// The callback runs on the connection's goroutines and must not block.
func (c *Conn) OnPhase(fn func(Phase)) { c.onPhase = fn }

// Phase returns the current connection phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Connect opens the channel, starts the receive loop and the heartbeat,
// and flushes any queued commands.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase == PhaseConnected {
		c.mu.Unlock()
		return nil
	}
	c.setPhaseLocked(PhaseConnecting)
	c.mu.Unlock()

	if _, err := url.Parse(c.cfg.URL); err != nil {
		return fmt.Errorf("parse backend url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("dial failed", "url", c.cfg.URL, "error", err)
		c.scheduleReconnect()
		return fmt.Errorf("dial backend: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.connGen++
	gen := c.connGen
	c.attempts = 0
	c.lastPong = time.Now()
	flushed := 0
	c.mu.Unlock()

	// Drain the queue before publishing the connected phase. The phase
	// stays "connecting" while the flush runs, so concurrent Sends keep
	// appending to the queue and the loop picks them up: everything
	// queued during the outage reaches the backend before anything sent
	// after the reconnect.
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return ErrClosed
		}
		if len(c.queue) == 0 {
			c.setPhaseLocked(PhaseConnected)
			c.heartbeatStop = make(chan struct{})
			stop := c.heartbeatStop
			c.mu.Unlock()

			c.logger.Info("connected", "url", c.cfg.URL, "flushed", flushed)
			go c.readLoop(ws, gen)
			go c.heartbeat(ws, stop)
			return nil
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, cmd := range pending {
			if err := c.writeCommand(ws, cmd); err != nil {
				c.logger.Warn("flush failed", "type", cmd.Type, "error", err)
				c.requeueFront(pending[i:])
				c.teardown(gen)
				return fmt.Errorf("flush queue: %w", err)
			}
			flushed++
		}
	}
}

// Send transmits a command, or queues it in FIFO order when the channel
// is not currently connected.
func (c *Conn) Send(cmd Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseConnected || c.ws == nil {
		c.queue = append(c.queue, cmd)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	gen := c.connGen
	c.mu.Unlock()

	if err := c.writeCommand(ws, cmd); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, cmd)
		c.mu.Unlock()
		c.teardown(gen)
		return nil
	}
	return nil
}

// EnsureAlive verifies the connection before it is trusted. A connection
// that produced a pong within the staleness threshold passes immediately;
// otherwise a probe ping must be answered within the probe timeout.
func (c *Conn) EnsureAlive(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseConnected {
		c.mu.Unlock()
		return ErrNotAlive
	}
	if time.Since(c.lastPong) <= c.cfg.StaleThreshold {
		c.mu.Unlock()
		return nil
	}
	pongCh := make(chan struct{}, 1)
	c.pongCh = pongCh
	c.mu.Unlock()

	c.logger.Debug("connection stale, probing")
	if err := c.Send(Command{Type: CmdPing}); err != nil {
		return err
	}

	select {
	case <-pongCh:
		return nil
	case <-time.After(c.cfg.ProbeTimeout):
		metrics.HeartbeatTimeouts.Inc()
		return ErrNotAlive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleResume reacts to a system wake. If the connection no longer
// answers probes the supervised process itself is assumed stale and is
// restarted outright instead of merely reconnecting.
func (c *Conn) HandleResume(ctx context.Context, restarter Restarter) {
	if err := c.EnsureAlive(ctx); err == nil {
		return
	}
	c.logger.Warn("connection dead after resume, restarting backend")
	if restarter != nil {
		if err := restarter.Restart(ctx); err != nil {
			c.logger.Error("restart after resume failed", "error", err)
		}
	}
}

// Reconnect forces the connection down and schedules a fresh attempt,
// resetting the attempt counter. Used after a processing stall where the
// backend may be unresponsive.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	gen := c.connGen
	c.mu.Unlock()
	c.teardown(gen)
}

// Suspend closes the socket without scheduling a reconnect and resets
// the attempt counter. The channel stays usable: a later Connect reopens
// it. Used by the supervisor while the process is down on purpose.
func (c *Conn) Suspend() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	ws := c.ws
	c.ws = nil
	c.connGen++
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.attempts = 0
	c.setPhaseLocked(PhaseDisconnected)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// Close shuts the channel down for good. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	ws := c.ws
	c.ws = nil
	c.connGen++
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.setPhaseLocked(PhaseDisconnected)
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
	return nil
}

func (c *Conn) writeCommand(ws *websocket.Conn, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("receive loop ended", "error", err)
			}
			c.teardown(gen)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// Protocol error: log and drop, the connection stays up.
			c.logger.Warn("unparseable message dropped", "error", err)
			continue
		}

		if ev.Type == EvPong {
			c.mu.Lock()
			c.lastPong = time.Now()
			if c.pongCh != nil {
				select {
				case c.pongCh <- struct{}{}:
				default:
				}
				c.pongCh = nil
			}
			c.mu.Unlock()
			continue
		}

		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event dropped, consumer too slow", "type", ev.Type)
		}
	}
}

func (c *Conn) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeCommand(ws, Command{Type: CmdPing}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// teardown tears down the connection identified by gen and schedules a
// reconnect. Calls for superseded generations are no-ops so a dying read
// loop cannot kill its successor.
func (c *Conn) teardown(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.connGen {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.ws = nil
	c.connGen++
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.setPhaseLocked(PhaseDisconnected)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted", "attempts", c.attempts)
		c.setPhaseLocked(PhaseError)
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.setPhaseLocked(PhaseConnecting)
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		metrics.Reconnects.Inc()
		c.logger.Info("reconnecting", "attempt", attempt)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		defer cancel()
		_ = c.Connect(ctx)
	})
	c.mu.Unlock()
}

// requeueFront puts commands back at the head of the queue, ahead of
// anything queued while the flush was in flight.
func (c *Conn) requeueFront(cmds []Command) {
	c.mu.Lock()
	c.queue = append(append([]Command{}, cmds...), c.queue...)
	c.mu.Unlock()
}

func (c *Conn) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	if c.onPhase != nil {
		go c.onPhase(p)
	}
}
