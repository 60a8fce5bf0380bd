package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBackend is an in-process stand-in for the inference process.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Command

	autoPong  atomic.Bool
	rejecting atomic.Bool
	dials     atomic.Int32
}

func newFakeBackend(t *testing.T, autoPong bool) *fakeBackend {
	fb := &fakeBackend{t: t}
	fb.autoPong.Store(autoPong)
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.handle))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	fb.dials.Add(1)
	if fb.rejecting.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	ws, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, ws)
	fb.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		fb.mu.Lock()
		fb.received = append(fb.received, cmd)
		fb.mu.Unlock()
		if cmd.Type == CmdPing && fb.autoPong.Load() {
			fb.send(Event{Type: EvPong})
		}
	}
}

func (fb *fakeBackend) send(ev Event) {
	data, _ := json.Marshal(ev)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.conns) == 0 {
		return
	}
	_ = fb.conns[len(fb.conns)-1].WriteMessage(websocket.TextMessage, data)
}

func (fb *fakeBackend) sendRaw(data string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.conns) == 0 {
		return
	}
	_ = fb.conns[len(fb.conns)-1].WriteMessage(websocket.TextMessage, []byte(data))
}

func (fb *fakeBackend) dropConns() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, ws := range fb.conns {
		ws.Close()
	}
	fb.conns = nil
}

func (fb *fakeBackend) receivedTypes() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var types []string
	for _, cmd := range fb.received {
		types = append(types, cmd.Type)
	}
	return types
}

func testConnConfig(url string) ConnConfig {
	return ConnConfig{
		URL:                  url,
		HeartbeatInterval:    time.Hour, // heartbeat exercised explicitly
		StaleThreshold:       120 * time.Second,
		ProbeTimeout:         100 * time.Millisecond,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     time.Second,
	}
}

func waitPhase(t *testing.T, c *Conn, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v", c.Phase(), want)
}

func TestConnConnectAndReceive(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fb.send(Event{Type: EvPartial, Text: "hello"})

	select {
	case ev := <-c.Events():
		if ev.Type != EvPartial || ev.Text != "hello" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestConnQueuesWhileDisconnectedAndFlushesFIFO(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	// Queued while disconnected, never an error.
	if err := c.Send(Command{Type: CmdGetModels}); err != nil {
		t.Fatalf("Send while disconnected: %v", err)
	}
	if err := c.Send(Command{Type: CmdDownloadModel}); err != nil {
		t.Fatalf("Send while disconnected: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Send(Command{Type: CmdStop}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := fb.receivedTypes()
		if len(got) >= 3 {
			want := []string{CmdGetModels, CmdDownloadModel, CmdStop}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("order = %v, want %v", got, want)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend saw %v", fb.receivedTypes())
}

func TestConnSendDuringFlushStaysBehindQueue(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	const queued = 200
	for i := 0; i < queued; i++ {
		if err := c.Send(Command{Type: CmdAudio}); err != nil {
			t.Fatalf("Send while disconnected: %v", err)
		}
	}

	// Race a direct send against the flush: the moment the phase reads
	// connected, every command queued during the outage must already be
	// on the wire.
	raced := make(chan struct{})
	go func() {
		defer close(raced)
		for c.Phase() != PhaseConnected {
			time.Sleep(10 * time.Microsecond)
		}
		_ = c.Send(Command{Type: CmdStop})
	}()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-raced

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fb.receivedTypes()) >= queued+1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := fb.receivedTypes()
	if len(got) < queued+1 {
		t.Fatalf("backend saw %d commands, want %d", len(got), queued+1)
	}
	for i, typ := range got {
		if typ == CmdStop && i < queued {
			t.Fatalf("stop arrived at position %d, ahead of %d queued commands",
				i, queued-i)
		}
	}
}

func TestConnReconnectsAfterDrop(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fb.dropConns()
	waitPhase(t, c, PhaseConnected)
}

func TestConnReconnectAttemptsBounded(t *testing.T) {
	fb := newFakeBackend(t, true)
	fb.rejecting.Store(true)
	cfg := testConnConfig(fb.url())
	cfg.MaxReconnectAttempts = 3
	c := NewConn(cfg, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a rejecting server")
	}

	waitPhase(t, c, PhaseError)
	settled := fb.dials.Load()

	// Error phase stops retrying automatically; the dial count must not
	// keep climbing.
	time.Sleep(10 * cfg.ReconnectDelay)
	if fb.dials.Load() != settled {
		t.Errorf("dials kept happening after the bound: %d -> %d", settled, fb.dials.Load())
	}
	if int(settled) > cfg.MaxReconnectAttempts+1 {
		t.Errorf("dials = %d, want at most %d", settled, cfg.MaxReconnectAttempts+1)
	}
}

func TestConnEnsureAliveFreshConnection(t *testing.T) {
	fb := newFakeBackend(t, false) // no pong needed: last pong is fresh
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.EnsureAlive(context.Background()); err != nil {
		t.Errorf("EnsureAlive on fresh connection: %v", err)
	}
}

func TestConnEnsureAliveProbesStaleConnection(t *testing.T) {
	fb := newFakeBackend(t, true)
	cfg := testConnConfig(fb.url())
	cfg.StaleThreshold = 0 // every check requires a probe
	c := NewConn(cfg, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := c.EnsureAlive(context.Background()); err != nil {
		t.Errorf("EnsureAlive with answering backend: %v", err)
	}

	fb.autoPong.Store(false)
	time.Sleep(time.Millisecond)
	if err := c.EnsureAlive(context.Background()); err != ErrNotAlive {
		t.Errorf("EnsureAlive with silent backend = %v, want ErrNotAlive", err)
	}
}

func TestConnDropsUnparseableMessages(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fb.sendRaw("{not json")
	fb.send(Event{Type: EvFinal, Text: "still here"})

	select {
	case ev := <-c.Events():
		if ev.Type != EvFinal {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("connection did not survive the bad message")
	}
}

func TestConnSuspendStopsReconnecting(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Suspend()
	settled := fb.dials.Load()
	time.Sleep(100 * time.Millisecond)
	if fb.dials.Load() != settled {
		t.Error("suspended connection kept dialing")
	}

	// Suspend is not Close: a fresh Connect must work.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after Suspend: %v", err)
	}
	waitPhase(t, c, PhaseConnected)
}

type fakeRestarter struct {
	restarts atomic.Int32
}

func (f *fakeRestarter) Restart(ctx context.Context) error {
	f.restarts.Add(1)
	return nil
}

func TestConnHandleResume(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Healthy connection: wake is a no-op.
	r := &fakeRestarter{}
	c.HandleResume(context.Background(), r)
	if r.restarts.Load() != 0 {
		t.Errorf("healthy resume restarted the backend %d times", r.restarts.Load())
	}

	// Dead connection after wake: the process itself gets restarted.
	c.Suspend()
	c.HandleResume(context.Background(), r)
	if r.restarts.Load() != 1 {
		t.Errorf("dead resume restarted %d times, want 1", r.restarts.Load())
	}
}

func TestConnSendAfterClose(t *testing.T) {
	fb := newFakeBackend(t, true)
	c := NewConn(testConnConfig(fb.url()), nil)
	_ = c.Connect(context.Background())
	c.Close()

	if err := c.Send(Command{Type: CmdPing}); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}
