package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ICODOS/mute-core/internal/metrics"
)

// ProcState describes the supervised process lifecycle.
type ProcState int

const (
	ProcStopped ProcState = iota
	ProcStarting
	ProcRunning
	ProcCrashed
)

func (s ProcState) String() string {
	switch s {
	case ProcStopped:
		return "stopped"
	case ProcStarting:
		return "starting"
	case ProcRunning:
		return "running"
	case ProcCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned when Start is called while the process is
// starting or running.
var ErrAlreadyRunning = errors.New("inference process already running")

// killEscalation is how long a process gets to honor SIGTERM before it
// is killed outright.
const killEscalation = 3 * time.Second

// Channel is the connection the supervisor opens and closes alongside the
// process. Implemented by Conn.
type Channel interface {
	Connect(ctx context.Context) error
	Suspend()
}

// SupervisorConfig holds tunables for the process supervisor.
type SupervisorConfig struct {
	Python     string   // interpreter inside the bundled runtime
	Script     string   // backend entry point
	Port       int      // well-known loopback port
	RuntimeDir string   // bundled runtime root, isolates PYTHONHOME/PATH
	ExtraEnv   []string // additional KEY=VALUE pairs

	MaxRestartAttempts int
	RestartBackoff     time.Duration // delay unit, scaled by attempt number
	RestartPause       time.Duration // pause between stop and start on Restart
	ConnectDelay       time.Duration // grace before dialing a fresh process
}

// DefaultSupervisorConfig returns the default supervision tunables.
func DefaultSupervisorConfig(python, script string, port int) SupervisorConfig {
	return SupervisorConfig{
		Python:             python,
		Script:             script,
		Port:               port,
		MaxRestartAttempts: 3,
		RestartBackoff:     time.Second,
		RestartPause:       500 * time.Millisecond,
		ConnectDelay:       time.Second,
	}
}

// Supervisor owns the external inference process: spawn, log capture,
// crash detection with bounded auto-restart, and teardown.
type Supervisor struct {
	cfg     SupervisorConfig
	logger  *slog.Logger
	channel Channel

	mu       sync.Mutex
	state    ProcState
	cmd      *exec.Cmd
	attempts int
	stopping bool
	onState  func(ProcState)
}

// NewSupervisor creates a supervisor. channel may be nil when no
// connection should be managed alongside the process (tests).
func NewSupervisor(cfg SupervisorConfig, channel Channel, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		channel: channel,
		state:   ProcStopped,
	}
}

// OnState registers a state-change callback. Must be set before Start.
func (s *Supervisor) OnState(fn func(ProcState)) { s.onState = fn }

// State returns the current process state.
func (s *Supervisor) State() ProcState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the pid of the running process, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Start spawns the inference process and begins monitoring it. Any stale
// listener on the well-known port is killed first, best-effort.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == ProcStarting || s.state == ProcRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.stopping = false
	s.attempts = 0
	s.setStateLocked(ProcStarting)
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.mu.Lock()
		s.setStateLocked(ProcStopped)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	s.freePort()

	cmd := exec.Command(s.cfg.Python, s.cfg.Script, "--port", strconv.Itoa(s.cfg.Port))
	cmd.Env = s.isolatedEnv()
	cmd.Dir = filepath.Dir(s.cfg.Script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn inference process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.setStateLocked(ProcRunning)
	s.mu.Unlock()
	s.logger.Info("inference process started", "pid", cmd.Process.Pid, "port", s.cfg.Port)

	go s.captureLines("stdout", stdout)
	go s.captureLines("stderr", stderr)
	go s.monitor(cmd)
	return nil
}

// isolatedEnv builds an environment that points at the bundled runtime
// instead of whatever Python the host happens to have.
func (s *Supervisor) isolatedEnv() []string {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"TMPDIR=" + os.TempDir(),
	}
	if s.cfg.RuntimeDir != "" {
		env = append(env,
			"PATH="+filepath.Join(s.cfg.RuntimeDir, "bin")+":/usr/bin:/bin",
			"PYTHONHOME="+s.cfg.RuntimeDir,
			"DYLD_LIBRARY_PATH="+filepath.Join(s.cfg.RuntimeDir, "lib"),
			"LD_LIBRARY_PATH="+filepath.Join(s.cfg.RuntimeDir, "lib"),
		)
	} else {
		env = append(env, "PATH="+os.Getenv("PATH"))
	}
	env = append(env, "PYTHONPATH="+filepath.Dir(s.cfg.Script))
	env = append(env, "PYTHONUNBUFFERED=1")
	return append(env, s.cfg.ExtraEnv...)
}

// freePort kills whatever still listens on the backend port, typically a
// leftover process from a previous run. Failures are ignored.
func (s *Supervisor) freePort() {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", s.cfg.Port)).Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		s.logger.Warn("killing stale listener", "pid", pid, "port", s.cfg.Port)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// captureLines forwards process output line by line to the log sink.
// Output is never parsed for control flow.
func (s *Supervisor) captureLines(stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		s.logger.Info("backend output", "stream", stream, "line", scanner.Text())
	}
}

// monitor waits for process exit and restarts it when the exit was not
// requested, with an escalating delay, up to the configured bound.
func (s *Supervisor) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.cmd != cmd {
		// Superseded by a newer spawn.
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	if s.stopping {
		s.setStateLocked(ProcStopped)
		s.mu.Unlock()
		return
	}

	s.attempts++
	attempt := s.attempts
	exceeded := attempt > s.cfg.MaxRestartAttempts
	if exceeded {
		s.setStateLocked(ProcCrashed)
	} else {
		s.setStateLocked(ProcStarting)
	}
	s.mu.Unlock()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	s.logger.Error("inference process exited unexpectedly",
		"exit_code", exitCode, "error", err, "attempt", attempt)

	if exceeded {
		s.logger.Error("restart attempts exhausted, giving up")
		return
	}

	metrics.ProcessRestarts.Inc()
	time.Sleep(time.Duration(attempt) * s.cfg.RestartBackoff)

	s.mu.Lock()
	if s.stopping {
		s.setStateLocked(ProcStopped)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.spawn(context.Background()); err != nil {
		s.logger.Error("automatic restart failed", "error", err)
		s.mu.Lock()
		s.setStateLocked(ProcCrashed)
		s.mu.Unlock()
	}
}

// Stop terminates the process and suspends the connection channel.
// Always safe to call, including when nothing is running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	cmd := s.cmd
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.Suspend()
	}

	if cmd == nil || cmd.Process == nil {
		s.mu.Lock()
		s.setStateLocked(ProcStopped)
		s.mu.Unlock()
		return
	}

	s.logger.Info("stopping inference process", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	// Escalate if the process ignores SIGTERM. monitor() observes the
	// exit and settles the state.
	proc := cmd.Process
	time.AfterFunc(killEscalation, func() {
		_ = proc.Kill()
	})
}

// Restart stops the process, waits for the exit to land, starts it
// again, and redials the channel. Used for manual recovery and
// stale-connection recovery; the process being restarted is often
// wedged, so the wait must outlast the SIGKILL escalation.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	if err := s.awaitStopped(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	time.Sleep(s.cfg.RestartPause)

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	if s.channel != nil {
		time.Sleep(s.cfg.ConnectDelay)
		if err := s.channel.Connect(ctx); err != nil {
			// The channel retries on its own from here.
			s.logger.Warn("redial after restart failed", "error", err)
		}
	}
	return nil
}

// awaitStopped blocks until monitor has observed the process exit. The
// SIGTERM-then-SIGKILL escalation bounds how long that can take; the
// deadline adds margin on top.
func (s *Supervisor) awaitStopped(ctx context.Context) error {
	deadline := time.NewTimer(killEscalation + 2*time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.State() == ProcStopped {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return errors.New("process did not exit")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) setStateLocked(st ProcState) {
	if s.state == st {
		return
	}
	s.state = st
	if s.onState != nil {
		go s.onState(st)
	}
}
