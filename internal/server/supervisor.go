package server

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"go.uber.org/zap"
)

const (
	defaultStopWait = 5 * time.Second
	defaultKillWait = 1 * time.Second
)

// Supervisor runs the serving process as a child of the controlling process,
// so the CLI can stop and restart it without exiting itself. Stop asks
// politely first (SIGTERM), then kills.
type Supervisor struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{}
	newCommand func(host string, port int) (*exec.Cmd, error)
	stopWait   time.Duration
	killWait   time.Duration
}

// NewSupervisor creates a Supervisor that re-executes the current binary with
// the serve subcommand.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		newCommand: serveCommand,
		stopWait:   defaultStopWait,
		killWait:   defaultKillWait,
	}
}

func serveCommand(host string, port int) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(self, "serve", "--host", host, "--port", strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// Start spawns the serving child. Starting while already running is a no-op.
func (s *Supervisor) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil
	}

	cmd, err := s.newCommand(host, port)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	s.cmd = cmd
	s.done = done
	logger.L().Info("server process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("host", host),
		zap.Int("port", port),
	)
	return nil
}

// Stop terminates the serving child: SIGTERM, a grace period, then SIGKILL.
// Stopping while not running is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.done = nil

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-done:
		logger.L().Info("server process stopped", zap.Int("pid", cmd.Process.Pid))
		return nil
	case <-time.After(s.stopWait):
	}

	logger.L().Warn("server process ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Kill()

	select {
	case <-done:
	case <-time.After(s.killWait):
	}
	return nil
}

// Running reports whether a serving child is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
