package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Default timings applied by New for zero values.
const (
	defaultRestartDelay   = 5 * time.Second
	defaultGraceful       = 10 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultHealthFailures = 3
)

// Config holds configuration for a supervised subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// RestartDelay is the pause between an unexpected exit and the restart.
	RestartDelay time.Duration

	// MaxRestarts limits restart attempts. 0 means unlimited.
	MaxRestarts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheck is probed every HealthInterval while the process runs.
	// If nil, the process is considered healthy while it is alive.
	HealthCheck func(ctx context.Context) error

	// HealthInterval is how often HealthCheck runs.
	HealthInterval time.Duration

	// HealthFailures is the number of consecutive failed probes that gets
	// the process killed and restarted.
	HealthFailures int
}

// ConfigFromCamera builds the supervisor configuration for the camera
// streaming daemon. When the camera driver is "snapshot" the snapshot URL
// doubles as the health probe.
func ConfigFromCamera(cam config.CameraConfig) Config {
	cfg := Config{
		Name:         "camera-daemon",
		Binary:       cam.Daemon.Binary,
		Args:         cam.Daemon.Args,
		RestartDelay: cam.Daemon.RestartDelay,
		MaxRestarts:  cam.Daemon.MaxRestarts,
	}
	if cam.Driver == "snapshot" && cam.SnapshotURL != "" {
		cfg.HealthCheck = HTTPProbe(cam.SnapshotURL, nil)
	}
	return cfg
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor keeps one subprocess alive for the lifetime of Run.
//
// Thread Safety:
//   - Status accessors are safe for concurrent use while Run is active.
type Supervisor struct {
	config Config
	logger Logger

	mu        sync.RWMutex
	running   bool
	status    Status
	pid       int
	restarts  int
	lastError error
	startTime time.Time
}

// New creates a supervisor, filling zero timings with defaults.
//
// Parameters:
//   - cfg: Process configuration
//   - logger: Destination for lifecycle events and process output (nil discards)
//
// Returns:
//   - *Supervisor: Ready to Run
func New(cfg Config, logger Logger) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGraceful
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = defaultHealthFailures
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		config: cfg,
		logger: logger,
		status: StatusStopped,
	}
}

// Run starts the process and restarts it whenever it exits or fails its
// health check, until ctx is cancelled.
//
// Cancelling ctx stops the process gracefully (SIGTERM to the process group,
// then SIGKILL after GracefulTimeout) and Run returns nil.
//
// Returns:
//   - error: Start failure of the first launch, ErrRestartsExhausted, or
//     ErrAlreadyRunning
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.restarts = 0
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	first := true
	for {
		cmd, exited, err := s.start()
		if err != nil {
			s.setFailed(err)
			if first {
				return err
			}
			s.logger.Error("failed to restart process", "name", s.config.Name, "error", err)
		} else {
			err = s.supervise(ctx, cmd, exited)
			if ctx.Err() != nil {
				s.setStatus(StatusStopped)
				s.logger.Info("process stopped", "name", s.config.Name)
				return nil
			}
			s.setFailed(err)
			s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err)
		}
		first = false

		s.mu.Lock()
		if s.config.MaxRestarts > 0 && s.restarts >= s.config.MaxRestarts {
			done := s.restarts
			s.mu.Unlock()
			s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", done)
			return fmt.Errorf("%w: %s after %d restarts", ErrRestartsExhausted, s.config.Name, done)
		}
		s.restarts++
		attempt := s.restarts
		s.mu.Unlock()

		s.logger.Info("restarting process",
			"name", s.config.Name,
			"attempt", attempt,
			"delay", s.config.RestartDelay,
		)
		select {
		case <-ctx.Done():
			s.setStatus(StatusStopped)
			return nil
		case <-time.After(s.config.RestartDelay):
		}
	}
}

// start launches the binary in its own process group and returns a channel
// that yields the Wait result.
func (s *Supervisor) start() (*exec.Cmd, <-chan error, error) {
	s.setStatus(StatusStarting)
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	cmd := exec.Command(s.config.Binary, s.config.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.pid = cmd.Process.Pid
	s.startTime = time.Now()
	s.mu.Unlock()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.captureOutput(&pipes, "stdout", stdout)
	go s.captureOutput(&pipes, "stderr", stderr)

	// Wait must not run until both pipes are drained.
	exited := make(chan error, 1)
	go func() {
		pipes.Wait()
		exited <- cmd.Wait()
	}()

	s.logger.Info("process started", "name", s.config.Name, "pid", cmd.Process.Pid)
	return cmd, exited, nil
}

// captureOutput logs each line the process writes.
func (s *Supervisor) captureOutput(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("process output",
			"name", s.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// supervise waits for the process to exit, to fail its health check, or for
// ctx to end. In the last two cases it terminates the process group.
func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, exited <-chan error) error {
	var tick <-chan time.Time
	if s.config.HealthCheck != nil {
		ticker := time.NewTicker(s.config.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failures := 0
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return err

		case <-ctx.Done():
			s.terminate(cmd, exited)
			return ctx.Err()

		case <-tick:
			probeCtx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
			err := s.config.HealthCheck(probeCtx)
			cancel()
			if err == nil {
				if failures > 0 {
					s.logger.Info("health check recovered", "name", s.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}
			failures++
			s.logger.Warn("health check failed",
				"name", s.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures >= s.config.HealthFailures {
				s.logger.Error("health check failed repeatedly, killing process",
					"name", s.config.Name,
					"failures", failures,
				)
				s.terminate(cmd, exited)
				return fmt.Errorf("%w: %w", ErrUnhealthy, err)
			}
		}
	}
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL after
// GracefulTimeout, and waits for the exit.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan error) {
	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	// Negative PID signals the whole group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM to process group", "name", s.config.Name, "error", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(s.config.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Error("killing process group", "name", s.config.Name, "error", err)
	}
	<-exited
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	if st != StatusRunning {
		s.pid = 0
	}
	s.mu.Unlock()
}

func (s *Supervisor) setFailed(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.pid = 0
	s.lastError = err
	s.mu.Unlock()
}

// Status returns the current status of the supervised process.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// Stats summarises the supervised process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:     s.config.Name,
		Status:   s.status,
		PID:      s.pid,
		Restarts: s.restarts,
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
