package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingLogger captures log messages and their key/value pairs.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(level, " ", msg, " ", args))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("DEBUG", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("INFO", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("WARN", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("ERROR", msg, args...) }

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

// ─── Configuration ──────────────────────────────────────────────────

func TestNew_Defaults(t *testing.T) {
	s := New(Config{Binary: "/usr/bin/ustreamer"}, nil)

	if s.config.Name != "/usr/bin/ustreamer" {
		t.Errorf("Name = %q, want binary path", s.config.Name)
	}
	if s.config.RestartDelay != defaultRestartDelay {
		t.Errorf("RestartDelay = %v, want %v", s.config.RestartDelay, defaultRestartDelay)
	}
	if s.config.GracefulTimeout != defaultGraceful {
		t.Errorf("GracefulTimeout = %v, want %v", s.config.GracefulTimeout, defaultGraceful)
	}
	if s.config.HealthInterval != defaultHealthInterval {
		t.Errorf("HealthInterval = %v, want %v", s.config.HealthInterval, defaultHealthInterval)
	}
	if s.config.HealthFailures != defaultHealthFailures {
		t.Errorf("HealthFailures = %d, want %d", s.config.HealthFailures, defaultHealthFailures)
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", s.Status(), StatusStopped)
	}
}

func TestConfigFromCamera(t *testing.T) {
	cam := config.CameraConfig{
		Driver:      "snapshot",
		SnapshotURL: "http://127.0.0.1:8080/?action=snapshot",
		Daemon: config.CameraDaemonConfig{
			Managed:      true,
			Binary:       "/usr/bin/mjpg_streamer",
			Args:         []string{"-i", "input_uvc.so"},
			RestartDelay: 2 * time.Second,
			MaxRestarts:  4,
		},
	}

	cfg := ConfigFromCamera(cam)
	if cfg.Binary != "/usr/bin/mjpg_streamer" || len(cfg.Args) != 2 {
		t.Errorf("cfg = %+v, want daemon binary and args", cfg)
	}
	if cfg.RestartDelay != 2*time.Second || cfg.MaxRestarts != 4 {
		t.Errorf("cfg restart = %v/%d, want 2s/4", cfg.RestartDelay, cfg.MaxRestarts)
	}
	if cfg.HealthCheck == nil {
		t.Error("HealthCheck = nil, want snapshot probe")
	}

	cam.Driver = "command"
	if ConfigFromCamera(cam).HealthCheck != nil {
		t.Error("HealthCheck set for non-snapshot driver")
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestRun_InvalidBinary(t *testing.T) {
	s := New(Config{Binary: "/nonexistent/streamer"}, nil)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want start failure")
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", s.Status(), StatusFailed)
	}
	if s.Stats().LastError == "" {
		t.Error("Stats().LastError empty after failed start")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(Config{Name: "sleeper", Binary: "/bin/sleep", Args: []string{"30"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, s.IsRunning)
	if s.Stats().PID == 0 {
		t.Error("Stats().PID = 0 while running")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", s.Status(), StatusStopped)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	s := New(Config{Binary: "/bin/sleep", Args: []string{"30"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, s.IsRunning)

	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	<-done
}

func TestRun_RestartsUntilExhausted(t *testing.T) {
	log := &recordingLogger{}
	s := New(Config{
		Name:         "crasher",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "echo booting; exit 3"},
		RestartDelay: 10 * time.Millisecond,
		MaxRestarts:  2,
	}, log)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("Run() error = %v, want ErrRestartsExhausted", err)
	}

	stats := s.Stats()
	if stats.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", stats.Restarts)
	}
	if stats.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", stats.Status, StatusFailed)
	}
	if !strings.Contains(stats.LastError, "exit status 3") {
		t.Errorf("LastError = %q, want exit status 3", stats.LastError)
	}
	if !log.contains("booting") {
		t.Error("process stdout was not logged")
	}
}

func TestRun_KillsUnhealthyProcess(t *testing.T) {
	probes := 0
	var mu sync.Mutex
	s := New(Config{
		Name:            "hung",
		Binary:          "/bin/sleep",
		Args:            []string{"30"},
		RestartDelay:    10 * time.Millisecond,
		MaxRestarts:     1,
		GracefulTimeout: time.Second,
		HealthInterval:  10 * time.Millisecond,
		HealthFailures:  2,
		HealthCheck: func(context.Context) error {
			mu.Lock()
			probes++
			mu.Unlock()
			return errors.New("no frame")
		},
	}, nil)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("Run() error = %v, want ErrRestartsExhausted", err)
	}
	if !strings.Contains(s.Stats().LastError, "health check failed") {
		t.Errorf("LastError = %q, want health check failure", s.Stats().LastError)
	}

	mu.Lock()
	defer mu.Unlock()
	if probes != 4 {
		t.Errorf("probes = %d, want 4 (2 per launch)", probes)
	}
}

func TestRun_CancelDuringRestartDelay(t *testing.T) {
	s := New(Config{
		Binary:       "/bin/sh",
		Args:         []string{"-c", "exit 1"},
		RestartDelay: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.Stats().Restarts == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// ─── Health probe ───────────────────────────────────────────────────

func TestHTTPProbe(t *testing.T) {
	healthy := true
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.URL, srv.Client())

	if err := probe(context.Background()); err != nil {
		t.Errorf("probe() error = %v, want nil", err)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()

	err := probe(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("probe() error = %v, want status 503", err)
	}
}
