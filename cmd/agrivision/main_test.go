package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/nerrad567/agrivision-core/internal/actuator"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/internal/vision"
	"github.com/nerrad567/agrivision-core/migrations"
)

func init() {
	color.NoColor = true
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// writeConfig writes a stub-rig config into a temp dir and returns its path.
func writeConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
site:
  id: test-rig

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

logging:
  level: warn
  format: text
  output: stderr

api:
  host: "127.0.0.1"
  port: %d

actuator:
  profile_path: %q
  gpio_chip: stub

automation:
  scan_interval: 50ms
  auto_check: true
`, filepath.Join(dir, "agrivision.db"), port, filepath.Join(dir, "actuator.yaml"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// startRun runs the service in the background and waits for the API.
func startRun(t *testing.T, ctx context.Context, configPath string, port int) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run(ctx, configPath) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return done
			}
		}
		select {
		case err := <-done:
			t.Fatalf("run() exited during startup: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("API did not come up")
	return nil
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return")
		return nil
	}
}

// ─── run ───────────────────────────────────────────────────────────

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	configContent := `
site:
  id: test-rig

database:
  path: ""
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want database.path validation failure", err)
	}
}

// TestRun_StopsOnCancel starts a stub rig and cancels it like SIGTERM would.
func TestRun_StopsOnCancel(t *testing.T) {
	port := freePort(t)
	configPath := writeConfig(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := startRun(t, ctx, configPath, port)
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Errorf("run() = %v, want nil on cancellation", err)
	}
}

// TestRun_ShutdownRequest verifies a pushed shutdown request ends the service
// cleanly and the actuator profile is persisted.
func TestRun_ShutdownRequest(t *testing.T) {
	port := freePort(t)
	configPath := writeConfig(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	done := startRun(t, ctx, configPath, port)

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/push", port)
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"type":"shutdown"}`)) //nolint:noctx // test
	if err != nil {
		t.Fatalf("push shutdown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("push status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	if err := waitDone(t, done); err != nil {
		t.Errorf("run() = %v, want nil after shutdown request", err)
	}
	if ctx.Err() != nil {
		t.Error("run() returned only because the test context expired")
	}
}

// ─── getConfigPath ─────────────────────────────────────────────────

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("AGRIVISION_CONFIG", "")

	if path := getConfigPath(""); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("AGRIVISION_CONFIG", expected)

	if path := getConfigPath(""); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestGetConfigPath_FlagWins verifies the --config flag beats the environment.
func TestGetConfigPath_FlagWins(t *testing.T) {
	t.Setenv("AGRIVISION_CONFIG", "/from/env.yaml")

	if path := getConfigPath("/from/flag.yaml"); path != "/from/flag.yaml" {
		t.Errorf("getConfigPath() = %q, want /from/flag.yaml", path)
	}
}

// ─── component selection ───────────────────────────────────────────

func TestNewCamera(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CameraConfig
		want    string
		wantErr bool
	}{
		{"stub", config.CameraConfig{Driver: "stub"}, "vision.StubCamera", false},
		{"empty defaults to stub", config.CameraConfig{}, "vision.StubCamera", false},
		{"file", config.CameraConfig{Driver: "file", File: "/tmp/a.jpg"}, "vision.FileCamera", false},
		{"command", config.CameraConfig{Driver: "command", Command: "libcamera-jpeg"}, "vision.CommandCamera", false},
		{"snapshot", config.CameraConfig{Driver: "snapshot", SnapshotURL: "http://cam/snap"}, "*vision.SnapshotCamera", false},
		{"unknown", config.CameraConfig{Driver: "webcam"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, err := newCamera(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newCamera: %v", err)
			}
			if got := fmt.Sprintf("%T", cam); got != tt.want {
				t.Errorf("camera type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewDetector(t *testing.T) {
	for _, driver := range []string{"", "stub", "roboflow"} {
		det, err := newDetector(config.DetectorConfig{Driver: driver, StubClass: "young"})
		if err != nil {
			t.Fatalf("newDetector(%q): %v", driver, err)
		}
		if _, ok := det.(*vision.CenterDetector); !ok {
			t.Errorf("newDetector(%q) = %T, want *vision.CenterDetector", driver, det)
		}
	}

	if _, err := newDetector(config.DetectorConfig{Driver: "yolo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestLoadProfile_FallsBackToConfig(t *testing.T) {
	cfg := config.Default().Actuator
	cfg.ProfilePath = filepath.Join(t.TempDir(), "actuator.yaml")

	p, err := loadProfile(cfg, logging.Default())
	if err != nil {
		t.Fatalf("loadProfile: %v", err)
	}
	if p.X.StepPin != cfg.X.StepPin || p.X.Position != 0 {
		t.Errorf("profile = %+v, want config pins at origin", p.X)
	}

	stored := p
	stored.X.Position = 120
	if err := actuator.SaveProfile(cfg.ProfilePath, stored); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	p, err = loadProfile(cfg, logging.Default())
	if err != nil {
		t.Fatalf("loadProfile: %v", err)
	}
	if p.X.Position != 120 {
		t.Errorf("X position = %v, want stored 120", p.X.Position)
	}
}

// ─── maintenance commands ──────────────────────────────────────────

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCommands(t *testing.T) {
	configPath := writeConfig(t, 8080)

	out, err := execute(t, "migrate", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("fresh database should list pending migrations:\n%s", out)
	}

	if _, err := execute(t, "migrate", "up", "--config", configPath); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	out, err = execute(t, "migrate", "status", "-c", configPath)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if strings.Contains(out, "pending") || !strings.Contains(out, "applied") {
		t.Errorf("after up every migration should be applied:\n%s", out)
	}

	if _, err := execute(t, "migrate", "down", "-c", configPath); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	out, _ = execute(t, "migrate", "status", "-c", configPath)
	if !strings.Contains(out, "pending") {
		t.Errorf("after down a migration should be pending:\n%s", out)
	}
}

func TestPrintPositions(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	repo := store.NewSQLiteRepository(db.DB)

	var out bytes.Buffer
	if err := printPositions(ctx, &out, repo, true); err != nil {
		t.Fatalf("printPositions: %v", err)
	}
	if !strings.Contains(out.String(), "no positions") {
		t.Errorf("empty output = %q", out.String())
	}

	if _, err := repo.UpsertPosition(ctx, 10, 20); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}
	if _, err := repo.UpsertPosition(ctx, 30, 40); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}
	if err := repo.DeactivatePosition(ctx, 30, 40); err != nil {
		t.Fatalf("DeactivatePosition: %v", err)
	}

	out.Reset()
	if err := printPositions(ctx, &out, repo, true); err != nil {
		t.Fatalf("printPositions: %v", err)
	}
	if !strings.Contains(out.String(), "10") || strings.Contains(out.String(), "removed") {
		t.Errorf("active listing:\n%s", out.String())
	}

	out.Reset()
	if err := printPositions(ctx, &out, repo, false); err != nil {
		t.Fatalf("printPositions: %v", err)
	}
	if !strings.Contains(out.String(), "30 (removed)") {
		t.Errorf("full listing should mark removed positions:\n%s", out.String())
	}
}

func TestProfileCommands(t *testing.T) {
	configPath := writeConfig(t, 8080)

	out, err := execute(t, "profile", "show", "-c", configPath)
	if err != nil {
		t.Fatalf("profile show: %v", err)
	}
	if !strings.Contains(out, "from config") {
		t.Errorf("unsaved profile should say so:\n%s", out)
	}

	if _, err := execute(t, "profile", "set-position", "12.5", "40", "-c", configPath); err != nil {
		t.Fatalf("profile set-position: %v", err)
	}
	out, err = execute(t, "profile", "show", "-c", configPath)
	if err != nil {
		t.Fatalf("profile show: %v", err)
	}
	if !strings.Contains(out, "(12.5, 40)") || !strings.Contains(out, "stored") {
		t.Errorf("stored position missing:\n%s", out)
	}

	if _, err := execute(t, "profile", "home", "-c", configPath); err != nil {
		t.Fatalf("profile home: %v", err)
	}
	out, _ = execute(t, "profile", "show", "-c", configPath)
	if !strings.Contains(out, "(0, 0)") {
		t.Errorf("home should park at the origin:\n%s", out)
	}

	if _, err := execute(t, "profile", "set-position", "-1", "0", "-c", configPath); err == nil {
		t.Error("negative position should be rejected")
	}
	if _, err := execute(t, "profile", "set-position", "abc", "0", "-c", configPath); err == nil {
		t.Error("non-numeric position should be rejected")
	}
}
