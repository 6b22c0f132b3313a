package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nerrad567/agrivision-core/internal/audit"
	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/agrivision-core/internal/process"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/migrations"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDaemon reports fixed supervisor stats.
type fakeDaemon struct{}

func (fakeDaemon) Stats() process.Stats {
	return process.Stats{Name: "camera-daemon", Status: process.StatusRunning, PID: 42}
}

type fakeBroker struct{ connected bool }

type fakeTelemetry struct{}

func (fakeTelemetry) Stats() influxdb.Stats {
	return influxdb.Stats{Connected: true, Written: 12, Failed: 1}
}

func (f fakeBroker) Stats() mqtt.Stats {
	return mqtt.Stats{Connected: f.connected, Published: 5, Received: 2}
}

// testServer creates a Server backed by an in-memory migrated database.
func testServer(t *testing.T, inbound int) (*Server, *gateway.Gateway, *store.SQLiteRepository) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := store.NewSQLiteRepository(db.DB)

	log := logging.Discard()
	gw := gateway.New(gateway.Options{InboundSize: inbound, OutboundSize: 32, Logger: log})

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:    log,
		Gateway:   gw,
		Store:     repo,
		Audit:     audit.NewSQLiteRepository(db.DB),
		DB:        db,
		MQTT:      fakeBroker{connected: true},
		Daemon:    fakeDaemon{},
		Telemetry: fakeTelemetry{},
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, gw, repo
}

// startServer runs srv on a loopback listener and closes it on cleanup.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Serve(context.Background(), ln); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		http.DefaultClient.CloseIdleConnections()
	})
	return srv.Addr()
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	log := logging.Default()
	gw := gateway.New(gateway.Options{})

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Gateway: gw}},
		{"no gateway", Deps{Logger: log}},
		{"no store", Deps{Logger: log, Gateway: gw}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want missing dependency error")
			}
		})
	}
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" || resp["version"] != "test" || resp["database"] != "ok" {
		t.Errorf("health = %v, want ok/test/ok", resp)
	}
}

func TestHealth_DatabaseClosed(t *testing.T) {
	srv, _, _ := testServer(t, 8)
	if err := srv.db.(*database.DB).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestRequestID(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/push", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestRequestID_RejectsUnsafeClientValues(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	for _, id := range []string{"has space", strings.Repeat("a", 65), "tab\tid"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.Header.Set("X-Request-ID", id)
		rec := httptest.NewRecorder()
		srv.buildRouter().ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if got == id || got == "" {
			t.Errorf("client id %q should be replaced, got %q", id, got)
		}
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _, _ := testServer(t, 8)
	srv.cfg.CORS.AllowedOrigins = []string{"http://dashboard.local"}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/push", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("preflight status = %d, want 403", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want none", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "HTTP://DASHBOARD.LOCAL")
	w = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("allowed origin should match case-insensitively")
	}
}

func TestPush_BodyTooLarge(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	body := `{"type":"water","x":1,"y":1,"pad":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := do(t, srv, http.MethodPost, "/api/v1/push", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	srv, _, _ := testServer(t, 8)
	h := srv.requestIDMiddleware(srv.loggingMiddleware(srv.recoveryMiddleware(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	)))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var e Error
	decode(t, w, &e)
	if e.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeInternal)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	if w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetrics(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	if err := gw.Push(gateway.GetReport{}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var m SystemMetrics
	decode(t, w, &m)
	if m.Gateway.PendingRequests != 1 {
		t.Errorf("PendingRequests = %d, want 1", m.Gateway.PendingRequests)
	}
	if m.MQTT == nil || !m.MQTT.Connected || m.MQTT.Published != 5 {
		t.Errorf("MQTT = %+v, want connected", m.MQTT)
	}
	if m.CameraDaemon == nil || m.CameraDaemon.PID != 42 {
		t.Errorf("CameraDaemon = %+v, want pid 42", m.CameraDaemon)
	}
	if m.InfluxDB == nil || m.InfluxDB.Written != 12 || m.InfluxDB.Failed != 1 {
		t.Errorf("InfluxDB = %+v, want 12 written / 1 failed", m.InfluxDB)
	}
	if m.Database == nil || m.Database.Usage == nil || m.Database.SizeBytes == 0 {
		t.Errorf("Database = %+v, want file usage", m.Database)
	}
}

// ─── Push ──────────────────────────────────────────────────────────

func TestPush(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"water request", `{"type":"water","x":10,"y":20}`, http.StatusAccepted, ""},
		{"flag request", `{"type":"set_auto_water","value":true}`, http.StatusAccepted, ""},
		{"unknown type", `{"type":"dance"}`, http.StatusBadRequest, ErrCodeUnknownType},
		{"not json", `water 10 20`, http.StatusBadRequest, ErrCodeBadRequest},
		{"report is not a request", `{"type":"report_moving","value":true}`, http.StatusBadRequest, ErrCodeUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := testServer(t, 8)

			w := do(t, srv, http.MethodPost, "/api/v1/push", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				var e Error
				decode(t, w, &e)
				if e.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
				}
			}
		})
	}
}

func TestPush_QueuesDecodedRequest(t *testing.T) {
	srv, gw, _ := testServer(t, 8)

	w := do(t, srv, http.MethodPost, "/api/v1/push", `{"type":"water","x":10,"y":20}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := gw.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if water, ok := got.(gateway.Water); !ok || water.X != 10 || water.Y != 20 {
		t.Errorf("queued %#v, want Water{10,20}", got)
	}
}

func TestPush_QueueFull(t *testing.T) {
	srv, _, _ := testServer(t, 1)

	if w := do(t, srv, http.MethodPost, "/api/v1/push", `{"type":"get_report"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first push status = %d, want 202", w.Code)
	}
	w := do(t, srv, http.MethodPost, "/api/v1/push", `{"type":"get_report"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second push status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

// ─── Pull ──────────────────────────────────────────────────────────

func TestPull_StreamsReports(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/v1/pull?types=report_position", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("pull request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Pull stream + websocket hub.
	waitSubscribers(t, gw, 2)
	gw.Send(gateway.ReportMoving{Value: true})
	gw.Send(gateway.ReportPosition{X: 10, Y: 20})

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	if event != "report_position" {
		t.Fatalf("event = %q, want report_position (filtered)", event)
	}
	msg, err := gateway.DecodeOutgoing([]byte(data))
	if err != nil {
		t.Fatalf("DecodeOutgoing(%q) error = %v", data, err)
	}
	if pos, ok := msg.(gateway.ReportPosition); !ok || pos.X != 10 || pos.Y != 20 {
		t.Errorf("report = %#v, want ReportPosition{10,20}", msg)
	}
}

func TestPull_ShutdownEndsStream(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Serve(context.Background(), ln); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/pull")
	if err != nil {
		t.Fatalf("pull request: %v", err)
	}
	defer resp.Body.Close()
	waitSubscribers(t, gw, 2)

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked on open pull stream")
	}
	if n := gw.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d after close, want 0", n)
	}
	http.DefaultClient.CloseIdleConnections()
}

func waitSubscribers(t *testing.T, gw *gateway.Gateway, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for gw.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("SubscriberCount() = %d, want %d", gw.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readEvent reads one SSE frame, skipping keep-alive comments.
func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

// ─── History ───────────────────────────────────────────────────────

func seedHistory(t *testing.T, repo *store.SQLiteRepository) (store.Position, *store.Image, int64) {
	t.Helper()
	ctx := context.Background()

	pos, err := repo.UpsertPosition(ctx, 10, 20)
	if err != nil {
		t.Fatalf("UpsertPosition() error = %v", err)
	}
	if _, err := repo.UpsertPosition(ctx, 30, 40); err != nil {
		t.Fatalf("UpsertPosition() error = %v", err)
	}
	young, err := repo.QueryStageConfig(ctx, "young")
	if err != nil {
		t.Fatalf("QueryStageConfig() error = %v", err)
	}
	img, err := repo.InsertImage(ctx, []byte{0xFF, 0xD8, 0xFF, 0xD9})
	if err != nil {
		t.Fatalf("InsertImage() error = %v", err)
	}

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var lastID int64
	for i, watered := range []bool{true, false} {
		id, err := repo.InsertCheck(ctx, &store.CheckRecord{
			PositionID: pos.ID,
			StageID:    young.ID,
			ImageID:    img.ID,
			Box:        store.Box{X: 1, Y: 2, Width: 30, Height: 40},
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
			Watered:    watered,
		})
		if err != nil {
			t.Fatalf("InsertCheck() error = %v", err)
		}
		lastID = id
	}
	return *pos, img, lastID
}

func TestListPositions(t *testing.T) {
	srv, _, repo := testServer(t, 8)
	seedHistory(t, repo)

	w := do(t, srv, http.MethodGet, "/api/v1/positions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Positions []PositionView `json:"positions"`
		Count     int            `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	first := resp.Positions[0]
	if first.X != 10 || first.LastStage != "young" {
		t.Errorf("first = %+v, want (10,20) young", first)
	}
	if first.LastCheck == nil || first.LastWatered == nil || !first.LastWatered.Before(*first.LastCheck) {
		t.Errorf("last check/water = %v/%v, want watered before the later check", first.LastCheck, first.LastWatered)
	}
	if second := resp.Positions[1]; second.LastStage != "" || second.LastCheck != nil {
		t.Errorf("unchecked position = %+v, want no history", second)
	}
}

func TestListChecks(t *testing.T) {
	srv, _, repo := testServer(t, 8)
	_, _, lastID := seedHistory(t, repo)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{"all", "/api/v1/positions/10/20/checks", http.StatusOK, 2},
		{"limited", "/api/v1/positions/10/20/checks?limit=1", http.StatusOK, 1},
		{"bad limit", "/api/v1/positions/10/20/checks?limit=0", http.StatusBadRequest, 0},
		{"bad coords", "/api/v1/positions/ten/20/checks", http.StatusBadRequest, 0},
		{"unknown position", "/api/v1/positions/99/99/checks", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Checks []store.CheckRecord `json:"checks"`
				Count  int                 `json:"count"`
			}
			decode(t, w, &resp)
			if resp.Count != tt.wantCount {
				t.Errorf("count = %d, want %d", resp.Count, tt.wantCount)
			}
			if resp.Checks[0].ID != lastID {
				t.Errorf("first check = %d, want newest %d", resp.Checks[0].ID, lastID)
			}
		})
	}
}

func TestGetCheck(t *testing.T) {
	srv, _, repo := testServer(t, 8)
	_, img, lastID := seedHistory(t, repo)

	w := do(t, srv, http.MethodGet, "/api/v1/checks/"+strconv.FormatInt(lastID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec store.CheckRecord
	decode(t, w, &rec)
	if rec.Stage != "young" || rec.ImageRef != img.Ref || rec.Box.Width != 30 {
		t.Errorf("check = %+v, want young with image %s", rec, img.Ref)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/checks/9999", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown check status = %d, want 404", w.Code)
	}
}

func TestListStages(t *testing.T) {
	srv, _, _ := testServer(t, 8)

	w := do(t, srv, http.MethodGet, "/api/v1/stages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Stages []StageView `json:"stages"`
	}
	decode(t, w, &resp)

	var young *StageView
	for i := range resp.Stages {
		if resp.Stages[i].Stage == "young" {
			young = &resp.Stages[i]
		}
	}
	if young == nil {
		t.Fatalf("stages = %+v, want seeded young stage", resp.Stages)
	}
	if !young.FirstStage || young.CheckPeriod != 3600 || young.WaterDuration != 2 {
		t.Errorf("young = %+v, want first stage 3600s/2s", *young)
	}
}

func TestGetImage(t *testing.T) {
	srv, _, repo := testServer(t, 8)
	_, img, _ := seedHistory(t, repo)

	w := do(t, srv, http.MethodGet, "/api/v1/images/"+img.Ref, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if w.Body.Len() != 4 {
		t.Errorf("body length = %d, want 4", w.Body.Len())
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/images/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing image status = %d, want 404", w.Code)
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func dialWS(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_Command(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ws := dialWS(t, addr, "")
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeCommand,
		ID:      "cmd-1",
		Payload: json.RawMessage(`{"type":"goto","x":5,"y":6}`),
	}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	resp := readWS(t, ws)
	if resp.Type != WSTypeResponse || resp.ID != "cmd-1" {
		t.Fatalf("response = %+v, want response cmd-1", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := gw.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if g, ok := got.(gateway.Goto); !ok || g.X != 5 || g.Y != 6 {
		t.Errorf("queued %#v, want Goto{5,6}", got)
	}
}

func TestWebSocket_BadCommand(t *testing.T) {
	srv, _, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ws := dialWS(t, addr, "")
	defer ws.Close()

	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{"invalid json", "not json", ErrCodeBadRequest},
		{"unknown envelope type", `{"type":"unknown_type","id":"x"}`, ErrCodeBadRequest},
		{"unknown command", `{"type":"command","id":"x","payload":{"type":"dance"}}`, ErrCodeUnknownType},
		{"malformed command", `{"type":"command","id":"x","payload":{"type":"water","x":"ten"}}`, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			resp := readWS(t, ws)
			if resp.Type != WSTypeError {
				t.Fatalf("response type = %s, want error", resp.Type)
			}
			var e Error
			if err := json.Unmarshal(resp.Payload, &e); err != nil {
				t.Fatalf("error payload %s: %v", resp.Payload, err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, _, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ws := dialWS(t, addr, "")
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	resp := readWS(t, ws)
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("response = %+v, want pong ping-1", resp)
	}
}

func TestWebSocket_BroadcastsReports(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ws := dialWS(t, addr, "?types=report_water_done")
	defer ws.Close()
	waitClients(t, srv, 1)

	gw.Send(gateway.ReportMoving{Value: true})
	gw.Send(gateway.ReportWaterDone{X: 1, Y: 2, Timestamp: time.Unix(1700000000, 0).UTC()})

	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != "report_water_done" {
		t.Fatalf("event = %+v, want report_water_done only", msg)
	}
	if msg.ID == "" {
		t.Error("event ID empty, want uuid")
	}
	report, err := gateway.DecodeOutgoing(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeOutgoing() error = %v", err)
	}
	if done, ok := report.(gateway.ReportWaterDone); !ok || done.X != 1 || done.Y != 2 {
		t.Errorf("report = %#v, want ReportWaterDone{1,2}", report)
	}
}

func TestWebSocket_SubscribeUnsubscribe(t *testing.T) {
	srv, gw, _ := testServer(t, 8)
	addr := startServer(t, srv)

	ws := dialWS(t, addr, "?types=status")
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: json.RawMessage(`{"channels":["error"]}`),
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: json.RawMessage(`{"channels":["status"]}`),
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "unsub-1" {
		t.Fatalf("unsubscribe response = %+v", resp)
	}

	gw.Send(gateway.Status{Text: "ignored"})
	gw.Send(gateway.Error{Text: "boom"})

	if msg := readWS(t, ws); msg.EventType != "error" {
		t.Errorf("event = %q, want error", msg.EventType)
	}
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", srv.hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Audit trail ───────────────────────────────────────────────────

func TestListAudit(t *testing.T) {
	srv, _, _ := testServer(t, 4)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	for i, e := range []audit.Entry{
		{Action: "add_position", EntityType: "position", EntityID: "1,1"},
		{Action: "water", EntityType: "position", EntityID: "1,1", Error: "actuator: line error"},
		{Action: "shutdown", EntityType: "rig"},
	} {
		e.Source = "gateway"
		e.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		if err := srv.audit.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
		wantFirst  string
	}{
		{"all", "", http.StatusOK, 3, "shutdown"},
		{"by entity", "?entity_type=position&entity_id=1,1", http.StatusOK, 2, "water"},
		{"errors only", "?outcome=error", http.StatusOK, 1, "water"},
		{"paged", "?limit=1&offset=2", http.StatusOK, 3, "add_position"},
		{"bad limit", "?limit=zero", http.StatusBadRequest, 0, ""},
		{"bad offset", "?offset=-1", http.StatusBadRequest, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, "/api/v1/audit"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var res audit.ListResult
			decode(t, w, &res)
			if res.Total != tt.wantTotal || len(res.Entries) == 0 || res.Entries[0].Action != tt.wantFirst {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestListAudit_Disabled(t *testing.T) {
	srv, _, _ := testServer(t, 4)
	srv.audit = nil

	if w := do(t, srv, http.MethodGet, "/api/v1/audit", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
