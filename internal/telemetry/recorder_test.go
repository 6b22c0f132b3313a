package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu         sync.Mutex
	checks     []influxdb.CheckPoint
	waterings  int
	activities []string
	written    chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{written: make(chan struct{}, 16)}
}

func (s *memorySink) WriteCheck(p influxdb.CheckPoint) {
	s.mu.Lock()
	s.checks = append(s.checks, p)
	s.mu.Unlock()
	s.written <- struct{}{}
}

func (s *memorySink) WriteWatering(int, int, time.Time) {
	s.mu.Lock()
	s.waterings++
	s.mu.Unlock()
	s.written <- struct{}{}
}

func (s *memorySink) WriteActivity(activity string, active bool, _ time.Time) {
	s.mu.Lock()
	state := "0"
	if active {
		state = "1"
	}
	s.activities = append(s.activities, activity+"="+state)
	s.mu.Unlock()
	s.written <- struct{}{}
}

func TestRecorder_Record(t *testing.T) {
	sink := newMemorySink()
	r := NewRecorder(gateway.New(gateway.Options{}), sink, nil, nil)

	r.Record(gateway.ReportCheckDone{X: 1, Y: 2, Left: 10, Top: 20, Right: 40, Bottom: 60, Stage: "ready"})
	r.Record(gateway.ReportWaterDone{X: 1, Y: 2})
	r.Record(gateway.ReportCapturing{Value: true})
	r.Record(gateway.Status{Text: "ignored"})

	if len(sink.checks) != 1 {
		t.Fatalf("checks = %d, want 1", len(sink.checks))
	}
	if c := sink.checks[0]; c.Width != 30 || c.Height != 40 || c.Stage != "ready" {
		t.Errorf("check point = %+v", c)
	}
	if sink.waterings != 1 {
		t.Errorf("waterings = %d, want 1", sink.waterings)
	}
	if len(sink.activities) != 1 || sink.activities[0] != "capturing=1" {
		t.Errorf("activities = %v", sink.activities)
	}
}

func TestRecorder_Run(t *testing.T) {
	gw := gateway.New(gateway.Options{})
	sink := newMemorySink()
	r := NewRecorder(gw, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Wait for the subscription before sending.
	deadline := time.Now().Add(time.Second)
	for gw.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	gw.Send(gateway.ReportMoving{Value: true})

	select {
	case <-sink.written:
	case <-time.After(time.Second):
		t.Fatal("report not recorded")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if gw.SubscriberCount() != 0 {
		t.Error("subscription leaked after Run returned")
	}
}
