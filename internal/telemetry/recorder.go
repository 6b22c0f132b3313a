// Package telemetry mirrors gateway reports into a time-series sink so
// growth stages, waterings and actuator duty can be charted over time.
package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
)

// Sink is the write side of influxdb.Client.
type Sink interface {
	WriteCheck(p influxdb.CheckPoint)
	WriteWatering(x, y int, at time.Time)
	WriteActivity(activity string, active bool, at time.Time)
}

// Recorder subscribes to a gateway and writes every relevant report.
type Recorder struct {
	gw     *gateway.Gateway
	sink   Sink
	now    func() time.Time
	logger *logging.Logger
}

// NewRecorder creates a recorder. now timestamps activity reports, which
// carry no time of their own.
func NewRecorder(gw *gateway.Gateway, sink Sink, now func() time.Time, logger *logging.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{gw: gw, sink: sink, now: now, logger: logger.Component("telemetry")}
}

// Run records reports until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.gw.Subscribe()
	defer r.gw.Unsubscribe(sub)

	r.logger.Info("telemetry recorder started")
	for {
		msg, ok := sub.Recv(ctx)
		if !ok {
			return ctx.Err()
		}
		r.Record(msg)
	}
}

// Record writes one report. Reports without telemetry value are ignored.
func (r *Recorder) Record(msg gateway.Outgoing) {
	switch m := msg.(type) {
	case gateway.ReportCheckDone:
		r.sink.WriteCheck(influxdb.CheckPoint{
			X:      m.X,
			Y:      m.Y,
			Stage:  m.Stage,
			Left:   m.Left,
			Top:    m.Top,
			Width:  m.Right - m.Left,
			Height: m.Bottom - m.Top,
			Time:   m.Timestamp,
		})
	case gateway.ReportWaterDone:
		r.sink.WriteWatering(m.X, m.Y, m.Timestamp)
	case gateway.ReportMoving:
		r.sink.WriteActivity("moving", m.Value, r.now())
	case gateway.ReportWatering:
		r.sink.WriteActivity("watering", m.Value, r.now())
	case gateway.ReportCapturing:
		r.sink.WriteActivity("capturing", m.Value, r.now())
	}
}
