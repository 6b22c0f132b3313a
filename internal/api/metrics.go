package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/agrivision-core/internal/process"
)

const bytesPerMB = 1 << 20

// SystemMetrics is the body of GET /api/v1/metrics. Optional transports
// appear only when they are configured.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Gateway       GatewayMetrics  `json:"gateway"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *mqtt.Stats     `json:"mqtt,omitempty"`
	CameraDaemon  *process.Stats  `json:"camera_daemon,omitempty"`
	InfluxDB      *influxdb.Stats `json:"influxdb,omitempty"`
	Database      *DBMetrics      `json:"database,omitempty"`
}

// RuntimeMetrics is the Go runtime's view of the process.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	HeapMB        float64 `json:"heap_mb"`
	SysMB         float64 `json:"sys_mb"`
	NumGC         uint32  `json:"num_gc"`
	LastGCSeconds float64 `json:"last_gc_seconds_ago,omitempty"`
}

// GatewayMetrics shows queue pressure between the transports and the
// orchestrator.
type GatewayMetrics struct {
	PendingRequests int    `json:"pending_requests"`
	Subscribers     int    `json:"subscribers"`
	DroppedReports  uint64 `json:"dropped_reports"`
}

// WSMetrics counts live websocket sessions and slow clients dropped.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	EvictedClients   uint64 `json:"evicted_clients"`
}

// DBMetrics combines file usage with pool counters. Usage is omitted when
// it cannot be read.
type DBMetrics struct {
	*database.Usage
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rt := RuntimeMetrics{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(mem.HeapAlloc) / bytesPerMB,
		SysMB:      float64(mem.Sys) / bytesPerMB,
		NumGC:      mem.NumGC,
	}
	if mem.LastGC > 0 {
		rt.LastGCSeconds = now.Sub(time.Unix(0, int64(mem.LastGC))).Seconds()
	}

	m := SystemMetrics{
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime).Seconds()),
		Runtime:       rt,
		Gateway: GatewayMetrics{
			PendingRequests: s.gw.Pending(),
			Subscribers:     s.gw.SubscriberCount(),
			DroppedReports:  s.gw.Dropped(),
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			EvictedClients:   s.hub.Evicted(),
		},
	}

	if s.mqtt != nil {
		st := s.mqtt.Stats()
		m.MQTT = &st
	}
	if s.daemon != nil {
		st := s.daemon.Stats()
		m.CameraDaemon = &st
	}
	if s.telemetry != nil {
		st := s.telemetry.Stats()
		m.InfluxDB = &st
	}
	if s.db != nil {
		pool := s.db.Stats()
		m.Database = &DBMetrics{
			OpenConnections: pool.OpenConnections,
			InUse:           pool.InUse,
			WaitCount:       pool.WaitCount,
		}
		if usage, err := s.db.Usage(r.Context()); err == nil {
			m.Database.Usage = &usage
		} else {
			s.logger.Warn("reading database usage", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, m)
}
