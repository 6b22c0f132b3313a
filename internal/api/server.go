package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/agrivision-core/internal/audit"
	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/agrivision-core/internal/process"
	"github.com/nerrad567/agrivision-core/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BrokerStats reports the MQTT connection for the metrics endpoint.
type BrokerStats interface {
	Stats() mqtt.Stats
}

// DaemonStats reports the supervised camera daemon for the metrics endpoint.
type DaemonStats interface {
	Stats() process.Stats
}

// TelemetryStats reports the InfluxDB writer for the metrics endpoint.
type TelemetryStats interface {
	Stats() influxdb.Stats
}

// Database is the slice of *database.DB the health and metrics endpoints
// read.
type Database interface {
	Stats() sql.DBStats
	Usage(ctx context.Context) (database.Usage, error)
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Gateway   *gateway.Gateway
	Store     store.Store
	Audit     audit.Repository // optional
	DB        Database         // optional
	MQTT      BrokerStats      // optional
	Daemon    DaemonStats      // optional
	Telemetry TelemetryStats   // optional
	Version   string
}

// Server is the HTTP transport of the gateway.
//
// Requests posted to /api/v1/push or sent over the websocket are queued on
// the gateway; reports are streamed back over /api/v1/pull and the
// websocket. Read-only history endpoints query the store directly.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	gw        *gateway.Gateway
	store     store.Store
	audit     audit.Repository
	db        Database
	mqtt      BrokerStats
	daemon    DaemonStats
	telemetry TelemetryStats
	version   string
	startTime time.Time

	server  *http.Server
	addr    string
	hub     *Hub
	cancel  context.CancelFunc
	done    chan struct{}
	hubDone chan struct{}
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, gateway, store)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.Component("api"),
		gw:        deps.Gateway,
		store:     deps.Store,
		audit:     deps.Audit,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		daemon:    deps.Daemon,
		telemetry: deps.Telemetry,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.Gateway, s.logger)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the websocket hub relay and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub relay
//
// Returns:
//   - error: If the listener cannot be opened (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.hubDone = make(chan struct{})

	// Subscribe before serving so no report sent after Serve returns is missed.
	sub := s.gw.Subscribe()
	go func() {
		defer close(s.hubDone)
		s.hub.Run(hubCtx, sub)
	}()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return hubCtx },
	}

	s.addr = ln.Addr().String()
	s.logger.Info("API server starting", "address", s.addr)
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	return s.addr
}

// Run starts the server and blocks until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close gracefully shuts down the API server.
//
// Open pull streams and websocket clients are closed first, then in-flight
// requests get up to 10 seconds to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	<-s.done
	<-s.hubDone
	s.hub.Wait()
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
