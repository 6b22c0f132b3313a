// AgriVision Core - automated plant monitoring and watering rig
//
// This is the main entry point for the AgriVision Core application.
// AgriVision drives an X/Y gantry carrying a camera and a watering valve:
//   - Periodic scans classify the growth stage of every registered pot
//   - Pots are watered on a per-stage schedule
//   - Remote clients push commands and pull reports over HTTP, WebSocket or MQTT
//
// Run without a subcommand to start the service; see --help for the
// maintenance commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/agrivision-core/internal/actuator"
	"github.com/nerrad567/agrivision-core/internal/api"
	"github.com/nerrad567/agrivision-core/internal/audit"
	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/agrivision-core/internal/motion"
	"github.com/nerrad567/agrivision-core/internal/orchestrator"
	"github.com/nerrad567/agrivision-core/internal/process"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/internal/telemetry"
	"github.com/nerrad567/agrivision-core/internal/vision"
	"github.com/nerrad567/agrivision-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C and SIGTERM so every component shuts down cleanly
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command runs the service.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agrivision",
		Short:         "AgriVision Core - plant monitoring and watering rig",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $AGRIVISION_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the rig service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(configPath))
		},
	})
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(positionsCmd(&configPath))
	root.AddCommand(profileCmd(&configPath))

	return root
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown (signal or shutdown request), or error
//     describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AgriVision Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	repo := store.NewSQLiteRepository(db.DB)
	trail := audit.NewSQLiteRepository(db.DB)

	gw := gateway.New(gateway.Options{
		InboundSize:  cfg.Gateway.InboundSize,
		OutboundSize: cfg.Gateway.OutboundSize,
		Policy:       gateway.Policy(cfg.Gateway.OverflowPolicy),
		BlockTimeout: cfg.Gateway.BlockTimeout,
		Logger:       log,
	})

	camera, err := newCamera(cfg.Camera)
	if err != nil {
		return err
	}
	detector, err := newDetector(cfg.Detector)
	if err != nil {
		return err
	}

	// The orchestrator comes first: its Observe method is the actuator's
	// activity observer.
	orch := orchestrator.New(orchestrator.Options{
		Gateway:      gw,
		Store:        repo,
		Detector:     detector,
		Audit:        trail,
		ScanInterval: cfg.Automation.ScanInterval,
		AutoWater:    cfg.Automation.AutoWater,
		AutoCheck:    cfg.Automation.AutoCheck,
		Logger:       log,
	})

	profile, err := loadProfile(cfg.Actuator, log)
	if err != nil {
		return err
	}
	lines, err := actuator.OpenLines(cfg.Actuator.GPIOChip, profile)
	if err != nil {
		return fmt.Errorf("opening GPIO lines: %w", err)
	}
	defer func() {
		log.Info("releasing GPIO lines")
		if closeErr := lines.Close(); closeErr != nil {
			log.Error("error releasing GPIO lines", "error", closeErr)
		}
	}()

	act, err := actuator.New(actuator.Options{
		Lines:    lines,
		Camera:   camera,
		Detector: detector,
		Timing: motion.Timing{
			PulseWidth:  cfg.Actuator.PulseWidth,
			SettleDelay: cfg.Actuator.SettleDelay,
		},
		Profile:     profile,
		ProfilePath: cfg.Actuator.ProfilePath,
		Observer:    orch.Observe,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating actuator: %w", err)
	}
	orch.SetActuator(act)
	x, y := act.Position()
	log.Info("actuator ready",
		"chip", cfg.Actuator.GPIOChip,
		"x", x,
		"y", y,
		"needs_homing", act.NeedsHoming(),
	)

	// Long-running components start only once everything is built.
	tasks := []func(context.Context) error{orch.Run}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Gateway: gw,
		Store:   repo,
		Audit:   trail,
		DB:      db,
		Version: version,
	}

	// Connect to MQTT broker (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge := gateway.NewBridge(mqttClient, gw, mqttClient.Topics(), byte(cfg.MQTT.QoS), log) //nolint:gosec // QoS validated 0-2
		tasks = append(tasks, bridge.Run)
		deps.MQTT = mqttClient
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(writeErr error) {
			log.Warn("InfluxDB write error", "error", writeErr)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL)

		recorder := telemetry.NewRecorder(gw, influxClient, nil, log)
		deps.Telemetry = influxClient
		tasks = append(tasks, recorder.Run)
	}

	// Supervise the camera streaming daemon (optional)
	if cfg.Camera.Daemon.Managed {
		sup := process.New(process.ConfigFromCamera(cfg.Camera), log.Component("camera-daemon"))
		tasks = append(tasks, sup.Run)
		deps.Daemon = sup
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	tasks = append(tasks, server.Run)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	log.Info("AgriVision Core started",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"camera", cfg.Camera.Driver,
		"detector", cfg.Detector.Driver,
	)

	err = g.Wait()
	switch {
	case errors.Is(err, orchestrator.ErrStopped):
		log.Info("shutdown requested by client")
	case err == nil, ctx.Err() != nil:
		log.Info("shutdown signal received")
	default:
		return err
	}

	log.Info("AgriVision Core stopped")
	return nil
}

// openDatabase opens the SQLite database and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // migration error wins
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// loadProfile returns the persisted actuator profile, falling back to the
// configured pins and speeds at the origin on first start.
func loadProfile(cfg config.ActuatorConfig, log *logging.Logger) (actuator.Profile, error) {
	if cfg.ProfilePath != "" {
		p, ok, err := actuator.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return actuator.Profile{}, err
		}
		if ok {
			log.Info("actuator profile loaded", "path", cfg.ProfilePath)
			return p, nil
		}
	}
	log.Info("no actuator profile found, starting at origin")
	return actuator.ProfileFromConfig(cfg), nil
}

// newCamera selects the image source for cfg.Driver.
func newCamera(cfg config.CameraConfig) (vision.Camera, error) {
	switch cfg.Driver {
	case "", "stub":
		return vision.StubCamera{Width: 640, Height: 480}, nil
	case "file":
		return vision.FileCamera{Path: cfg.File}, nil
	case "command":
		return vision.CommandCamera{Command: cfg.Command, Args: cfg.Args, Timeout: cfg.Timeout}, nil
	case "snapshot":
		return vision.NewSnapshotCamera(cfg.SnapshotURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown camera driver %q", cfg.Driver)
	}
}

// newDetector selects the detection backend for cfg.Driver and wraps it so
// only the box nearest the frame centre is kept.
func newDetector(cfg config.DetectorConfig) (vision.Detector, error) {
	var backend vision.Backend
	switch cfg.Driver {
	case "", "stub":
		backend = vision.StubBackend{Class: cfg.StubClass}
	case "roboflow":
		backend = vision.NewRoboflow(vision.RoboflowConfig{
			URL:     cfg.URL,
			Project: cfg.Project,
			Version: cfg.Version,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown detector driver %q", cfg.Driver)
	}
	return vision.NewCenterDetector(backend), nil
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then AGRIVISION_CONFIG, then the default.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("AGRIVISION_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
