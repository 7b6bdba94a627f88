// Step Scan - point-by-point scan execution for beamline stations
//
// This is the main entry point of the stepscan service. It wires the scan
// engine to its status database, output files and operator control
// surfaces (REST, WebSocket, MQTT), then runs a simulated scan.
//
// Signals:
//   - SIGINT during a scan requests an abort; the scan unwinds normally.
//   - A second SIGINT, or SIGINT while idle, shuts the process down.
//   - SIGTERM shuts down immediately.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-stepscan/migrations"

	"github.com/nerrad567/gray-logic-stepscan/internal/api"
	"github.com/nerrad567/gray-logic-stepscan/internal/control"
	"github.com/nerrad567/gray-logic-stepscan/internal/datafile"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-stepscan/internal/progress"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// recordTimeout bounds writing the run history after a scan, which may
// happen after the main context was cancelled.
const recordTimeout = 5 * time.Second

// options are the command line flags.
type options struct {
	configPath string
	repeat     int
	points     int
	mesh       bool
	dwell      time.Duration
	filename   string
	comment    string
	serve      bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(ctx, opts, interrupts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("stepscan", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", getConfigPath(), "configuration file (built-in defaults if it does not exist)")
	fs.IntVar(&o.repeat, "repeat", 1, "number of scans to run")
	fs.IntVar(&o.points, "points", 21, "points along the scan axis")
	fs.BoolVar(&o.mesh, "mesh", false, "run a two-dimensional mesh scan")
	fs.DurationVar(&o.dwell, "dwell", 100*time.Millisecond, "count time per point")
	fs.StringVar(&o.filename, "filename", "", "output file name (default from config)")
	fs.StringVar(&o.comment, "comment", "", "comment written to the output header")
	fs.BoolVar(&o.serve, "serve", false, "keep serving the API after the scans finish")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.repeat < 1 {
		return o, fmt.Errorf("-repeat must be at least 1")
	}
	if o.points < 1 {
		return o, fmt.Errorf("-points must be at least 1")
	}
	return o, nil
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context, opts options, interrupts <-chan os.Signal) error { //nolint:gocognit,gocyclo // Startup wiring: one optional backend after another
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.Default()
	log.Info("starting stepscan",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath, "station", cfg.Station.ID)

	// Status database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("status database ready", "path", cfg.Database.Path)

	runStore := scandb.NewSQLiteStore(db.DB)
	var (
		store    scan.StatusStore
		scanData api.ScanDataFunc
		info     api.InfoFunc
	)
	if cfg.Scan.UseStatusDB {
		store = runStore
		scanData = runStore.ScanData
		info = func(ctx context.Context) (map[string]any, error) {
			raw, err := runStore.AllInfo(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(raw))
			for k, v := range raw {
				out[k] = v
			}
			return out, nil
		}
	} else {
		local := scan.NewLocalStore()
		store = local
		scanData = func(context.Context) ([]scan.Column, error) { return local.ScanData(), nil }
		info = func(context.Context) (map[string]any, error) { return local.AllInfo(), nil }
	}
	controller := control.NewController(store, log.Component("control"))

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, cfg.Station.ID)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			st := mqttClient.Stats()
			log.Info("disconnecting from MQTT", "received", st.Received, "handler_errors", st.HandlerErrors)
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		sub := control.NewSubscriber(mqttClient, controller, mqttClient.Topics(), cfg.Station.ID, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0..2
		if subErr := sub.Start(); subErr != nil {
			return fmt.Errorf("subscribing to scan requests: %w", subErr)
		}
		defer sub.Stop() //nolint:errcheck // Best-effort on shutdown
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "write_errors", influxClient.WriteErrors())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Progress fan-out
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	msgDeps := progress.Deps{
		StationID:     cfg.Station.ID,
		MessagePoints: cfg.Scan.MessagePoints,
		Store:         store,
		Broadcaster:   hub,
		Logger:        log.Component("progress"),
	}
	if mqttClient != nil {
		msgDeps.Publisher = mqttClient
		msgDeps.ProgressTopic = mqttClient.Topics().ScanProgress(cfg.Station.ID)
		msgDeps.StatusTopic = mqttClient.Topics().ScanStatus(cfg.Station.ID)
	}
	if influxClient != nil {
		msgDeps.Telemetry = influxClient
	}
	messenger := progress.New(msgDeps)

	// Engine
	plan, err := buildPlan(opts, cfg.Station)
	if err != nil {
		return fmt.Errorf("building scan plan: %w", err)
	}
	engine := scan.NewEngine(plan, scan.Deps{
		Timing:   cfg.Scan.Timing(),
		Store:    store,
		OpenSink: datafile.Factory(cfg.Scan.OutputDir, cfg.Scan.Filename, cfg.Scan.AutoIncrement),
		Report:   messenger.Report,
		Logger:   log.Component("scan"),
	})
	controller.SetRecorder(runStore, cfg.Station.ID, func() string {
		if engine.Running() {
			return engine.Status().RunID
		}
		return ""
	})

	// API (optional)
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.Component("api"),
			StationID:   cfg.Station.ID,
			Status:      engine,
			Controller:  controller,
			Runs:        runStore,
			Requests:    runStore,
			ScanData:    scanData,
			Info:        info,
			ExternalHub: hub,
			Version:     version,
		}
		if mqttClient != nil {
			apiDeps.MQTT = mqttClient
		}
		if influxClient != nil {
			apiDeps.InfluxDB = influxClient
		}
		srv, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	go watchInterrupts(ctx, interrupts, engine, controller, cancel, log)

	runOpts := scan.RunOptions{Filename: opts.filename}
	if opts.comment != "" {
		runOpts.Comments = []string{opts.comment}
	}
	for i := 1; i <= opts.repeat && ctx.Err() == nil; i++ {
		log.Info("starting scan", "repeat", i, "of", opts.repeat, "points", plan.NumPoints())
		path, runErr := engine.Run(ctx, runOpts)
		st := engine.Status()
		finishRun(ctx, messenger, runStore, cfg.Station.ID, st, log)
		if runErr != nil {
			return fmt.Errorf("scan %d: %w", i, runErr)
		}
		log.Info("scan finished",
			"run_id", st.RunID,
			"exit", st.Exit,
			"points", st.Points,
			"file", path,
			"duration", st.Timing.Total.Round(time.Millisecond),
		)
		if st.Exit != scan.ExitNormal {
			break
		}
	}

	if opts.serve && cfg.API.Enabled {
		log.Info("scans done, serving API until shutdown")
		<-ctx.Done()
	}

	log.Info("stepscan stopped")
	return nil
}

// loadConfig reads path, or falls back to built-in defaults when it does
// not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// finishRun publishes and records the final status of a run.
func finishRun(ctx context.Context, m *progress.Messenger, runs *scandb.SQLiteStore, stationID string, st scan.Status, log *logging.Logger) {
	if st.RunID == "" {
		return
	}
	m.Finish(st)

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := runs.RecordRun(recCtx, stationID, st); err != nil {
		log.Error("recording run", "run_id", st.RunID, "error", err)
	}
}

// watchInterrupts turns SIGINT into an operator abort while a scan runs.
// SIGINT with no scan running, or a second SIGINT, cancels the process.
func watchInterrupts(ctx context.Context, sig <-chan os.Signal, engine *scan.Engine, c *control.Controller, cancel context.CancelFunc, log *logging.Logger) {
	var (
		abortSent bool
		abortedID string
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
		}

		runID := engine.Status().RunID
		if engine.Running() && (!abortSent || runID != abortedID) {
			log.Warn("interrupt received, aborting scan (interrupt again to exit)", "run_id", runID)
			if err := c.RequestFrom(ctx, scandb.SourceSignal, control.RequestAbort, true); err != nil {
				log.Error("requesting abort", "error", err)
			}
			abortSent, abortedID = true, runID
			continue
		}

		log.Info("interrupt received, shutting down")
		cancel()
		return
	}
}

func getConfigPath() string {
	if path := os.Getenv("STEPSCAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
