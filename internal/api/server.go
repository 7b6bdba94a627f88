// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/control"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-stepscan/internal/progress"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

var _ progress.Broadcaster = (*Hub)(nil)

// StatusSource reports the state of the scan engine. Satisfied by *scan.Engine.
type StatusSource interface {
	Status() scan.Status
	Running() bool
}

// RunStore lists recorded runs. Satisfied by *scandb.SQLiteStore.
type RunStore interface {
	Runs(ctx context.Context, limit int) ([]scandb.Run, error)
}

// RequestLog lists the operator request audit trail. Satisfied by
// *scandb.SQLiteStore.
type RequestLog interface {
	Requests(ctx context.Context, filter scandb.RequestFilter) ([]scandb.Request, error)
}

// ScanDataFunc returns the live scan data columns.
type ScanDataFunc func(ctx context.Context) ([]scan.Column, error)

// InfoFunc returns the status info values published by the engine and the
// progress messenger.
type InfoFunc func(ctx context.Context) (map[string]any, error)

// ConnectionChecker reports whether an optional backend is connected.
// Satisfied by *mqtt.Client and *influxdb.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	StationID  string
	Status     StatusSource
	Controller *control.Controller
	Runs       RunStore
	Requests   RequestLog
	ScanData   ScanDataFunc
	Info       InfoFunc
	MQTT       ConnectionChecker
	InfluxDB   ConnectionChecker

	// If set, the server uses this hub instead of creating its own. The
	// progress messenger needs the hub before the server starts.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server of one scan station.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	stationID  string
	status     StatusSource
	controller *control.Controller
	runs       RunStore
	requests   RequestLog
	scanData   ScanDataFunc
	info       InfoFunc
	mqtt       ConnectionChecker
	influx     ConnectionChecker
	version    string
	startTime  time.Time
	routes     *routeStats
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		stationID:  deps.StationID,
		status:     deps.Status,
		controller: deps.Controller,
		runs:       deps.Runs,
		requests:   deps.Requests,
		scanData:   deps.ScanData,
		info:       deps.Info,
		mqtt:       deps.MQTT,
		influx:     deps.InfluxDB,
		version:    deps.Version,
		startTime:  time.Now(),
		routes:     newRouteStats(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
	}

	return s, nil
}

// Hub returns the WebSocket hub, or nil before Start when none was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub unless one was injected,
// and launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}
	if s.status != nil {
		s.hub.SetSnapshot(progress.ChannelStatus, func() any { return s.status.Status() })
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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
	return nil
}

// HealthCheck verifies the API server is running.
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
