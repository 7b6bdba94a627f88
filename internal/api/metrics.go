package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	StationID     string         `json:"station_id"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Scan          ScanMetrics    `json:"scan"`
	MQTT          string         `json:"mqtt"`
	InfluxDB      string         `json:"influxdb"`

	// HTTP is keyed by "METHOD /route/pattern".
	HTTP map[string]RouteMetrics `json:"http"`
}

// RouteMetrics counts requests served on one route.
type RouteMetrics struct {
	Requests int64   `json:"requests"`
	Errors   int64   `json:"errors"`
	MeanMs   float64 `json:"mean_ms"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// ScanMetrics summarises the current or most recent run.
type ScanMetrics struct {
	Running      bool   `json:"running"`
	Phase        string `json:"phase"`
	CurrentPoint int    `json:"current_point"`
	TotalPoints  int    `json:"total_points"`
	Points       int    `json:"points"`
}

// handleMetrics returns runtime and scan metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		StationID:     s.stationID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Scan:     ScanMetrics{Phase: "idle"},
		MQTT:     connected(s.mqtt),
		InfluxDB: connected(s.influx),
		HTTP:     s.routes.snapshot(),
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
		metrics.WebSocket.DroppedEvents = s.hub.Dropped()
	}

	if s.status != nil {
		st := s.status.Status()
		metrics.Scan = ScanMetrics{
			Running:      s.status.Running(),
			Phase:        string(st.Phase),
			CurrentPoint: st.CurrentPoint,
			TotalPoints:  st.TotalPoints,
			Points:       st.Points,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
