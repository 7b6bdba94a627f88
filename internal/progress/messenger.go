package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// WebSocket channels.
const (
	ChannelProgress = "scan.progress"
	ChannelStatus   = "scan.status"
)

// filenamePoints is how many leading points republish the output filename,
// so a viewer started just after the scan still learns it.
const filenamePoints = 3

// Logger is the logging interface used by the messenger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher publishes JSON to an MQTT topic. Satisfied by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// Broadcaster sends an event to WebSocket subscribers. Satisfied by *api.Hub.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// TelemetryWriter records points and runs. Satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteScanPoint(stationID, runID string, point int, values map[string]float64, ts time.Time)
	WriteRunSummary(s influxdb.RunSummary)
}

// Deps holds the messenger's collaborators. Only StationID is required.
type Deps struct {
	StationID string

	// MessagePoints logs "Point i/N" every this many points. Zero or
	// negative logs every point.
	MessagePoints int

	Store scan.StatusStore

	Publisher     Publisher
	ProgressTopic string
	StatusTopic   string

	Broadcaster Broadcaster
	Telemetry   TelemetryWriter

	Logger Logger
}

// Messenger is the progress reporting function of a scan engine.
type Messenger struct {
	deps   Deps
	logger Logger

	mu       sync.Mutex
	runID    string
	counters map[string][]float64
	order    []string
}

// New creates a Messenger.
func New(deps Deps) *Messenger {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if deps.MessagePoints <= 0 {
		deps.MessagePoints = 1
	}
	return &Messenger{deps: deps, logger: logger}
}

// Report handles one progress message. It has the scan.ReportFunc signature.
func (m *Messenger) Report(ctx context.Context, p scan.Progress) {
	msg := fmt.Sprintf("Point %d/%d", p.Point, p.Total)
	if p.Point%m.deps.MessagePoints == 0 {
		m.logger.Info(msg, "run_id", p.RunID, "remaining", p.Remaining.Round(time.Millisecond))
	}

	m.setInfo(ctx, scan.InfoScanMessage, msg)
	m.setInfo(ctx, scan.InfoTimeEstimate, p.Remaining.Seconds())
	if p.Point <= filenamePoints {
		m.setInfo(ctx, scan.InfoFilename, p.Filename)
	}

	m.updateScanData(ctx, p)

	if m.deps.Publisher != nil && m.deps.ProgressTopic != "" {
		if err := m.deps.Publisher.PublishJSON(m.deps.ProgressTopic, p, false); err != nil {
			m.logger.Warn("publishing scan progress", "point", p.Point, "error", err)
		}
	}
	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.Broadcast(ChannelProgress, p)
	}
	if m.deps.Telemetry != nil {
		m.deps.Telemetry.WriteScanPoint(m.deps.StationID, p.RunID, p.Point, fields(p), p.Time)
	}
}

// Finish publishes the final status of a run on every wired sink.
func (m *Messenger) Finish(st scan.Status) {
	m.PublishStatus(st)
	if m.deps.Telemetry != nil {
		m.deps.Telemetry.WriteRunSummary(influxdb.RunSummary{
			StationID: m.deps.StationID,
			RunID:     st.RunID,
			Exit:      string(st.Exit),
			Points:    st.Points,
			Total:     st.TotalPoints,
			Duration:  st.Timing.Total,
			Time:      time.Now(),
		})
	}
}

// PublishStatus sends st as the retained station status and to WebSocket
// subscribers.
func (m *Messenger) PublishStatus(st scan.Status) {
	if m.deps.Publisher != nil && m.deps.StatusTopic != "" {
		if err := m.deps.Publisher.PublishJSON(m.deps.StatusTopic, st, true); err != nil {
			m.logger.Warn("publishing scan status", "run_id", st.RunID, "error", err)
		}
	}
	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.Broadcast(ChannelStatus, st)
	}
}

func (m *Messenger) setInfo(ctx context.Context, key string, value any) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.SetInfo(ctx, key, value); err != nil {
		m.logger.Warn("setting scan info", "key", key, "error", err)
	}
}

// updateScanData appends this point's counter values to their columns and
// stores the full columns. A new run ID starts fresh columns.
func (m *Messenger) updateScanData(ctx context.Context, p scan.Progress) {
	m.mu.Lock()
	if p.RunID != m.runID {
		m.runID = p.RunID
		m.counters = make(map[string][]float64, len(p.Counters))
		m.order = m.order[:0]
	}
	snapshot := make(map[string][]float64, len(p.Counters))
	for _, c := range p.Counters {
		col, seen := m.counters[c.Name]
		if !seen {
			m.order = append(m.order, c.Name)
		}
		col = append(col, c.Scalar())
		m.counters[c.Name] = col
		snapshot[c.Name] = append([]float64(nil), col...)
	}
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	if m.deps.Store == nil {
		return
	}
	for _, name := range order {
		values, ok := snapshot[name]
		if !ok {
			continue
		}
		if err := m.deps.Store.SetScanData(ctx, name, values); err != nil {
			m.logger.Warn("setting scan data", "column", name, "error", err)
		}
	}
}

// Columns returns a copy of the counter columns accumulated for the
// current run.
func (m *Messenger) Columns() map[string][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]float64, len(m.counters))
	for k, v := range m.counters {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// fields flattens positions and counters into telemetry fields.
func fields(p scan.Progress) map[string]float64 {
	out := make(map[string]float64, len(p.Positions)+len(p.Counters))
	for _, r := range p.Positions {
		out[r.Name] = r.Scalar()
	}
	for _, r := range p.Counters {
		out[r.Name] = r.Scalar()
	}
	return out
}
