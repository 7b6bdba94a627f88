package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementScanPoint = "scan_point"
	MeasurementScanRun   = "scan_run"
)

// WriteScanPoint records one accepted scan point. Keys of values become
// field names; NaN and infinite values are dropped since InfluxDB cannot
// store them.
func (c *Client) WriteScanPoint(stationID, runID string, point int, values map[string]float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(scanPoint(stationID, runID, point, values, ts))
}

// RunSummary is the final record of one run.
type RunSummary struct {
	StationID string
	RunID     string
	Exit      string
	Points    int
	Total     int
	Duration  time.Duration
	Time      time.Time
}

// WriteRunSummary records the end of a run.
func (c *Client) WriteRunSummary(s RunSummary) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(runPoint(s))
}

func scanPoint(stationID, runID string, point int, values map[string]float64, ts time.Time) *write.Point {
	fields := make(map[string]interface{}, len(values)+1)
	fields["point"] = point
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		fields[k] = v
	}
	return write.NewPoint(
		MeasurementScanPoint,
		map[string]string{
			"station_id": stationID,
			"run_id":     runID,
		},
		fields,
		ts,
	)
}

func runPoint(s RunSummary) *write.Point {
	return write.NewPoint(
		MeasurementScanRun,
		map[string]string{
			"station_id": s.StationID,
			"run_id":     s.RunID,
			"exit":       s.Exit,
		},
		map[string]interface{}{
			"points":     s.Points,
			"total":      s.Total,
			"duration_s": s.Duration.Seconds(),
		},
		s.Time,
	)
}
