// Package influxdb writes scan telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every accepted scan
// point becomes one "scan_point" record tagged with the station and run,
// carrying each position and counter value as a field. A "scan_run" record
// is written when a run ends.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteScanPoint("bm-1", runID, 3, map[string]float64{"x": 1.5, "i0": 1204}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// errors are delivered to the SetOnError callback.
package influxdb
