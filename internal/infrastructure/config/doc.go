// Package config loads the station configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// STEPSCAN_* environment variables. Validate reports every problem at once
// rather than stopping at the first.
//
// Secrets (broker password, InfluxDB token) belong in the environment, not
// the file:
//
//	STEPSCAN_MQTT_PASSWORD=... STEPSCAN_INFLUXDB_TOKEN=... stepscan -config configs/config.yaml
//
// Engine timing comes from the scan section:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	engine := scan.NewEngine(plan, cfg.Scan.Timing(), opts...)
package config
