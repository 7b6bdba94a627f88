// Package mqtt connects the step scan service to an MQTT broker.
//
// The broker carries three kinds of traffic for a station:
//   - run status, retained, so a newly started viewer sees the current scan
//   - per-point progress messages published by the messenger
//   - operator requests (abort, pause, resume) consumed by the control package
//
// Topic names are built by Topics; see its documentation for the hierarchy.
// A retained Last Will on {prefix}/scan/{station}/presence lets viewers
// detect a crashed scan process.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Station.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().ScanStatus("bm-1"), status, true)
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) whenever the broker is off-host
//   - Request topics should be restricted by broker ACL to operator accounts
package mqtt
