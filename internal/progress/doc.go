// Package progress fans scan progress out to operators.
//
// Messenger.Report is a scan.ReportFunc. For every accepted point it logs
// "Point i/N" every MessagePoints points, updates the status store (message,
// time estimate, filename, accumulated counter columns) and, when wired,
// publishes the point on MQTT, broadcasts it on the WebSocket hub and
// writes it to InfluxDB. Every sink is optional and failures are logged,
// never returned: a dead broker must not stop a scan.
package progress
