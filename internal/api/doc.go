// Package api implements the HTTP control API and WebSocket progress stream
// of a step scan station.
//
// Routes (all under /api/v1):
//
//	GET  /health            version and broker/telemetry link state
//	GET  /metrics           runtime, hub and per-route counters
//	GET  /scan/status       engine status or an idle station
//	GET  /scan/data         columns of the running scan
//	GET  /scan/info         scan message, estimate, file name and last error
//	GET  /scan/runs         run history, newest first
//	GET  /scan/requests     operator request audit trail
//	POST /scan/{request}    abort, pause or resume; body {"value": bool}
//	GET  /ws                WebSocket upgrade
//
// /scan responses are never cached.
//
// # WebSocket
//
// Clients subscribe to the "scan.progress" and "scan.status" channels. Unknown
// channels are returned in the response as rejected. A client may also send
// {"type":"request","payload":{"request":"pause"}}, which is handled the
// same way as the POST endpoint. Events for a client whose queue is full
// are dropped and counted in /metrics.
//
// # Architecture
//
// The API never drives an engine directly. Requests become interrupt flags
// through a control.Controller, and the engine sees them on its next poll,
// exactly as it would see flags set over MQTT or by another process sharing
// the status database.
//
// Every collaborator except the logger is optional. Without a controller the
// request endpoints answer 503, and the history endpoints do the same
// without a run store.
package api
