package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when mqtt.topic_prefix is empty.
const DefaultTopicPrefix = "stepscan"

// Scan request names carried as the last topic level of a request topic.
const (
	RequestAbort  = "abort"
	RequestPause  = "pause"
	RequestResume = "resume"
)

// Topics builds the step scan topic hierarchy under a prefix:
//
//	{prefix}/scan/{station}/presence                online/offline (retained, LWT)
//	{prefix}/scan/{station}/status                  run status (retained)
//	{prefix}/scan/{station}/progress                one message per accepted point
//	{prefix}/scan/{station}/request/{abort|pause|resume}
//
// Station IDs must not contain '/', '+' or '#'.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Presence returns the retained online/offline topic of a station's
// scan process.
//
// Example: stepscan/scan/bm-1/presence
func (t Topics) Presence(stationID string) string {
	return fmt.Sprintf("%s/scan/%s/presence", t.prefix(), stationID)
}

// ScanStatus returns the retained run status topic for a station.
//
// Example: stepscan/scan/bm-1/status
func (t Topics) ScanStatus(stationID string) string {
	return fmt.Sprintf("%s/scan/%s/status", t.prefix(), stationID)
}

// ScanProgress returns the per-point progress topic for a station.
//
// Example: stepscan/scan/bm-1/progress
func (t Topics) ScanProgress(stationID string) string {
	return fmt.Sprintf("%s/scan/%s/progress", t.prefix(), stationID)
}

// ScanRequest returns the topic an operator publishes a request to.
//
// Example: stepscan/scan/bm-1/request/abort
func (t Topics) ScanRequest(stationID, request string) string {
	return fmt.Sprintf("%s/scan/%s/request/%s", t.prefix(), stationID, request)
}

// AllScanRequests returns a pattern matching every request for a station.
//
// Pattern: stepscan/scan/bm-1/request/+
func (t Topics) AllScanRequests(stationID string) string {
	return fmt.Sprintf("%s/scan/%s/request/+", t.prefix(), stationID)
}

// ParseScanRequest extracts the station and request name from a request
// topic. ok is false for any other topic.
func (t Topics) ParseScanRequest(topic string) (stationID, request string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/scan/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "request" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
