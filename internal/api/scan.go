package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-stepscan/internal/control"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// maxRunsLimit caps the run history page size.
const maxRunsLimit = 500

// ScanStatusResponse is the body of GET /scan/status.
type ScanStatusResponse struct {
	StationID string          `json:"station_id"`
	Running   bool            `json:"running"`
	Status    scan.Status     `json:"status"`
	Requests  map[string]bool `json:"requests,omitempty"`
}

// ScanRequestBody is the optional body of POST /scan/{request}. An empty
// body sets the request; {"value": false} withdraws it.
type ScanRequestBody struct {
	Value *bool `json:"value"`
}

// handleScanStatus returns the engine state and the pending operator requests.
func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	resp := ScanStatusResponse{
		StationID: s.stationID,
		Status:    scan.Status{Phase: scan.PhaseIdle},
	}
	if s.status != nil {
		resp.Running = s.status.Running()
		resp.Status = s.status.Status()
	}
	if s.controller != nil {
		flags, err := s.controller.Flags(r.Context())
		if err != nil {
			s.logger.Error("reading request flags", "error", err)
			writeInternalError(w, "failed to read request flags")
			return
		}
		resp.Requests = flags
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScanInfo returns the status info values, such as the scan message
// and the time estimate.
func (s *Server) handleScanInfo(w http.ResponseWriter, r *http.Request) {
	if s.info == nil {
		writeUnavailable(w, "scan info is not available")
		return
	}
	info, err := s.info(r.Context())
	if err != nil {
		s.logger.Error("reading scan info", "error", err)
		writeInternalError(w, "failed to read scan info")
		return
	}
	if info == nil {
		info = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"info": info})
}

// handleScanData returns the live scan data columns.
func (s *Server) handleScanData(w http.ResponseWriter, r *http.Request) {
	if s.scanData == nil {
		writeUnavailable(w, "scan data is not available")
		return
	}
	cols, err := s.scanData(r.Context())
	if err != nil {
		s.logger.Error("reading scan data", "error", err)
		writeInternalError(w, "failed to read scan data")
		return
	}
	if cols == nil {
		cols = []scan.Column{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": cols,
		"count":   len(cols),
	})
}

// handleListRuns returns recorded runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeUnavailable(w, "run history requires the status database")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.Runs(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []scandb.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleListRequests returns the operator request audit trail, newest first.
// Optional query parameters: request, source, limit.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeUnavailable(w, "request log requires the status database")
		return
	}

	q := r.URL.Query()
	filter := scandb.RequestFilter{
		Request: q.Get("request"),
		Source:  q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	reqs, err := s.requests.Requests(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing requests", "error", err)
		writeInternalError(w, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// handleScanRequest sets or clears an abort, pause or resume request.
func (s *Server) handleScanRequest(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeUnavailable(w, "scan control is not available")
		return
	}

	name := chi.URLParam(r, "request")
	value := true
	var body ScanRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return
		}
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Value != nil {
		value = *body.Value
	}

	if err := s.controller.RequestFrom(r.Context(), scandb.SourceAPI, name, value); err != nil {
		if errors.Is(err, control.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, CodeUnknownRequest, "unknown scan request: "+name)
			return
		}
		s.logger.Error("scan request failed", "request", name, "error", err)
		writeInternalError(w, "failed to record request")
		return
	}

	running := s.status != nil && s.status.Running()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request": name,
		"value":   value,
		"running": running,
	})
}
