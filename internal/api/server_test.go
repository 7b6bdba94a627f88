package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-stepscan/internal/control"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-stepscan/internal/progress"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
	_ "github.com/nerrad567/gray-logic-stepscan/migrations"
)

// ─── Fixtures ───────────────────────────────────────────────────────

type fakeStatus struct {
	running bool
	status  scan.Status
}

func (f *fakeStatus) Status() scan.Status { return f.status }
func (f *fakeStatus) Running() bool       { return f.running }

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

type testEnv struct {
	srv    *Server
	store  *scandb.SQLiteStore
	status *fakeStatus
	hub    *Hub
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

func testAPIConfig(port int) config.APIConfig {
	return config.APIConfig{
		Host: "127.0.0.1",
		Port: port,
		Timeouts: config.APITimeoutConfig{
			Read:  5,
			Write: 5,
			Idle:  5,
		},
	}
}

// testServer creates a Server backed by an in-memory status database.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store := scandb.NewSQLiteStore(db.DB)

	log := testLogger()
	hub := NewHub(testWSConfig(), log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	status := &fakeStatus{status: scan.Status{Phase: scan.PhaseIdle}}
	controller := control.NewController(store, nil)
	controller.SetRecorder(store, "bm-1", func() string { return status.status.RunID })
	srv, err := New(Deps{
		Config:      testAPIConfig(0),
		WS:          testWSConfig(),
		Logger:      log,
		StationID:   "bm-1",
		Status:      status,
		Controller:  controller,
		Runs:        store,
		Requests:    store,
		ScanData:    store.ScanData,
		Info: func(ctx context.Context) (map[string]any, error) {
			raw, err := store.AllInfo(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(raw))
			for k, v := range raw {
				out[k] = v
			}
			return out, nil
		},
		MQTT:        fakeConn(true),
		ExternalHub: hub,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return &testEnv{srv: srv, store: store, status: status, hub: hub}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

// ─── Construction ───────────────────────────────────────────────────

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}

// ─── Health and middleware ──────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)
	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	decodeBody(t, w, &body)
	tests := map[string]string{
		"status":     "ok",
		"version":    "test",
		"station_id": "bm-1",
		"mqtt":       "connected",
		"influxdb":   "disabled",
	}
	for key, want := range tests {
		if body[key] != want {
			t.Errorf("%s = %v, want %q", key, body[key], want)
		}
	}
}

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)
	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"any origin by default", nil, "http://localhost:3000", "http://localhost:3000"},
		{"listed origin", []string{"http://viewer.local"}, "http://viewer.local", "http://viewer.local"},
		{"wildcard", []string{"*"}, "http://elsewhere", "http://elsewhere"},
		{"unlisted origin", []string{"http://viewer.local"}, "http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			env.srv.cfg.CORS.AllowedOrigins = tt.allowed

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/scan/abort", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			env.srv.buildRouter().ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("ACAO = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var e ErrorResponse
	decodeBody(t, w, &e)
	if e.Code != CodeNotFound || e.RequestID == "" {
		t.Errorf("error = %+v, want %q with a request id", e, CodeNotFound)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := doRequest(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Scan status and data ───────────────────────────────────────────

func TestScanStatus(t *testing.T) {
	env := testServer(t)
	env.status.running = true
	env.status.status = scan.Status{
		RunID:        "scan-1",
		Phase:        scan.PhaseRunning,
		CurrentPoint: 3,
		TotalPoints:  10,
		Points:       2,
	}
	if err := env.store.SetFlag(context.Background(), scan.FlagPause, true); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/scan/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp ScanStatusResponse
	decodeBody(t, w, &resp)
	if !resp.Running || resp.StationID != "bm-1" {
		t.Errorf("running=%v station=%q", resp.Running, resp.StationID)
	}
	if resp.Status.RunID != "scan-1" || resp.Status.CurrentPoint != 3 || resp.Status.Phase != scan.PhaseRunning {
		t.Errorf("status = %+v", resp.Status)
	}
	if !resp.Requests[control.RequestPause] || resp.Requests[control.RequestAbort] {
		t.Errorf("requests = %v, want only pause set", resp.Requests)
	}
}

func TestScanStatus_WithoutEngine(t *testing.T) {
	srv, err := New(Deps{Logger: testLogger(), StationID: "bm-2"})
	if err != nil {
		t.Fatal(err)
	}
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/scan/status", "")

	var resp ScanStatusResponse
	decodeBody(t, w, &resp)
	if resp.Running || resp.Status.Phase != scan.PhaseIdle {
		t.Errorf("resp = %+v, want idle", resp)
	}
	if resp.Requests != nil {
		t.Errorf("requests = %v, want omitted without a controller", resp.Requests)
	}
}

func TestScanData(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()
	cols := []scan.Column{
		{Name: "x", Label: "X", Notes: "positioner", Values: []float64{0, 1}},
		{Name: "i0", Label: "I0", Notes: "counter"},
	}
	if err := env.store.InitScanData(ctx, cols); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SetScanData(ctx, "i0", []float64{5, math.NaN()}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/scan/data", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Columns []struct {
			Name   string     `json:"name"`
			Values []*float64 `json:"values"`
		} `json:"columns"`
		Count int `json:"count"`
	}
	decodeBody(t, w, &resp)
	if resp.Count != 2 || resp.Columns[1].Name != "i0" {
		t.Fatalf("resp = %+v", resp)
	}
	if v := resp.Columns[1].Values; len(v) != 2 || v[0] == nil || *v[0] != 5 || v[1] != nil {
		t.Errorf("i0 values = %v, want [5 null]", v)
	}
}

func TestScanData_Unavailable(t *testing.T) {
	srv, _ := New(Deps{Logger: testLogger()})
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/scan/data", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestScanInfo(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()
	if err := env.store.SetInfo(ctx, scan.InfoScanMessage, "Point 3/21"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SetInfo(ctx, scan.InfoTotalPoints, 21); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/scan/info", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Info map[string]any `json:"info"`
	}
	decodeBody(t, w, &resp)
	if resp.Info[scan.InfoScanMessage] != "Point 3/21" {
		t.Errorf("scan_message = %v", resp.Info[scan.InfoScanMessage])
	}
	if resp.Info[scan.InfoTotalPoints] != float64(21) {
		t.Errorf("scan_total_points = %v, want 21", resp.Info[scan.InfoTotalPoints])
	}
}

func TestScanInfo_Unavailable(t *testing.T) {
	srv, _ := New(Deps{Logger: testLogger()})
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/scan/info", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Operator requests ──────────────────────────────────────────────

func TestScanRequest(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		flag     string
		wantFlag bool
	}{
		{"abort", "/api/v1/scan/abort", "", http.StatusAccepted, scan.FlagAbort, true},
		{"pause", "/api/v1/scan/pause", "", http.StatusAccepted, scan.FlagPause, true},
		{"resume", "/api/v1/scan/resume", `{"value":true}`, http.StatusAccepted, scan.FlagResume, true},
		{"withdraw", "/api/v1/scan/abort", `{"value":false}`, http.StatusAccepted, scan.FlagAbort, false},
		{"unknown request", "/api/v1/scan/restart", "", http.StatusNotFound, "", false},
		{"invalid body", "/api/v1/scan/abort", `{"value":`, http.StatusBadRequest, scan.FlagAbort, false},
		{"oversized body", "/api/v1/scan/abort", `{"value":true,"note":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, http.StatusRequestEntityTooLarge, scan.FlagAbort, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			if tt.name == "withdraw" {
				env.store.SetFlag(context.Background(), scan.FlagAbort, true) //nolint:errcheck // Test setup
			}

			w := doRequest(t, env.srv.buildRouter(), http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.flag == "" {
				return
			}
			got, err := env.store.GetFlag(context.Background(), tt.flag)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.wantFlag {
				t.Errorf("%s = %v, want %v", tt.flag, got, tt.wantFlag)
			}
		})
	}
}

func TestScanRequest_ReachesEngineInterrupts(t *testing.T) {
	env := testServer(t)
	in := scan.NewInterrupts(env.store, nil)

	doRequest(t, env.srv.buildRouter(), http.MethodPost, "/api/v1/scan/abort", "")
	in.Poll(context.Background())
	if !in.Aborted() {
		t.Error("abort posted to the API not seen by Poll")
	}
}

func TestScanRequest_NoController(t *testing.T) {
	srv, _ := New(Deps{Logger: testLogger()})
	w := doRequest(t, srv.buildRouter(), http.MethodPost, "/api/v1/scan/abort", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Run history ────────────────────────────────────────────────────

func TestListRuns(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		st := scan.Status{
			RunID:       fmt.Sprintf("scan-%d", i),
			TotalPoints: 5,
			Points:      5,
			Exit:        scan.ExitNormal,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := env.store.RecordRun(ctx, "bm-1", st); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query     string
		wantCode  int
		wantCount int
		wantFirst string
	}{
		{"", http.StatusOK, 3, "scan-3"},
		{"?limit=2", http.StatusOK, 2, "scan-3"},
		{"?limit=0", http.StatusBadRequest, 0, ""},
		{"?limit=abc", http.StatusBadRequest, 0, ""},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/scan/runs"+tt.query, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Runs  []scandb.Run `json:"runs"`
				Count int          `json:"count"`
			}
			decodeBody(t, w, &resp)
			if resp.Count != tt.wantCount || resp.Runs[0].RunID != tt.wantFirst {
				t.Errorf("count=%d first=%q, want %d %q", resp.Count, resp.Runs[0].RunID, tt.wantCount, tt.wantFirst)
			}
		})
	}
}

func TestListRuns_Empty(t *testing.T) {
	env := testServer(t)
	w := doRequest(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/scan/runs", "")
	if !strings.Contains(w.Body.String(), `"runs":[]`) {
		t.Errorf("body = %s, want an empty runs array", w.Body.String())
	}
}

// ─── Request log ────────────────────────────────────────────────────

func TestListRequests(t *testing.T) {
	env := testServer(t)
	env.status.status.RunID = "scan-7"
	h := env.srv.buildRouter()

	doRequest(t, h, http.MethodPost, "/api/v1/scan/pause", "")
	doRequest(t, h, http.MethodPost, "/api/v1/scan/resume", "")
	doRequest(t, h, http.MethodPost, "/api/v1/scan/abort", `{"value":false}`)
	doRequest(t, h, http.MethodPost, "/api/v1/scan/restart", "")

	tests := []struct {
		query     string
		wantCode  int
		wantCount int
	}{
		{"", http.StatusOK, 3},
		{"?request=pause", http.StatusOK, 1},
		{"?source=mqtt", http.StatusOK, 0},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			w := doRequest(t, h, http.MethodGet, "/api/v1/scan/requests"+tt.query, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Requests []scandb.Request `json:"requests"`
				Count    int              `json:"count"`
			}
			decodeBody(t, w, &resp)
			if resp.Count != tt.wantCount || len(resp.Requests) != tt.wantCount {
				t.Fatalf("count = %d (%d entries), want %d", resp.Count, len(resp.Requests), tt.wantCount)
			}
			for _, r := range resp.Requests {
				if r.Source != scandb.SourceAPI || r.RunID != "scan-7" || r.StationID != "bm-1" {
					t.Errorf("request = %+v", r)
				}
			}
		})
	}
}

func TestListRequests_Unavailable(t *testing.T) {
	srv, _ := New(Deps{Logger: testLogger()})
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/scan/requests", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	env := testServer(t)
	env.status.running = true
	env.status.status = scan.Status{Phase: scan.PhasePaused, CurrentPoint: 4, TotalPoints: 9, Points: 3}
	h := env.srv.buildRouter()

	sw := doRequest(t, h, http.MethodGet, "/api/v1/scan/status", "")
	if cc := sw.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("scan status Cache-Control = %q, want no-cache", cc)
	}
	doRequest(t, h, http.MethodGet, "/api/v1/scan/status", "")

	w := doRequest(t, h, http.MethodGet, "/api/v1/metrics", "")
	var m SystemMetrics
	decodeBody(t, w, &m)

	if m.Scan.Phase != "paused" || !m.Scan.Running || m.Scan.Points != 3 {
		t.Errorf("scan metrics = %+v", m.Scan)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines not reported")
	}
	if m.MQTT != "connected" || m.InfluxDB != "disabled" {
		t.Errorf("mqtt=%q influxdb=%q", m.MQTT, m.InfluxDB)
	}
	if got := m.HTTP["GET /api/v1/scan/status"]; got.Requests != 2 || got.Errors != 0 {
		t.Errorf("route metrics = %+v", m.HTTP)
	}
}

// ─── Hub ────────────────────────────────────────────────────────────

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testWSConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return WSMessage{}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(hub, progress.ChannelProgress)
	hub.Register(client)

	hub.Broadcast(progress.ChannelProgress, scan.Progress{Point: 1, Total: 3})

	msg := receive(t, client)
	if msg.Type != WSTypeEvent || msg.EventType != progress.ChannelProgress {
		t.Errorf("message = %+v", msg)
	}
}

func TestHub_BroadcastWithNaNReading(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(hub, progress.ChannelProgress)
	hub.Register(client)

	hub.Broadcast(progress.ChannelProgress, scan.Progress{
		Point:    2,
		Counters: []scan.Reading{{Name: "i0", Value: []float64{math.NaN()}}},
	})

	if msg := receive(t, client); msg.EventType != progress.ChannelProgress {
		t.Errorf("event_type = %q", msg.EventType)
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(hub, progress.ChannelStatus)
	hub.Register(client)

	hub.Broadcast(progress.ChannelProgress, scan.Progress{Point: 1})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)
	if hub.ClientCount() != 0 {
		t.Fatalf("initial count = %d, want 0", hub.ClientCount())
	}

	c1, c2 := newTestClient(hub), newTestClient(hub)
	hub.Register(c1)
	hub.Register(c2)
	if hub.ClientCount() != 2 {
		t.Errorf("count = %d, want 2", hub.ClientCount())
	}

	hub.Unregister(c1)
	hub.Unregister(c1)
	if hub.ClientCount() != 1 {
		t.Errorf("count after unregister = %d, want 1", hub.ClientCount())
	}
}

func TestHub_SubscribeSendsSnapshot(t *testing.T) {
	hub := newTestHub(t)
	hub.SetSnapshot(progress.ChannelStatus, func() any {
		return scan.Status{RunID: "scan-7", Phase: scan.PhaseRunning}
	})
	client := newTestClient(hub)
	hub.Register(client)

	client.handleMessage([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["scan.status","scan.progress"]}}`))

	resp := receive(t, client)
	if resp.Type != WSTypeResponse || resp.ID != "s1" {
		t.Fatalf("response = %+v", resp)
	}
	snap := receive(t, client)
	if snap.EventType != progress.ChannelStatus {
		t.Fatalf("snapshot event_type = %q", snap.EventType)
	}
	payload, _ := snap.Payload.(map[string]any)
	if payload["run_id"] != "scan-7" {
		t.Errorf("snapshot payload = %v", snap.Payload)
	}
	if !client.isSubscribed(progress.ChannelProgress) {
		t.Error("client not subscribed to progress")
	}
}

func TestWSClient_HandleMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong},
		{"unsubscribe", `{"type":"unsubscribe","payload":{"channels":["scan.status"]}}`, WSTypeResponse},
		{"invalid json", `{`, WSTypeError},
		{"unknown type", `{"type":"launch"}`, WSTypeError},
		{"request without control", `{"type":"request","payload":{"request":"abort"}}`, WSTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub(t)
			client := newTestClient(hub, progress.ChannelStatus)
			client.handleMessage([]byte(tt.input))
			if msg := receive(t, client); msg.Type != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type, tt.wantType)
			}
		})
	}
}

func TestWSClient_SubscribeRejectsUnknownChannel(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(hub)
	client.handleMessage([]byte(`{"type":"subscribe","id":"s2","payload":{"channels":["scan.progress","device.state"]}}`))

	resp := receive(t, client)
	payload, _ := resp.Payload.(map[string]any)
	rejected, _ := payload["rejected"].([]any)
	if len(rejected) != 1 || rejected[0] != "device.state" {
		t.Errorf("response payload = %v", resp.Payload)
	}
	if client.isSubscribed("device.state") || !client.isSubscribed(progress.ChannelProgress) {
		t.Error("subscriptions not filtered")
	}
}

func TestWSClient_Request(t *testing.T) {
	env := testServer(t)
	client := newTestClient(env.hub)
	client.request = func(ctx context.Context, name string, value bool) error {
		return env.srv.controller.RequestFrom(ctx, scandb.SourceWebSocket, name, value)
	}

	client.handleMessage([]byte(`{"type":"request","id":"r1","payload":{"request":"pause"}}`))
	if resp := receive(t, client); resp.Type != WSTypeResponse || resp.ID != "r1" {
		t.Fatalf("response = %+v", resp)
	}
	if v, _ := env.store.GetFlag(context.Background(), scan.FlagPause); !v {
		t.Error("pause flag not set")
	}

	client.handleMessage([]byte(`{"type":"request","id":"r2","payload":{"request":"reboot"}}`))
	if resp := receive(t, client); resp.Type != WSTypeError {
		t.Errorf("unknown request response = %+v", resp)
	}

	reqs, err := env.store.Requests(context.Background(), scandb.RequestFilter{Source: scandb.SourceWebSocket})
	if err != nil || len(reqs) != 1 || reqs[0].Request != "pause" {
		t.Errorf("websocket requests = %+v, %v", reqs, err)
	}
}

func TestHub_DropsForFullQueue(t *testing.T) {
	hub := newTestHub(t)
	client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{progress.ChannelProgress: {}}}
	hub.Register(client)

	hub.Broadcast(progress.ChannelProgress, scan.Progress{Point: 1})
	hub.Broadcast(progress.ChannelProgress, scan.Progress{Point: 2})

	if hub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", hub.Dropped())
	}
	hub.Unregister(client)
	if client.enqueue([]byte("{}")) {
		t.Error("enqueue after Unregister should fail")
	}
}

// ─── Live server ────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	port := 19180
	srv, err := New(Deps{Config: testAPIConfig(port), WS: testWSConfig(), Logger: testLogger(), Version: "test"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if srv.Hub() == nil {
		t.Fatal("Start() did not create a hub")
	}
	time.Sleep(100 * time.Millisecond)

	addr := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get(addr); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestWebSocket_ProgressStream(t *testing.T) {
	env := testServer(t)
	env.status.status = scan.Status{RunID: "scan-9", Phase: scan.PhaseRunning}
	env.hub.SetSnapshot(progress.ChannelStatus, func() any { return env.status.Status() })

	ts := httptest.NewServer(env.srv.buildRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?channels=scan.status,scan.progress"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline

	var snap WSMessage
	if err := ws.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.EventType != progress.ChannelStatus {
		t.Fatalf("first event = %+v, want status snapshot", snap)
	}

	env.hub.Broadcast(progress.ChannelProgress, scan.Progress{RunID: "scan-9", Point: 1, Total: 4})

	var ev WSMessage
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if ev.EventType != progress.ChannelProgress {
		t.Errorf("event_type = %q, want %q", ev.EventType, progress.ChannelProgress)
	}
	payload, _ := ev.Payload.(map[string]any)
	if payload["point"] != float64(1) {
		t.Errorf("payload point = %v, want 1", payload["point"])
	}
}
