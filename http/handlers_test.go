package http

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"fosgate/api"
	"fosgate/manager"
	"fosgate/monitoring"
	"fosgate/rpc"
)

func newTestServer(t *testing.T, registry map[string]string) (*httptest.Server, *manager.Manager, *monitoring.Hub) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := monitoring.NewHub(logger)
	go hub.Start()
	t.Cleanup(hub.Stop)

	m, err := manager.New(manager.WithLogger(logger), manager.WithEvents(hub))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	config := DefaultServerConfig()
	config.Registry = registry
	srv := NewServer(config, Deps{Manager: m, Hub: hub, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, m, hub
}

func fraudConfig(t *testing.T) *api.ModelConfig {
	t.Helper()
	amount, _ := api.NewNumericAttribute("amount")
	label, _ := api.NewCategoricalAttribute("fraud", []string{"no", "yes"})
	cfg, err := api.NewModelConfig([]api.Attribute{amount, label}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestHealthHandler(t *testing.T) {
	ts, m, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", resp.StatusCode, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "ok" || body["models"] != 0.0 {
		t.Errorf("handler returned unexpected body: %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}

	m.Close()
	resp, err = http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("closed manager: got %v want %v", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestModelsAndRPC(t *testing.T) {
	ctx := context.Background()
	ts, _, _ := newTestServer(t, nil)
	client := rpc.NewClient(ts.URL)

	id, err := client.TrainAndAdd(ctx, fraudConfig(t), [][]any{{1.0, "no"}, {2.0, "no"}, {90.0, "yes"}, {95.0, "yes"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var models []struct {
		ID     uuid.UUID        `json:"id"`
		Config *api.ModelConfig `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].ID != id || len(models[0].Config.Attributes) != 2 {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestMetricsFormats(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Scoring monitoring.Snapshot `json:"scoring"`
		Events  map[string]any      `json:"events"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Events == nil {
		t.Errorf("expected event hub stats")
	}

	resp, err = http.Get(ts.URL + "/api/metrics?format=prometheus")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(text), "# TYPE fosgate_scoring_connections_total counter") {
		t.Errorf("unexpected prometheus output:\n%s", text)
	}
}

func TestRegistryRoute(t *testing.T) {
	tests := []struct {
		name       string
		registry   map[string]string
		wantStatus int
	}{
		{name: "embedded", registry: map[string]string{"FOSManager": "http://localhost:1099/rpc/"}, wantStatus: http.StatusOK},
		{name: "external", registry: nil, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _, _ := newTestServer(t, tt.registry)
			resp, err := http.Get(ts.URL + "/api/registry")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("got %v want %v", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestGzipResponses(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	// a transport with compression disabled hands back the raw gzip stream
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected a gzip response, got %q", resp.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil || !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("unexpected body %q %v", data, err)
	}
}

func TestEventsStream(t *testing.T) {
	ctx := context.Background()
	ts, m, hub := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id, err := m.TrainAndAdd(ctx, fraudConfig(t), [][]any{{1.0, "no"}, {90.0, "yes"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no added event received: %v", err)
		}
		if strings.Contains(string(data), string(monitoring.EventAdded)) && strings.Contains(string(data), id.String()) {
			return
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got %v want %v", rr.Code, http.StatusInternalServerError)
	}
}

func TestLoggerMiddlewarePassesRequestID(t *testing.T) {
	var seen string
	handler := LoggerMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(rpc.RequestIDHeader)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, rpc.Path+"Manager.ListModels", nil))
	if seen == "" || rr.Header().Get(rpc.RequestIDHeader) != seen {
		t.Fatalf("handler saw %q, response carried %q", seen, rr.Header().Get(rpc.RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodPost, rpc.Path+"Manager.ListModels", nil)
	req.Header.Set(rpc.RequestIDHeader, "caller-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-id" {
		t.Fatalf("expected the caller's id, got %q", seen)
	}
}
