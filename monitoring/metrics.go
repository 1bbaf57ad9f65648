package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxTrackedModels caps the per-model series.
const maxTrackedModels = 4096

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is the latest value of a named series.
type Metric struct {
	Name   string     `json:"name"`
	Type   MetricType `json:"type"`
	Value  float64    `json:"value"`
	Help   string     `json:"help,omitempty"`
	Labels string     `json:"labels,omitempty"`
}

// Metrics counts scoring traffic. All methods are safe for concurrent use.
type Metrics struct {
	requests       atomic.Int64
	errors         atomic.Int64
	connections    atomic.Int64
	activeConns    atomic.Int64
	latencyNanos   atomic.Int64
	decodeFailures atomic.Int64

	mu       sync.RWMutex
	perModel map[string]int64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		perModel:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// ConnOpened records an accepted scoring connection.
func (m *Metrics) ConnOpened() {
	m.connections.Add(1)
	m.activeConns.Add(1)
}

func (m *Metrics) ConnClosed() {
	m.activeConns.Add(-1)
}

// RecordRequest records one scoring request against models. Only requests
// that scored count towards the per-model series, so unknown ids sent by a
// client never create one.
func (m *Metrics) RecordRequest(models []uuid.UUID, latency time.Duration, err error) {
	m.requests.Add(1)
	m.latencyNanos.Add(int64(latency))
	if err != nil {
		m.errors.Add(1)
		return
	}
	m.mu.Lock()
	for _, id := range models {
		key := id.String()
		if _, ok := m.perModel[key]; !ok && len(m.perModel) >= maxTrackedModels {
			continue
		}
		m.perModel[key]++
	}
	m.mu.Unlock()
}

// RecordDecodeFailure records a request frame that could not be decoded.
func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Requests          int64            `json:"requests"`
	Errors            int64            `json:"errors"`
	DecodeFailures    int64            `json:"decode_failures"`
	Connections       int64            `json:"connections"`
	ActiveConnections int64            `json:"active_connections"`
	AvgLatency        time.Duration    `json:"avg_latency_ns"`
	PerModel          map[string]int64 `json:"per_model"`
	Uptime            string           `json:"uptime"`
	Goroutines        int              `json:"goroutines"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Requests:          m.requests.Load(),
		Errors:            m.errors.Load(),
		DecodeFailures:    m.decodeFailures.Load(),
		Connections:       m.connections.Load(),
		ActiveConnections: m.activeConns.Load(),
		Uptime:            time.Since(m.startTime).Round(time.Second).String(),
		Goroutines:        runtime.NumGoroutine(),
	}
	if s.Requests > 0 {
		s.AvgLatency = time.Duration(m.latencyNanos.Load() / s.Requests)
	}
	m.mu.RLock()
	s.PerModel = make(map[string]int64, len(m.perModel))
	for k, v := range m.perModel {
		s.PerModel[k] = v
	}
	m.mu.RUnlock()
	return s
}

// Series flattens the snapshot into named metrics.
func (m *Metrics) Series() []Metric {
	s := m.Snapshot()
	series := []Metric{
		{Name: "fosgate_scoring_requests_total", Type: MetricTypeCounter, Value: float64(s.Requests), Help: "Scoring requests served"},
		{Name: "fosgate_scoring_errors_total", Type: MetricTypeCounter, Value: float64(s.Errors), Help: "Scoring requests answered with an error frame"},
		{Name: "fosgate_scoring_decode_failures_total", Type: MetricTypeCounter, Value: float64(s.DecodeFailures), Help: "Request frames that could not be decoded"},
		{Name: "fosgate_scoring_connections_total", Type: MetricTypeCounter, Value: float64(s.Connections), Help: "Scoring connections accepted"},
		{Name: "fosgate_scoring_active_connections", Type: MetricTypeGauge, Value: float64(s.ActiveConnections), Help: "Open scoring connections"},
		{Name: "fosgate_scoring_latency_avg_seconds", Type: MetricTypeGauge, Value: s.AvgLatency.Seconds(), Help: "Average scoring latency"},
		{Name: "fosgate_goroutines", Type: MetricTypeGauge, Value: float64(s.Goroutines), Help: "Number of goroutines"},
	}
	ids := make([]string, 0, len(s.PerModel))
	for id := range s.PerModel {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		series = append(series, Metric{
			Name:   "fosgate_model_requests_total",
			Type:   MetricTypeCounter,
			Value:  float64(s.PerModel[id]),
			Labels: fmt.Sprintf(`model="%s"`, id),
		})
	}
	return series
}

// ExportPrometheus renders Series in the Prometheus text format.
func (m *Metrics) ExportPrometheus() string {
	var b strings.Builder
	seen := make(map[string]bool)
	for _, metric := range m.Series() {
		if !seen[metric.Name] {
			seen[metric.Name] = true
			help := metric.Help
			if help == "" {
				help = fmt.Sprintf("Metric %s", metric.Name)
			}
			fmt.Fprintf(&b, "# HELP %s %s\n", metric.Name, help)
			fmt.Fprintf(&b, "# TYPE %s %s\n", metric.Name, metric.Type)
		}
		if metric.Labels != "" {
			fmt.Fprintf(&b, "%s{%s} %g\n", metric.Name, metric.Labels, metric.Value)
		} else {
			fmt.Fprintf(&b, "%s %g\n", metric.Name, metric.Value)
		}
	}
	return b.String()
}
