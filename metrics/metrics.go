// Package metrics exposes Prometheus instrumentation for the HSM backend on a
// dedicated listener, kept off the API port so scrapes survive API drains.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keymint/hsm-key-management-backend/common"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ceremoniesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hsm_ceremonies_total",
		Help: "Key ceremonies by terminal status",
	}, []string{"status"})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hsm_rotations_total",
		Help: "Key rotations by terminal status",
	}, []string{"status"})

	keysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hsm_keys_created_total",
		Help: "Keys created by type",
	}, []string{"key_type"})

	serviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hsm_service_info",
		Help: "Constant 1, labelled with the serving process name and version",
	}, []string{"service", "version"})
)

// RecordCeremony counts a ceremony reaching a terminal status.
func RecordCeremony(status string) {
	ceremoniesTotal.WithLabelValues(status).Inc()
}

// RecordRotation counts a rotation reaching a terminal status.
func RecordRotation(status string) {
	rotationsTotal.WithLabelValues(status).Inc()
}

// RecordKeyCreated counts a key entering the hierarchy.
func RecordKeyCreated(keyType string) {
	keysTotal.WithLabelValues(keyType).Inc()
}

// ObserveRequest records one served HTTP request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service on addr. The service name
// shows up on every scrape through the hsm_service_info gauge.
func New(name, addr string) (*MetricsServer, error) {
	serviceInfo.WithLabelValues(name, common.Version).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
