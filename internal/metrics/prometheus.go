// Package metrics exposes Prometheus instrumentation for the file store.
package metrics

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInFlight   prometheus.Gauge
	commitsTotal       *prometheus.CounterVec
	tenantsProvisioned prometheus.Counter
	lockWait           prometheus.Histogram
	extractedEntries   prometheus.Counter
	uploadBytes        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitstore",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitstore",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitstore",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		}),
		commitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitstore",
			Subsystem: "storage",
			Name:      "commits_total",
			Help:      "Total number of commits created by kind",
		}, []string{"kind"}),
		tenantsProvisioned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gitstore",
			Subsystem: "storage",
			Name:      "tenants_provisioned_total",
			Help:      "Total number of tenant repositories created",
		}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gitstore",
			Subsystem: "storage",
			Name:      "tenant_lock_wait_seconds",
			Help:      "Time spent waiting for the per-tenant write lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
		extractedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gitstore",
			Subsystem: "storage",
			Name:      "archive_entries_extracted_total",
			Help:      "Total number of archive entries written to working trees",
		}),
		uploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gitstore",
			Subsystem: "storage",
			Name:      "payload_bytes",
			Help:      "Size of spooled request payloads",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
}

// RecordCommit counts a commit of the given kind.
func (m *Metrics) RecordCommit(kind string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(kind).Inc()
}

// RecordProvision counts a newly created tenant repository.
func (m *Metrics) RecordProvision() {
	if m == nil {
		return
	}
	m.tenantsProvisioned.Inc()
}

// ObserveLockWait records how long a writer waited for a tenant lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// AddExtracted counts extracted archive entries.
func (m *Metrics) AddExtracted(n int) {
	if m == nil {
		return
	}
	m.extractedEntries.Add(float64(n))
}

// ObservePayload records the size of a spooled payload.
func (m *Metrics) ObservePayload(size int64) {
	if m == nil {
		return
	}
	m.uploadBytes.Observe(float64(size))
}

// Middleware records request counts and durations labelled by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Server serves /metrics and health probes on a separate listener.
type Server struct {
	server  *http.Server
	logger  *zap.Logger
	dataDir string
}

// NewServer creates the operational listener. The readiness probe checks
// that dataDir is a writable directory.
func NewServer(addr string, gatherer prometheus.Gatherer, dataDir string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger:  logger,
		dataDir: dataDir,
	}

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", s.readyHandler)

	return s
}

// Handler returns the operational mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	probe, err := os.CreateTemp(s.dataDir, ".ready-*")
	if err != nil {
		s.logger.Warn("storage root not writable", zap.String("dir", s.dataDir), zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
