package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/message"
)

// Content read kinds
const (
	ReadFull = "full"
	ReadBody = "body"
)

// Read results
const (
	ResultOK          = "ok"
	ResultTruncated   = "truncated"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Metrics holds Prometheus metric descriptors for the store.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	contentReads   *prometheus.CounterVec
	bytesServed    *prometheus.CounterVec
	importsTotal   *prometheus.CounterVec
	copiesTotal    prometheus.Counter
	messagesTotal  prometheus.Gauge
	mailboxesTotal prometheus.Gauge
	storedBytes    prometheus.Gauge
	uptimeSeconds  prometheus.Gauge
}

// New creates the metrics on a private registry together with the Go
// runtime collectors.
func New(startTime time.Time) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: startTime,
		contentReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emlstore_content_reads_total",
			Help: "Content streams opened, by kind and result.",
		}, []string{"kind", "result"}),
		bytesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emlstore_content_bytes_served_total",
			Help: "Bytes of message content written to clients.",
		}, []string{"kind"}),
		importsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emlstore_imports_total",
			Help: "Messages imported, by source and result.",
		}, []string{"source", "result"}),
		copiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emlstore_copies_total",
			Help: "Messages copied between mailboxes.",
		}),
		messagesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emlstore_messages",
			Help: "Messages currently stored.",
		}),
		mailboxesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emlstore_mailboxes",
			Help: "Mailboxes currently defined.",
		}),
		storedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emlstore_stored_bytes",
			Help: "Sum of the sizes of all stored messages.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emlstore_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.contentReads,
		m.bytesServed,
		m.importsTotal,
		m.copiesTotal,
		m.messagesTotal,
		m.mailboxesTotal,
		m.storedBytes,
		m.uptimeSeconds,
	)

	return m
}

// Registry exposes the registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRead counts an attempt to open a content stream
func (m *Metrics) ObserveRead(kind string, err error) {
	m.contentReads.WithLabelValues(kind, Classify(err)).Inc()
}

// AddBytesServed counts content bytes written to a client
func (m *Metrics) AddBytesServed(kind string, n int64) {
	m.bytesServed.WithLabelValues(kind).Add(float64(n))
}

// ObserveImport counts one imported (or rejected) message
func (m *Metrics) ObserveImport(source string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.importsTotal.WithLabelValues(source, result).Inc()
}

// IncCopies counts a completed copy
func (m *Metrics) IncCopies() {
	m.copiesTotal.Inc()
}

// Classify maps a content error to a result label
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, message.ErrTruncatedStream):
		return ResultTruncated
	case errors.Is(err, message.ErrContentUnavailable):
		return ResultUnavailable
	default:
		return ResultError
	}
}

// Update refreshes the gauges from current database state.
func (m *Metrics) Update(ctx context.Context, database *db.DB) error {
	stats, err := database.GetStats(ctx)
	if err != nil {
		return err
	}

	m.messagesTotal.Set(float64(stats.Messages))
	m.mailboxesTotal.Set(float64(stats.Mailboxes))
	m.storedBytes.Set(float64(stats.TotalSize))
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
	return nil
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler(database *db.DB, logger *slog.Logger) http.Handler {
	serve := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.Update(r.Context(), database); err != nil {
			logger.Warn("metrics update failed", "err", err)
		}
		serve.ServeHTTP(w, r)
	})
}
