// Package metrics exposes Prometheus instrumentation for the switch service
// and the HTTP server that publishes it on a dedicated listen address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RemindersSent counts reminder notifications dispatched, per kind.
	RemindersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyfall",
		Name:      "reminders_sent_total",
		Help:      "Reminder notifications successfully dispatched.",
	}, []string{"kind"})

	// RemindersFailed counts reminder dispatch failures, per kind.
	RemindersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyfall",
		Name:      "reminders_failed_total",
		Help:      "Reminder notifications that failed to dispatch.",
	}, []string{"kind"})

	// DisclosuresCompleted counts switches that transitioned to triggered.
	DisclosuresCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyfall",
		Name:      "disclosures_completed_total",
		Help:      "Secrets disclosed and transitioned to the triggered state.",
	})

	// ClaimConflicts counts benign AlreadyClaimed results under concurrency.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyfall",
		Name:      "claim_conflicts_total",
		Help:      "Ledger claims lost to a concurrent scheduler invocation.",
	})

	// EnvelopeAuthFailures counts authentication failures opening a sealed
	// share. Any increment is a security-relevant event.
	EnvelopeAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyfall",
		Name:      "envelope_auth_failures_total",
		Help:      "Sealed server shares that failed authentication on open.",
	})
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) (*MetricsServer, error) {
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

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
