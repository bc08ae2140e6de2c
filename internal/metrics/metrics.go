// Package metrics exposes monitor round outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/premiumwatch/internal/alert"
	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/models"
)

const namespace = "premiumwatch"

// Metrics records round outcomes on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	rounds         prometheus.Counter
	roundDuration  prometheus.Histogram
	roundsSkipped  prometheus.Counter
	sourceFailures *prometheus.CounterVec
	premium        *prometheus.GaugeVec
	decisions      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
}

// New creates a Metrics with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds that fetched a reference rate and evaluated sources.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of completed rounds in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		roundsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_skipped_total",
			Help:      "Rounds skipped because the reference rate was unavailable.",
		}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Per-source failures by reason.",
		}, []string{"source", "reason"}),
		premium: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "premium_ratio",
			Help:      "Latest premium of each source as a signed fraction.",
		}, []string{"source"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Alert state machine decisions per source.",
		}, []string{"source", "decision"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Alert deliveries per source, kind and outcome.",
		}, []string{"source", "kind", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rounds,
		m.roundDuration,
		m.roundsSkipped,
		m.sourceFailures,
		m.premium,
		m.decisions,
		m.deliveries,
	)
	return m
}

func (m *Metrics) RoundCompleted(d time.Duration) {
	m.rounds.Inc()
	m.roundDuration.Observe(d.Seconds())
}

func (m *Metrics) RoundSkipped() { m.roundsSkipped.Inc() }

func (m *Metrics) SourceFailed(source, reason string) {
	m.sourceFailures.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) PremiumObserved(source string, premium float64) {
	m.premium.WithLabelValues(source).Set(premium)
}

func (m *Metrics) DecisionMade(source string, d alert.Decision) {
	m.decisions.WithLabelValues(source, d.String()).Inc()
}

func (m *Metrics) DeliveryFinished(source string, kind models.AlertKind, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.deliveries.WithLabelValues(source, string(kind), outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
