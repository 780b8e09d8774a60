package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// RoundsTotal counts finished rounds by outcome.
	RoundsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_rounds_total",
		Help: "Total number of analysis rounds by outcome.",
	}, []string{"outcome"})

	// RoundDuration tracks wall-clock duration of a full round.
	RoundDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "solrounds_round_duration_seconds",
		Help:    "Duration of a full analysis round in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// SignalsTotal counts produced signals by role.
	SignalsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_signals_total",
		Help: "Total number of produced analysis signals by role.",
	}, []string{"role"})

	// DegradedRolesTotal counts role invocations that failed after retries.
	DegradedRolesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_degraded_roles_total",
		Help: "Total number of degraded role invocations by role and error code.",
	}, []string{"role", "code"})

	// ExecutionsTotal counts trade executions by terminal status.
	ExecutionsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_trade_executions_total",
		Help: "Total number of trade executions by terminal status.",
	}, []string{"status"})

	// SocialPublishedTotal counts published social actions by kind.
	SocialPublishedTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_social_published_total",
		Help: "Total number of published social actions by kind.",
	}, []string{"kind"})

	// SocialDroppedTotal counts dropped social actions by kind and reason.
	SocialDroppedTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "solrounds_social_dropped_total",
		Help: "Total number of dropped social actions by kind and reason.",
	}, []string{"kind", "reason"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
