package actingdoll

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// telemetryBundle owns the Prometheus registry and, when configured, the
// scrape listener.
type telemetryBundle struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	directivesTotal   *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	metricsServer     *http.Server
	metricsLn         net.Listener
	logger            pslog.Logger
}

func newTelemetryBundle(logger pslog.Logger) *telemetryBundle {
	registry := prometheus.NewRegistry()
	t := &telemetryBundle{
		registry: registry,
		logger:   svcfields.WithSubsystem(logger, "telemetry"),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "actingdoll",
			Name:      "sessions_active",
			Help:      "Number of live controller sessions.",
		}),
		directivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actingdoll",
			Name:      "directives_total",
			Help:      "Handled messages by family and outcome.",
		}, []string{"family", "outcome"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actingdoll",
			Name:      "broadcast_failures_total",
			Help:      "Failed deliveries to individual sessions.",
		}),
	}
	registry.MustRegister(t.sessionsActive, t.directivesTotal, t.broadcastFailures)
	return t
}

// serveMetrics starts the scrape listener. It returns once the listener is
// bound; serve errors are logged, not fatal.
func (t *telemetryBundle) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	t.metricsLn = ln
	t.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	t.logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t.metricsServer == nil {
		return nil
	}
	if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
