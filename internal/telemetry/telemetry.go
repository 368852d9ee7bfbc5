// Package telemetry exposes the cache's live state as Prometheus
// metrics on a private registry.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cnsd/internal/memory"
)

// Telemetry owns the metric registry and the HTTP listener serving it.
type Telemetry struct {
	registry *prometheus.Registry
	server   *http.Server
	logger   *zap.Logger

	tierSize      *prometheus.GaugeVec
	tierHits      *prometheus.GaugeVec
	tierMisses    *prometheus.GaugeVec
	tierEvictions *prometheus.GaugeVec
	tierRetention *prometheus.GaugeVec

	operations *prometheus.CounterVec

	validationSuccess prometheus.Gauge
	predictionHitRate prometheus.Gauge
	evolutionFitness  prometheus.Gauge
	intelligenceTotal prometheus.Gauge
	overallHealth     prometheus.Gauge
	systemLoad        prometheus.Gauge
}

// New creates the telemetry surface with all collectors registered.
func New(logger *zap.Logger) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		registry: reg,
		logger:   logger.Named("telemetry"),
		tierSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "tier_entries", Help: "Entries held per tier.",
		}, []string{"tier"}),
		tierHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "tier_hits_total", Help: "Cumulative retrieve hits per tier.",
		}, []string{"tier"}),
		tierMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "tier_misses_total", Help: "Cumulative retrieve misses per tier.",
		}, []string{"tier"}),
		tierEvictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "tier_evictions_total", Help: "Cumulative evictions per tier.",
		}, []string{"tier"}),
		tierRetention: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "tier_retention_rate", Help: "Hit ratio per tier.",
		}, []string{"tier"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cnsd", Name: "operations_total", Help: "Manager operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		validationSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "validation_success_rate", Help: "Rolling validation success rate.",
		}),
		predictionHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "prediction_hit_rate", Help: "Preload cache hit rate.",
		}),
		evolutionFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "evolution_avg_fitness", Help: "Average fitness of the pattern population.",
		}),
		intelligenceTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "intelligence_multiplier", Help: "Current compound intelligence multiplier.",
		}),
		overallHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "overall_health", Help: "Blended system health in [0,1].",
		}),
		systemLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cnsd", Name: "system_load", Help: "Operations in the last minute, normalized.",
		}),
	}
	reg.MustRegister(
		t.tierSize, t.tierHits, t.tierMisses, t.tierEvictions, t.tierRetention,
		t.operations,
		t.validationSuccess, t.predictionHitRate, t.evolutionFitness,
		t.intelligenceTotal, t.overallHealth, t.systemLoad,
	)
	return t
}

// ObserveTier records one tier's live metrics.
func (t *Telemetry) ObserveTier(id memory.LayerID, m memory.LayerMetrics) {
	tier := string(id)
	t.tierSize.WithLabelValues(tier).Set(float64(m.Entries))
	t.tierHits.WithLabelValues(tier).Set(float64(m.Hits))
	t.tierMisses.WithLabelValues(tier).Set(float64(m.Misses))
	t.tierEvictions.WithLabelValues(tier).Set(float64(m.Evictions))
	t.tierRetention.WithLabelValues(tier).Set(m.RetentionRate)
}

// ObserveEngines records the engine-level gauges.
func (t *Telemetry) ObserveEngines(validation, prediction, fitness, multiplier float64) {
	t.validationSuccess.Set(validation)
	t.predictionHitRate.Set(prediction)
	t.evolutionFitness.Set(fitness)
	t.intelligenceTotal.Set(multiplier)
}

// ObserveHealth records the derived health and load gauges.
func (t *Telemetry) ObserveHealth(health, load float64) {
	t.overallHealth.Set(health)
	t.systemLoad.Set(load)
}

// CountOp counts one manager operation.
func (t *Telemetry) CountOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.operations.WithLabelValues(op, outcome).Inc()
}

// Handler returns the scrape handler for the private registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics listener. Non-blocking.
func (t *Telemetry) Serve(addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, t.Handler())
	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the metrics listener if one was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}
