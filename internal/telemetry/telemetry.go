package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/memoirhq/memoir/config"
)

// Telemetry provides pipeline monitoring and cost tracking.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	runsTotal      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageFallbacks *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	modelTokens    *prometheus.CounterVec
	modelCost      prometheus.Counter

	cost *CostTracker
}

// CostTracker aggregates spend across models and stages.
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	StageCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

var (
	registerOnce sync.Once
	shared       *Telemetry
)

// NewTelemetry creates the telemetry instance. Prometheus collectors are
// registered once per process.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	registerOnce.Do(func() {
		shared = &Telemetry{
			config: cfg,
			logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
			runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "memoir_pipeline_runs_total",
				Help: "Pipeline runs by terminal state.",
			}, []string{"state"}),
			stageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "memoir_stage_duration_seconds",
				Help:    "Duration of each pipeline stage.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"stage"}),
			stageFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "memoir_stage_fallbacks_total",
				Help: "Stage executions that used their deterministic fallback.",
			}, []string{"stage"}),
			modelCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "memoir_model_calls_total",
				Help: "Outbound model calls by model and outcome.",
			}, []string{"model", "kind", "outcome"}),
			modelTokens: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "memoir_model_tokens_total",
				Help: "Tokens consumed by model.",
			}, []string{"model"}),
			modelCost: promauto.NewCounter(prometheus.CounterOpts{
				Name: "memoir_model_cost_usd_total",
				Help: "Estimated model spend in USD.",
			}),
			cost: &CostTracker{
				ModelCosts: make(map[string]float64),
				StageCosts: make(map[string]float64),
			},
		}
	})
	return shared
}

// RecordRun records a pipeline run reaching a terminal state.
func (t *Telemetry) RecordRun(state string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.runsTotal.WithLabelValues(state).Inc()
}

// RecordStage records a completed stage execution.
func (t *Telemetry) RecordStage(stage string, d time.Duration, fellBack bool) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if fellBack {
		t.stageFallbacks.WithLabelValues(stage).Inc()
	}
}

// RecordModelCall records one outbound generative or embedding call.
func (t *Telemetry) RecordModelCall(model, kind string, err error, tokens int64, cost float64, stage string) {
	if t == nil || !t.config.Enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.modelCalls.WithLabelValues(model, kind, outcome).Inc()
	if tokens > 0 {
		t.modelTokens.WithLabelValues(model).Add(float64(tokens))
	}
	if t.config.CostTracking && cost > 0 {
		t.modelCost.Add(cost)
		t.cost.mu.Lock()
		t.cost.ModelCosts[model] += cost
		t.cost.StageCosts[stage] += cost
		t.cost.TotalCost += cost
		t.cost.TotalTokens += tokens
		t.cost.mu.Unlock()
	}
}

// CostSummary returns a snapshot of accumulated spend.
func (t *Telemetry) CostSummary() map[string]interface{} {
	if t == nil {
		return nil
	}
	t.cost.mu.RLock()
	defer t.cost.mu.RUnlock()
	models := make(map[string]float64, len(t.cost.ModelCosts))
	for k, v := range t.cost.ModelCosts {
		models[k] = v
	}
	stages := make(map[string]float64, len(t.cost.StageCosts))
	for k, v := range t.cost.StageCosts {
		stages[k] = v
	}
	return map[string]interface{}{
		"total_cost":   t.cost.TotalCost,
		"total_tokens": t.cost.TotalTokens,
		"by_model":     models,
		"by_stage":     stages,
	}
}
