// Package metrics exposes Prometheus instrumentation for the guard. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the guard records into
type Metrics struct {
	CacheHits         *prometheus.CounterVec
	CacheMisses       prometheus.Counter
	CacheEvictions    *prometheus.CounterVec
	EmbeddingFailures prometheus.Counter
	DedupShared       *prometheus.CounterVec
	LayerDuration     *prometheus.HistogramVec
	LayerAbstentions  *prometheus.CounterVec
	Verdicts          *prometheus.CounterVec
	FailFast          prometheus.Counter
	Escalations       prometheus.Counter
	SignatureChecks   *prometheus.CounterVec
	PipelineOutcomes  *prometheus.CounterVec
	CoreAttempts      prometheus.Histogram
}

// New registers the guard collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_cache_hits_total",
				Help: "Verdict cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmguard_cache_misses_total",
			Help: "Verdict cache lookups that missed every tier",
		}),
		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_cache_evictions_total",
				Help: "Verdict cache evictions by tier",
			},
			[]string{"tier"},
		),
		EmbeddingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmguard_embedding_failures_total",
			Help: "Embedding calls that failed and degraded to a cache miss",
		}),
		DedupShared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_dedup_shared_total",
				Help: "Callers that attached to an in-flight computation",
			},
			[]string{"group"},
		),
		LayerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmguard_layer_duration_seconds",
				Help:    "Time spent in each detector layer",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"layer", "outcome"},
		),
		LayerAbstentions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_layer_abstentions_total",
				Help: "Detector layer calls that failed or timed out",
			},
			[]string{"layer"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_verdicts_total",
				Help: "Fused verdicts by threat type",
			},
			[]string{"threat_type", "is_threat"},
		),
		FailFast: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmguard_fail_fast_total",
			Help: "Verdicts decided by the baseline alone",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmguard_escalations_total",
			Help: "Layer disagreements resolved by the escalation layer",
		}),
		SignatureChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_signature_checks_total",
				Help: "Known-attack signature lookups by result",
			},
			[]string{"result"},
		),
		PipelineOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmguard_pipeline_outcomes_total",
				Help: "Trust pipeline results by terminal stage",
			},
			[]string{"stage", "trusted", "verified"},
		),
		CoreAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmguard_core_attempts",
			Help:    "Core executions per processed request",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
	}
}

// CacheHit records a hit in tier
func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(tier).Inc()
}

// CacheMiss records a lookup that missed every tier
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// CacheEviction records an eviction from tier
func (m *Metrics) CacheEviction(tier string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(tier).Inc()
}

// EmbeddingFailure records a failed embedding call
func (m *Metrics) EmbeddingFailure() {
	if m == nil {
		return
	}
	m.EmbeddingFailures.Inc()
}

// Shared records a caller attaching to an in-flight computation of group
func (m *Metrics) Shared(group string) {
	if m == nil {
		return
	}
	m.DedupShared.WithLabelValues(group).Inc()
}

// ObserveLayer records one layer invocation
func (m *Metrics) ObserveLayer(layer string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "abstained"
		m.LayerAbstentions.WithLabelValues(layer).Inc()
	}
	m.LayerDuration.WithLabelValues(layer, outcome).Observe(elapsed.Seconds())
}

// Verdict records a fused verdict
func (m *Metrics) Verdict(threatType string, isThreat bool) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(threatType, strconv.FormatBool(isThreat)).Inc()
}

// FailFastDecision records a verdict decided by the baseline alone
func (m *Metrics) FailFastDecision() {
	if m == nil {
		return
	}
	m.FailFast.Inc()
}

// Escalation records an escalation layer invocation
func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// SignatureCheck records a signature lookup result
func (m *Metrics) SignatureCheck(result string) {
	if m == nil {
		return
	}
	m.SignatureChecks.WithLabelValues(result).Inc()
}

// PipelineOutcome records the terminal stage of a processed request
func (m *Metrics) PipelineOutcome(stage string, trusted, verified bool, attempts int) {
	if m == nil {
		return
	}
	m.PipelineOutcomes.WithLabelValues(stage, strconv.FormatBool(trusted), strconv.FormatBool(verified)).Inc()
	if attempts > 0 {
		m.CoreAttempts.Observe(float64(attempts))
	}
}
