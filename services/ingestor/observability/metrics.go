// Package observability provides Prometheus metrics for the ingestion
// pipeline: request counters, repair-attempt histograms, and upstream LLM
// call accounting. Metrics are exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fhirbridge"

const ingestSubsystem = "ingest"

// LLM call operations for metrics labeling.
const (
	OpClassify   = "classify"
	OpExtract    = "extract"
	OpRepair     = "repair"
	OpSynthesize = "synthesize"
)

// Metrics holds all Prometheus metrics for the ingestion service.
// Initialize once at startup via InitMetrics(); all operations are
// thread-safe via Prometheus's internal locking.
type Metrics struct {
	// IngestsTotal counts completed ingestion requests.
	// Labels: status (completed, partial, failed), modality
	IngestsTotal *prometheus.CounterVec

	// AttemptsPerIngest observes how many extraction attempts each
	// submission needed before success or fallback.
	AttemptsPerIngest prometheus.Histogram

	// LLMRequestsTotal counts upstream chat calls.
	// Labels: op (classify, extract, repair, synthesize), outcome (success, error, busy)
	LLMRequestsTotal *prometheus.CounterVec

	// LLMLatencySeconds measures upstream chat latency.
	// Labels: op
	LLMLatencySeconds *prometheus.HistogramVec

	// RepairNotesTotal counts firewall rewrites by rule.
	// Labels: rule (platelet_scaled, mpv_swap, ...)
	RepairNotesTotal *prometheus.CounterVec

	// TokensTotal counts upstream tokens by direction.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *Metrics {
	return &Metrics{
		IngestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "requests_total",
				Help:      "Completed ingestion requests by status and modality",
			},
			[]string{"status", "modality"},
		),

		AttemptsPerIngest: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "attempts_per_request",
				Help:      "Extraction attempts needed per ingestion request",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
		),

		LLMRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "llm_requests_total",
				Help:      "Upstream chat completions by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		LLMLatencySeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "llm_latency_seconds",
				Help:      "Upstream chat completion latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"op"},
		),

		RepairNotesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "repair_notes_total",
				Help:      "Firewall rewrites applied, by rule",
			},
			[]string{"rule"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "llm_tokens_total",
				Help:      "Upstream tokens consumed by direction",
			},
			[]string{"direction"},
		),
	}
}

// RecordIngest records one finished ingestion request. Nil-safe.
func (m *Metrics) RecordIngest(status, modality string, attempts int) {
	if m == nil {
		return
	}
	m.IngestsTotal.WithLabelValues(status, modality).Inc()
	m.AttemptsPerIngest.Observe(float64(attempts))
}

// RecordLLMCall records one upstream chat call. Nil-safe.
func (m *Metrics) RecordLLMCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(op, outcome).Inc()
	if outcome == "success" {
		m.LLMLatencySeconds.WithLabelValues(op).Observe(seconds)
	}
}

// RecordTokens records upstream token usage. Nil-safe.
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(input))
	m.TokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordRepairRule records one firewall rewrite. Nil-safe.
func (m *Metrics) RecordRepairRule(rule string) {
	if m == nil {
		return
	}
	m.RepairNotesTotal.WithLabelValues(rule).Inc()
}
