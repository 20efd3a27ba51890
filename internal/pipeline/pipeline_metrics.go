package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/scribe/internal/analyst"
)

// Metrics holds Prometheus metrics for the pipeline. All observer methods
// are nil-safe so tests can run without a registry.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	SignalsTotal    *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	AnalyzeDuration prometheus.Histogram
	AttachDuration  prometheus.Histogram
	LLMTokensIn     prometheus.Counter
	LLMTokensOut    prometheus.Counter
	RateBudget      prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_signals_total",
			Help: "Processed alert signals by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transient_retries_total",
			Help: "Total transient failures that triggered a retry.",
		}),
		AnalyzeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_analyze_duration_seconds",
			Help:    "Duration of individual model analysis calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		AttachDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_attach_duration_seconds",
			Help:    "Duration of note write-back calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. ~6.4s
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		RateBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_rate_budget_tokens",
			Help: "Remaining tokens in the analyst rate budget.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.SignalsTotal,
		m.RetriesTotal,
		m.AnalyzeDuration,
		m.AttachDuration,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.RateBudget,
	)

	return m
}

func (m *Metrics) observeRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// AnalystHooks returns hooks that feed the model-call metrics.
func (m *Metrics) AnalystHooks() analyst.Hooks {
	if m == nil {
		return analyst.Hooks{}
	}
	return analyst.Hooks{
		OnModelCall: func(tokensIn, tokensOut int, seconds float64) {
			m.AnalyzeDuration.Observe(seconds)
			m.LLMTokensIn.Add(float64(tokensIn))
			m.LLMTokensOut.Add(float64(tokensOut))
		},
	}
}

func (m *Metrics) observeAttach(seconds float64) {
	if m == nil {
		return
	}
	m.AttachDuration.Observe(seconds)
}

func (m *Metrics) setRateBudget(tokens float64) {
	if m == nil {
		return
	}
	m.RateBudget.Set(tokens)
}
