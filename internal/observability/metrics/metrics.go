package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes the pipeline's Prometheus instruments.
type Metrics struct {
	PaymentEvents      *prometheus.CounterVec
	PaymentCredited    prometheus.Counter
	PaymentUncredited  prometheus.Counter
	SketchTransitions  *prometheus.CounterVec
	DebitConflicts     prometheus.Counter
	ReaperTransitions  prometheus.Counter
	BudgetFailOpen     prometheus.Counter
	BudgetDenied       prometheus.Counter
	RateLimitDenied    prometheus.Counter
	TransformDuration  prometheus.Histogram
	TransformFallbacks prometheus.Counter
}

// New registers the pipeline instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixie_payment_events_total",
			Help: "Payment provider events ingested, by outcome.",
		}, []string{"outcome"}),
		PaymentCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_payment_credits_applied_total",
			Help: "Ledger credits applied from payment events.",
		}),
		PaymentUncredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_payment_uncredited_total",
			Help: "Payment records inserted whose credit step failed.",
		}),
		SketchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixie_sketch_transitions_total",
			Help: "Sketch status transitions, by target status.",
		}, []string{"to"}),
		DebitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_ledger_debit_conflicts_total",
			Help: "CAS debit conflicts recorded for reconciliation.",
		}),
		ReaperTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_reaper_transitions_total",
			Help: "Stuck jobs force-failed by the reaper.",
		}),
		BudgetFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_budget_fail_open_total",
			Help: "Budget checks that failed open on storage errors.",
		}),
		BudgetDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_budget_denied_total",
			Help: "Job admissions denied by the budget hard limit.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_rate_limit_denied_total",
			Help: "Job admissions denied by the per-actor rate limit.",
		}),
		TransformDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixie_transform_duration_seconds",
			Help:    "External transform call duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		TransformFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixie_transform_fallbacks_total",
			Help: "Transform failures that entered the fallback path.",
		}),
	}

	reg.MustRegister(
		m.PaymentEvents,
		m.PaymentCredited,
		m.PaymentUncredited,
		m.SketchTransitions,
		m.DebitConflicts,
		m.ReaperTransitions,
		m.BudgetFailOpen,
		m.BudgetDenied,
		m.RateLimitDenied,
		m.TransformDuration,
		m.TransformFallbacks,
	)
	return m
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Module provides the pipeline metrics.
var Module = fx.Module("observability.metrics",
	fx.Provide(NewDefault),
)
