package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "report_verification"

// Metrics holds the Prometheus collectors for the verification engine.
type Metrics struct {
	// Verification metrics.
	Verifications   *prometheus.CounterVec // labels: status
	ChannelResults  *prometheus.CounterVec // labels: channel, status
	AdapterDuration *prometheus.HistogramVec
	AdapterCache    *prometheus.CounterVec // labels: channel, result={hit,miss}
	ClaimsSkipped   prometheus.Counter

	// Bulk run metrics.
	BulkRunDuration prometheus.Histogram
	BulkProcessed   *prometheus.CounterVec // labels: outcome={verified,disputed,failed,skipped}

	Votes             *prometheus.CounterVec // labels: direction, outcome={accepted,conflict,rejected}
	ModerationActions *prometheus.CounterVec // labels: action
	TrustAdjustments  *prometheus.CounterVec // labels: reason
	EventsPublished   *prometheus.CounterVec // labels: sink, outcome
}

func newMetrics() *Metrics {
	return &Metrics{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Completed report evaluations by resulting overall status.",
		}, []string{"status"}),
		ChannelResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_results_total",
			Help:      "Signal channel verdicts by channel and status.",
		}, []string{"channel", "status"}),
		AdapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_duration_seconds",
			Help:      "Signal adapter call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		AdapterCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_cache_total",
			Help:      "Signal adapter cache lookups by channel and result.",
		}, []string{"channel", "result"}),
		ClaimsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_skipped_total",
			Help:      "Evaluations skipped because the report was already claimed.",
		}),
		BulkRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_run_duration_seconds",
			Help:      "Duration of a bulk verification run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		BulkProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_reports_total",
			Help:      "Reports handled by bulk runs by outcome.",
		}, []string{"outcome"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Community votes by direction and outcome.",
		}, []string{"direction", "outcome"}),
		ModerationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_actions_total",
			Help:      "Moderation actions recorded by action.",
		}, []string{"action"}),
		TrustAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_adjustments_total",
			Help:      "Applied trust score adjustments by reason.",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Report events handed to publishers by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests
// can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Verifications,
		m.ChannelResults,
		m.AdapterDuration,
		m.AdapterCache,
		m.ClaimsSkipped,
		m.BulkRunDuration,
		m.BulkProcessed,
		m.Votes,
		m.ModerationActions,
		m.TrustAdjustments,
		m.EventsPublished,
	}
}
