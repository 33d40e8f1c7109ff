// Package metrics carries the proposer's ambient Prometheus instrumentation:
// intention submissions, proposer ticks, and webhook deliveries. Grounded on
// observability/metrics.go's lazily-initialized CounterVec/HistogramVec
// registry idiom, adapted from JSON-RPC module metrics to the proposer's own
// domain.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the proposer emits.
type Registry struct {
	intentions       *prometheus.CounterVec
	intentionLatency *prometheus.HistogramVec
	ticks            *prometheus.CounterVec
	tickLatency      prometheus.Histogram
	tickTransfers    prometheus.Histogram
	webhooks         *prometheus.CounterVec
}

var (
	once registryOnce
	reg  *Registry
)

type registryOnce struct {
	sync.Once
}

// Get returns the process-wide metrics registry, constructing and
// registering it with the default Prometheus registerer on first use.
func Get() *Registry {
	once.Do(func() {
		reg = &Registry{
			intentions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proposer",
				Subsystem: "intentions",
				Name:      "submitted_total",
				Help:      "Total intention submissions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			intentionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proposer",
				Subsystem: "intentions",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution of the intention handling pipeline.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proposer",
				Subsystem: "bundle",
				Name:      "ticks_total",
				Help:      "Total bundle proposer ticks segmented by outcome.",
			}, []string{"outcome"}),
			tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "proposer",
				Subsystem: "bundle",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution of a committed bundle proposer tick.",
				Buckets:   prometheus.DefBuckets,
			}),
			tickTransfers: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "proposer",
				Subsystem: "bundle",
				Name:      "tick_transfers",
				Help:      "Number of transfers committed per bundle proposer tick.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proposer",
				Subsystem: "notify",
				Name:      "webhook_deliveries_total",
				Help:      "Total webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			reg.intentions,
			reg.intentionLatency,
			reg.ticks,
			reg.tickLatency,
			reg.tickTransfers,
			reg.webhooks,
		)
	})
	return reg
}

// ObserveIntention records the outcome of one call to the intention
// handling pipeline.
func (r *Registry) ObserveIntention(action, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	r.intentions.WithLabelValues(action, outcome).Inc()
	r.intentionLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveTick records the outcome of one bundle proposer tick.
func (r *Registry) ObserveTick(outcome string, transferCount int, duration time.Duration) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(outcome).Inc()
	if outcome == "committed" {
		r.tickLatency.Observe(duration.Seconds())
		r.tickTransfers.Observe(float64(transferCount))
	}
}

// ObserveWebhook records the outcome of one webhook delivery attempt.
func (r *Registry) ObserveWebhook(outcome string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(outcome).Inc()
}
