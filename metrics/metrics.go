// ABOUTME: Prometheus collectors for subscription, prefetch and publish activity
// ABOUTME: A nil *Metrics is valid and records nothing
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeSkipped   = "skipped"
	OutcomeDiscarded = "discarded"
)

// Metrics groups every collector the sync layer reports.
type Metrics struct {
	eventsApplied    *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	switches         *prometheus.CounterVec
	fetchFailures    *prometheus.CounterVec
	publishAttempts  *prometheus.CounterVec
	prefetchDuration prometheus.Histogram
	refetchDuration  *prometheus.HistogramVec
	storeSize        *prometheus.GaugeVec
}

// New registers collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Change events applied to a store",
		}, []string{"resource", "kind"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change events discarded before reaching a store",
		}, []string{"resource", "reason"}),
		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Change events that failed schema validation",
		}, []string{"resource"}),
		switches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_switches_total",
			Help:      "Active operation changes handled by a coordinator",
		}, []string{"resource"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed collection fetches",
		}, []string{"resource"}),
		publishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_publish_total",
			Help:      "Location publish ticks by outcome",
		}, []string{"outcome"}),
		prefetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prefetch_duration_seconds",
			Help:      "Time to warm the cache for one operation",
			Buckets:   prometheus.DefBuckets,
		}),
		refetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refetch_duration_seconds",
			Help:      "Time to load a baseline after subscribing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		storeSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_items",
			Help:      "Items currently held by a live store",
		}, []string{"resource"}),
	}
}

func (m *Metrics) EventApplied(resource, kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(resource, kind).Inc()
}

func (m *Metrics) EventDropped(resource, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(resource, reason).Inc()
}

func (m *Metrics) DecodeFailed(resource string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(resource).Inc()
}

func (m *Metrics) Switched(resource string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(resource).Inc()
}

func (m *Metrics) FetchFailed(resource string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(resource).Inc()
}

func (m *Metrics) Published(outcome string) {
	if m == nil {
		return
	}
	m.publishAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePrefetch(d time.Duration) {
	if m == nil {
		return
	}
	m.prefetchDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRefetch(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.refetchDuration.WithLabelValues(resource).Observe(d.Seconds())
}

func (m *Metrics) SetStoreSize(resource string, n int) {
	if m == nil {
		return
	}
	m.storeSize.WithLabelValues(resource).Set(float64(n))
}
