// Package metrics exposes Prometheus counters for replication cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the service's metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	Cycles          *prometheus.CounterVec
	Items           *prometheus.CounterVec
	RateLimits      prometheus.Counter
	PublishDuration prometheus.Histogram
	Cursor          prometheus.Gauge
}

// New creates a recorder with all metrics registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// Cycle outcomes: completed, first_run, fetch_failed, rate_limited, storage_failed
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_cycles_total",
			Help: "Replication cycles by outcome",
		}, []string{"outcome"}),

		// Item outcomes: published, failed, skipped, abandoned
		Items: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_items_total",
			Help: "Source items by processing outcome",
		}, []string{"outcome"}),

		RateLimits: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirror_rate_limited_total",
			Help: "Times the source API reported a rate limit",
		}),

		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirror_publish_duration_seconds",
			Help:    "Time from publish start to first relay acknowledgment or failure",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}),

		Cursor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_cursor_timestamp_seconds",
			Help: "Current replication cursor as a unix timestamp",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// CycleCompleted counts a finished cycle.
func (r *Recorder) CycleCompleted(outcome string) {
	r.Cycles.WithLabelValues(outcome).Inc()
}

// ItemPublished counts a published item and observes its publish latency.
func (r *Recorder) ItemPublished(d time.Duration) {
	r.Items.WithLabelValues("published").Inc()
	r.PublishDuration.Observe(d.Seconds())
}

// ItemFailed counts an item whose publish failed.
func (r *Recorder) ItemFailed(d time.Duration) {
	r.Items.WithLabelValues("failed").Inc()
	r.PublishDuration.Observe(d.Seconds())
}

// ItemSkipped counts an item that was already replicated.
func (r *Recorder) ItemSkipped() {
	r.Items.WithLabelValues("skipped").Inc()
}

// ItemAbandoned counts a failed item too old to hold the cursor back.
func (r *Recorder) ItemAbandoned() {
	r.Items.WithLabelValues("abandoned").Inc()
}

// RateLimited counts a rate-limit response.
func (r *Recorder) RateLimited() {
	r.RateLimits.Inc()
}

// CursorAdvanced records the new cursor position.
func (r *Recorder) CursorAdvanced(t time.Time) {
	r.Cursor.Set(float64(t.UnixNano()) / 1e9)
}
