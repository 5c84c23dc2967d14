package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscription metrics
	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_subscriptions_total",
			Help: "Total number of subscriptions by state",
		},
		[]string{"state"},
	)

	SubscriptionConfirmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_subscription_confirm_total",
			Help: "Total number of subscription confirmation attempts by outcome",
		},
		[]string{"outcome"}, // verified, failed, given_up
	)

	SubscriptionConfirmDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_subscription_confirm_duration_seconds",
			Help:    "Time taken for a challenge round-trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Feed fetch/diff metrics
	FeedFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_feed_fetch_total",
			Help: "Total number of feed fetch attempts by outcome",
		},
		[]string{"outcome"}, // not_modified, diffed, no_change, failed, no_subscribers
	)

	FeedFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_feed_fetch_duration_seconds",
			Help:    "Time taken to fetch and diff one topic in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FeedEntriesDiffedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_feed_entries_diffed_total",
			Help: "Total number of entries found new or updated by a fetch",
		},
		[]string{"kind"}, // new, changed
	)

	// Delivery metrics
	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_delivery_attempts_total",
			Help: "Total number of per-subscriber delivery attempts by outcome",
		},
		[]string{"outcome"}, // success, failed
	)

	DeliveryChunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_delivery_chunk_duration_seconds",
			Help:    "Time taken to deliver one chunk of subscribers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"}, // normal, retry
	)

	EventsTotallyFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_totally_failed_total",
			Help: "Total number of events that exhausted all retry attempts",
		},
	)

	EventsCleanedUpTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_cleaned_up_total",
			Help: "Total number of totally-failed events reaped by age",
		},
	)

	// Bootstrap poller metrics
	BootstrapCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_bootstrap_cycles_total",
			Help: "Total number of bootstrap polling generations started",
		},
	)

	BootstrapFeedsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_bootstrap_feeds_enqueued_total",
			Help: "Total number of FeedToFetch rows inserted by the bootstrap poller",
		},
	)

	// Task queue metrics
	TaskEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_task_enqueued_total",
			Help: "Total number of tasks enqueued by queue name",
		},
		[]string{"queue"},
	)

	TaskEnqueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_task_enqueue_retries_total",
			Help: "Total number of transient enqueue failures retried",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_api_requests_total",
			Help: "Total number of HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(SubscriptionConfirmTotal)
	prometheus.MustRegister(SubscriptionConfirmDuration)
	prometheus.MustRegister(FeedFetchTotal)
	prometheus.MustRegister(FeedFetchDuration)
	prometheus.MustRegister(FeedEntriesDiffedTotal)
	prometheus.MustRegister(DeliveryAttemptsTotal)
	prometheus.MustRegister(DeliveryChunkDuration)
	prometheus.MustRegister(EventsTotallyFailedTotal)
	prometheus.MustRegister(EventsCleanedUpTotal)
	prometheus.MustRegister(BootstrapCyclesTotal)
	prometheus.MustRegister(BootstrapFeedsEnqueuedTotal)
	prometheus.MustRegister(TaskEnqueuedTotal)
	prometheus.MustRegister(TaskEnqueueRetriesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
