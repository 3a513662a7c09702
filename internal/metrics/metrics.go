// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_events_published_total",
			Help: "Change events published on the document bus, by kind.",
		},
		[]string{"kind"},
	)

	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_subscribers_dropped_total",
			Help: "Subscribers disconnected because their queue was full.",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_bus_subscribers",
			Help: "Current number of bus subscriptions across all documents.",
		},
	)

	RelayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_relay_errors_total",
			Help: "Failures publishing to or decoding from the cross-replica relay.",
		},
		[]string{"relay", "op"},
	)

	PresenceExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_presence_expired_total",
			Help: "Presence records removed by the staleness sweep.",
		},
	)

	HeartbeatsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_heartbeats_throttled_total",
			Help: "Presence upserts rejected by the per-user rate limiter.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		SubscribersDropped,
		Subscribers,
		RelayErrors,
		PresenceExpired,
		HeartbeatsThrottled,
		HTTPRequests,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterPresenceGauge exports the number of live presence records, read
// from count at scrape time. Calling it twice keeps the first registration.
func RegisterPresenceGauge(count func() int) {
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "huddle_presence_active",
			Help: "Presence records not yet past the staleness timeout.",
		},
		func() float64 { return float64(count()) },
	)
	if err := prometheus.Register(g); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}
