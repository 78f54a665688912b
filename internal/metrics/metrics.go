// Package metrics is the Prometheus-backed implementation of
// pubsub.Metrics, grounded in the teacher's root metrics.go (package
// level collectors registered once in init, scraped via promhttp).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	channelsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fiopost_channels",
		Help: "Current number of live channels per collection",
	}, []string{"collection"})

	subscribeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiopost_subscribe_total",
		Help: "Total number of successful subscribe calls",
	})

	unsubscribeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiopost_unsubscribe_total",
		Help: "Total number of unsubscribe calls",
	})

	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiopost_publish_total",
		Help: "Total number of publish calls by mode",
	}, []string{"mode"})

	deliverTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiopost_deliver_total",
		Help: "Total number of on_message invocations",
	})

	deferTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiopost_defer_total",
		Help: "Total number of message_defer redeliveries",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fiopost_queue_depth",
		Help: "Current number of tasks waiting in the deferred-task queue",
	})

	queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fiopost_queue_capacity",
		Help: "Configured capacity of the deferred-task queue",
	})

	queueOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiopost_queue_overflow_total",
		Help: "Total number of tasks that overflowed the deferred-task queue onto an ad-hoc goroutine",
	})
)

func init() {
	prometheus.MustRegister(
		channelsGauge,
		subscribeTotal,
		unsubscribeTotal,
		publishTotal,
		deliverTotal,
		deferTotal,
		queueDepth,
		queueCapacity,
		queueOverflowTotal,
	)
}

// Prometheus implements pubsub.Metrics. It has no fields: every
// collector is a package-level singleton, matching the teacher's
// metrics.go, since a process only ever runs one PostOffice.
type Prometheus struct{}

func (Prometheus) ChannelsGauge(collection string, n int) {
	channelsGauge.WithLabelValues(collection).Set(float64(n))
}

func (Prometheus) SubscribeTotal()   { subscribeTotal.Inc() }
func (Prometheus) UnsubscribeTotal() { unsubscribeTotal.Inc() }

func (Prometheus) PublishTotal(filterMode bool) {
	mode := "channel"
	if filterMode {
		mode = "filter"
	}
	publishTotal.WithLabelValues(mode).Inc()
}

func (Prometheus) DeliverTotal() { deliverTotal.Inc() }
func (Prometheus) DeferTotal()   { deferTotal.Inc() }

func (Prometheus) QueueDepth(depth, capacity int) {
	queueDepth.Set(float64(depth))
	queueCapacity.Set(float64(capacity))
}

func (Prometheus) QueueOverflowTotal() { queueOverflowTotal.Inc() }

// Handler returns the promhttp handler for scraping, to be mounted at
// the configured metrics address.
func Handler() http.Handler { return promhttp.Handler() }
