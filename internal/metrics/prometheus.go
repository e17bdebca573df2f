package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter wires Collector counters into real
// prometheus.Collector instruments for the /metrics endpoint, using
// github.com/prometheus/client_golang for exposition.
type PrometheusExporter struct {
	registry *prometheus.Registry

	published    prometheus.Counter
	delivered    prometheus.Counter
	queued       prometheus.Counter
	failed       prometheus.Counter
	acked        prometheus.Counter
	nacked       prometheus.Counter
	deadLettered prometheus.Counter
	consumerLag  *prometheus.GaugeVec
}

// NewPrometheusExporter builds a fresh registry with broker
// instruments registered.
func NewPrometheusExporter() *PrometheusExporter {
	reg := prometheus.NewRegistry()
	e := &PrometheusExporter{
		registry: reg,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total messages published.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_delivered_total",
			Help: "Total messages delivered synchronously to an online subscriber.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_queued_total",
			Help: "Total messages queued for offline or failed subscribers.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_failed_total",
			Help: "Total synchronous delivery failures.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_acked_total",
			Help: "Total queued messages acknowledged.",
		}),
		nacked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_nacked_total",
			Help: "Total queued messages negatively acknowledged.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_dead_letters_total",
			Help: "Total messages promoted to the dead-letter store.",
		}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_consumer_group_lag",
			Help: "Current offset minus committed offset per consumer group.",
		}, []string{"group"}),
	}
	reg.MustRegister(e.published, e.delivered, e.queued, e.failed, e.acked, e.nacked, e.deadLettered, e.consumerLag)
	return e
}

// Registry exposes the underlying *prometheus.Registry for wiring
// into an http.Handler via promhttp.
func (e *PrometheusExporter) Registry() *prometheus.Registry { return e.registry }

func (e *PrometheusExporter) IncPublished()    { e.published.Inc() }
func (e *PrometheusExporter) IncDelivered()    { e.delivered.Inc() }
func (e *PrometheusExporter) IncQueued()       { e.queued.Inc() }
func (e *PrometheusExporter) IncFailed()       { e.failed.Inc() }
func (e *PrometheusExporter) IncAcked()        { e.acked.Inc() }
func (e *PrometheusExporter) IncNacked()       { e.nacked.Inc() }
func (e *PrometheusExporter) IncDeadLettered() { e.deadLettered.Inc() }

// SetConsumerLag updates the gauge for group.
func (e *PrometheusExporter) SetConsumerLag(group string, lag float64) {
	e.consumerLag.WithLabelValues(group).Set(lag)
}
