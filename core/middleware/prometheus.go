package middleware

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miladsoleymani/pubsub/core"
)

// PrometheusCollector is a MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	processed   *prometheus.CounterVec
	redelivered *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewPrometheusCollector registers the handler metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "messages_processed_total",
			Help:      "Handler invocations by subscription and result.",
		}, []string{"subscription", "result"}),
		redelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "messages_redelivered_total",
			Help:      "Handler invocations for attempts after the first.",
		}, []string{"subscription"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "handler_duration_seconds",
			Help:      "Handler processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscription"}),
	}
	for _, col := range []prometheus.Collector{c.processed, c.redelivered, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) MessageProcessed(subscription string, attempt int, d time.Duration, err error) {
	c.processed.WithLabelValues(subscription, result(err)).Inc()
	if attempt > 1 {
		c.redelivered.WithLabelValues(subscription).Inc()
	}
	c.duration.WithLabelValues(subscription).Observe(d.Seconds())
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrUnrecoverable):
		return "unrecoverable"
	default:
		return "error"
	}
}
