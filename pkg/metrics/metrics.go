// Package metrics exposes Prometheus collectors for baskets, provisioning and
// the HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenset"

type Metrics struct {
	basketOps    *prometheus.CounterVec
	provisioning *prometheus.CounterVec
	pending      prometheus.Gauge
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		basketOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "basket_operations_total",
			Help:      "Wrap and unwrap calls by basket and result.",
		}, []string{"basket", "operation", "result"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_transitions_total",
			Help:      "Provisioning requests by reached state.",
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provisioning_pending",
			Help:      "Provisioning requests whose action chain has not been resolved.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.basketOps, m.provisioning, m.pending, m.requests, m.latency)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveBasketOp(basket, operation string, err error) {
	if m == nil {
		return
	}
	m.basketOps.WithLabelValues(basket, operation, result(err)).Inc()
}

func (m *Metrics) ObserveProvisioning(status models.InstanceStatus) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(string(status)).Inc()
	switch status {
	case models.InstanceStatusPending:
		m.pending.Inc()
	case models.InstanceStatusConfirmed, models.InstanceStatusCompensated:
		m.pending.Dec()
	}
}

// TrackPending adds instances that are already pending, such as those a
// restarted process inherits, to the pending gauge.
func (m *Metrics) TrackPending(n int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(n))
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
