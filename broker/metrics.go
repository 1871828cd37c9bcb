package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	bErrors "github.com/senser-io/senser/broker/errors"
)

const namespace = "senser"

// Metrics groups the collectors updated by publishers and subscribers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	timeouts prometheus.Counter
	pending  prometheus.Gauge
	messages *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "The total number of calls issued by publishers.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Time spent waiting for replies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_timeouts_total",
			Help:      "The total number of calls abandoned after their deadline.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_calls",
			Help:      "Calls currently waiting for a reply.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "The total number of requests processed by subscribers.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.timeouts, m.pending, m.messages)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return bErrors.KindOf(err).String()
}

func (m *Metrics) observeCall(t string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(t, outcome(err)).Inc()
	m.duration.WithLabelValues(t).Observe(time.Since(started).Seconds())
	if bErrors.Is(err, bErrors.Timeout) {
		m.timeouts.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeMessage(t string, err error) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(t, outcome(err)).Inc()
}
