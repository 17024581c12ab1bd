package storybridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors of the offline core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	edgeRequests       *prometheus.CounterVec
	cacheWriteFailures prometheus.Counter
	installs           *prometheus.CounterVec
	replays            *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		edgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storybridge",
			Subsystem: "edge",
			Name:      "requests_total",
			Help:      "Requests answered by the edge interceptor, by policy and answer source.",
		}, []string{"policy", "source"}),
		cacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storybridge",
			Subsystem: "edge",
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that failed and were dropped.",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storybridge",
			Subsystem: "edge",
			Name:      "installs_total",
			Help:      "Shell precache installs, by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storybridge",
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Queued mutation replays, by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storybridge",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Mutations waiting in the sync queue after the last write or replay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.edgeRequests, m.cacheWriteFailures, m.installs, m.replays, m.queueDepth)
	}
	return m
}

func (m *Metrics) edgeRequest(policy, source string) {
	if m == nil {
		return
	}
	m.edgeRequests.WithLabelValues(policy, source).Inc()
}

func (m *Metrics) cacheWriteFailed() {
	if m == nil {
		return
	}
	m.cacheWriteFailures.Inc()
}

func (m *Metrics) install(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) replay(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
