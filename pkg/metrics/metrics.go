// Package metrics holds the prometheus collectors of a chat session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Recorder is what the chat core reports to. A nil *Metrics is valid and
// records nothing.
type Recorder interface {
	Poll(result string)
	Mutation(kind, status string)
	Unread(total int)
	Dropped(reason string)
}

type Metrics struct {
	registry  *prometheus.Registry
	polls     *prometheus.CounterVec
	mutations *prometheus.CounterVec
	unread    prometheus.Gauge
	dropped   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Conversation list fetches by result.",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind and settlement status.",
		}, []string{"kind", "status"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Aggregate unread badge value.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_responses_total",
			Help:      "Responses discarded because they arrived late or out of order.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.polls, m.mutations, m.unread, m.dropped)
	return m
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) Mutation(kind, status string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Unread(total int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(total))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

