// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wa_gateway"

// StateCounter reports how many live sessions sit in each state.
type StateCounter func() map[string]int

type Metrics struct {
	registry        *prometheus.Registry
	messagesSent    prometheus.Counter
	quotaRejections *prometheus.CounterVec
	reconnects      prometheus.Counter
}

// New builds a private registry with the process collectors and the
// gateway's own series. sessions may be nil.
func New(sessions StateCounter) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the protocol layer successfully.",
		}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by a quota check, by dimension.",
		}, []string{"dimension"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnect tasks queued after a connection closed.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.quotaRejections,
		m.reconnects,
	)
	if sessions != nil {
		m.registry.MustRegister(newSessionCollector(sessions))
	}
	return m
}

func (m *Metrics) MessageSent() { m.messagesSent.Inc() }

// QuotaRejected satisfies services.RejectionRecorder.
func (m *Metrics) QuotaRejected(dimension string) {
	m.quotaRejections.WithLabelValues(dimension).Inc()
}

func (m *Metrics) ReconnectScheduled(string) { m.reconnects.Inc() }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type sessionCollector struct {
	desc  *prometheus.Desc
	count StateCounter
}

func newSessionCollector(count StateCounter) *sessionCollector {
	return &sessionCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Live sessions in this process, by connection state.",
			[]string{"state"}, nil,
		),
		count: count,
	}
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.count() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
