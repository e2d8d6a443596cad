package chat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core's Prometheus collectors on a private registry, so
// several cores can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	messages        prometheus.Counter
	framesDelivered prometheus.Counter
	slowConsumers   prometheus.Counter
	presence        *prometheus.CounterVec
	commandErrors   *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
}

func newMetrics(sessions *SessionRegistry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_total",
			Help:      "Messages persisted and fanned out.",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued on session outbound queues.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "slow_consumers_total",
			Help:      "Sessions closed because their outbound queue was full.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "presence_events_total",
			Help:      "Presence events emitted, by status.",
		}, []string{"status"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "command_errors_total",
			Help:      "Errors returned to clients, by reason code.",
		}, []string{"code"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "auth_failures_total",
			Help:      "Connections dropped during authentication, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.framesDelivered,
		m.slowConsumers,
		m.presence,
		m.commandErrors,
		m.authFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "sessions",
			Help:      "Live authenticated sessions.",
		}, func() float64 { return float64(sessions.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_users",
			Help:      "Users with at least one live session.",
		}, func() float64 { return float64(sessions.UserCount()) }),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
