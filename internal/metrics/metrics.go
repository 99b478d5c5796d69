package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsgate"

// Command outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeForwarded = "forwarded"
	OutcomeDropped   = "dropped"
)

// Decode error sources.
const (
	SourceClient = "client"
	SourceBroker = "broker"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	authFailures      prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	commands          *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	workerRestarts    prometheus.Counter
	sessions          prometheus.Gauge
}

// New creates the collectors on a fresh registry, labelled with the instance id.
func New(instance string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"instance": instance}, reg))

	return &Metrics{
		registry: reg,
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open websocket sessions",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total websocket sessions that completed authentication",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total connections closed because no identity could be issued",
		}),
		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total sessions closed by the liveness monitor",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Routing commands processed by the worker, by outcome",
		}, []string{"outcome"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed packets dropped, by source",
		}, []string{"source"}),
		workerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Command worker runs restarted after a backend failure",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_sessions",
			Help:      "Sessions held by the registry",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterDepth exposes a queue depth read on every scrape.
func (m *Metrics) RegisterDepth(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// Command records one routing outcome.
func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// DecodeError records one dropped malformed packet.
func (m *Metrics) DecodeError(source string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
