package srv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Close paths recorded in the sessions_closed_total metric.
const (
	closedByTransport = "transport"
	closedByWatchdog  = "watchdog"
	closedByServer    = "server"
)

// Metrics holds the Prometheus collectors of one Server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsOpen   prometheus.Gauge
	admissions     *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	dispatches     prometheus.Counter
	malformed      prometheus.Counter
	messagesSent   prometheus.Counter
	sendFailures   prometheus.Counter
	handlerPanics  prometheus.Counter
}

// NewMetrics creates the server collectors and registers them with reg.
// It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsbus",
			Name:      "sessions_open",
			Help:      "Number of sessions currently registered",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "admissions_total",
			Help:      "Connection attempts by admission result",
		}, []string{"result"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by the path that detected the close",
		}, []string{"path"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "dispatches_total",
			Help:      "Publishes that reached at least one handler",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages that were not a valid envelope",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "messages_sent_total",
			Help:      "Envelopes queued to session sockets",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "send_failures_total",
			Help:      "Envelopes that could not be queued to a socket",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsbus",
			Name:      "handler_panics_total",
			Help:      "Event handlers that panicked",
		}),
	}

	reg.MustRegister(
		m.sessionsOpen,
		m.admissions,
		m.sessionsClosed,
		m.dispatches,
		m.malformed,
		m.messagesSent,
		m.sendFailures,
		m.handlerPanics,
	)
	return m
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("admitted").Inc()
	m.sessionsOpen.Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("rejected").Inc()
}

func (m *Metrics) closed(path string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(path).Inc()
	m.sessionsOpen.Dec()
}

func (m *Metrics) dispatched() {
	if m == nil {
		return
	}
	m.dispatches.Inc()
}

func (m *Metrics) malformedMessage() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) sent(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.messagesSent.Inc()
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) handlerPanicked() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}
