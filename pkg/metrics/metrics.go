// Package metrics exposes client counters as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can hold one
// unconditionally.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/croquet-sync/croquet-go/pkg/rpc"
)

const namespace = "croquet"

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRemote      = "remote_error"
	OutcomeSessionLost = "session_lost"
	OutcomeClosed      = "closed"
	OutcomeOther       = "error"
)

// Metrics holds the client collectors.
type Metrics struct {
	sessions        prometheus.Counter
	disconnects     *prometheus.CounterVec
	reconnects      prometheus.Counter
	framesSent      prometheus.Counter
	messagesRecv    *prometheus.CounterVec
	transportErrors prometheus.Counter

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	waiting         prometheus.Gauge

	subscriptions prometheus.Gauge
	evictions     *prometheus.CounterVec

	errorsReported prometheus.Counter
	errorsDropped  prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// disables metrics and returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sessions_total",
			Help:      "Sessions established",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Sessions ended, by whether the client asked for it",
		}, []string{"requested"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Connect retries scheduled after a failure",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Request frames accepted by the server",
		}),
		messagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Messages received, by type",
		}, []string{"type"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Failed exchanges and malformed batches",
		}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Completed requests, by type and outcome",
		}, []string{"type", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time from enqueue to response",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"type"}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "waiting",
			Help:      "1 while at least one request is past the wait threshold",
		}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "cached",
			Help:      "Keys in the subscription cache",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "evictions_total",
			Help:      "Cache entries removed, by whether unsub was sent",
		}, []string{"unsubscribed"}),

		errorsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "errors_reported_total",
			Help:      "Errors sent to the server",
		}),
		errorsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "errors_dropped_total",
			Help:      "Errors not sent because of rate limiting",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sessions, m.disconnects, m.reconnects, m.framesSent, m.messagesRecv, m.transportErrors,
		m.requests, m.requestDuration, m.waiting,
		m.subscriptions, m.evictions,
		m.errorsReported, m.errorsDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SessionStarted counts an established session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionEnded counts a torn down session.
func (m *Metrics) SessionEnded(requested bool) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(strconv.FormatBool(requested)).Inc()
}

// ReconnectScheduled counts a connect retry.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// FramesSent counts frames accepted by the server.
func (m *Metrics) FramesSent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Add(float64(n))
}

// MessageReceived counts an inbound message.
func (m *Metrics) MessageReceived(typ string) {
	if m == nil {
		return
	}
	m.messagesRecv.WithLabelValues(typ).Inc()
}

// TransportError counts a failed exchange or malformed batch.
func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

// RequestCompleted records a finished request.
func (m *Metrics) RequestCompleted(c rpc.Completion) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(c.Type, Outcome(c.Err)).Inc()
	m.requestDuration.WithLabelValues(c.Type).Observe(c.Latency.Seconds())
}

// Waiting records whether requests are past the wait threshold.
func (m *Metrics) Waiting(waiting bool) {
	if m == nil {
		return
	}
	if waiting {
		m.waiting.Set(1)
	} else {
		m.waiting.Set(0)
	}
}

// SubscriptionCreated counts a new cache entry.
func (m *Metrics) SubscriptionCreated() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionEvicted counts a removed cache entry.
func (m *Metrics) SubscriptionEvicted(unsubscribed bool) {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
	m.evictions.WithLabelValues(strconv.FormatBool(unsubscribed)).Inc()
}

// ErrorReported counts an error sent to the server, or one dropped by the
// rate limit.
func (m *Metrics) ErrorReported(dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.errorsDropped.Inc()
	} else {
		m.errorsReported.Inc()
	}
}

// Outcome classifies a request error.
func Outcome(err error) string {
	var remote *rpc.RemoteError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &remote):
		return OutcomeRemote
	case errors.Is(err, rpc.ErrSessionLost):
		return OutcomeSessionLost
	case errors.Is(err, rpc.ErrClosed):
		return OutcomeClosed
	}
	return OutcomeOther
}
