// Package obs holds the prometheus collectors for the session core and the
// portal shell. Collectors are registered on an injected registerer so tests
// and multiple managers in one process never collide on the default registry.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wardgate"

// Outcome label values.
const (
	OutcomeAuthenticated   = "authenticated"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeNoToken         = "no_token"
	OutcomeNetwork         = "network_error"
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeSuperseded      = "superseded"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionChecks  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	logouts        prometheus.Counter
	authenticated  prometheus.Gauge
	rtConnected    prometheus.Gauge
	rtDials        prometheus.Counter
	rtDialFailures prometheus.Counter
	rtEvents       *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		sessionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_checks_total",
			Help:      "Settled session checks by outcome.",
		}, []string{"outcome"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		logouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logouts, explicit or caused by a failed refresh.",
		}),
		authenticated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_authenticated",
			Help:      "1 while the tab holds a verified session.",
		}),
		rtConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the realtime connection is up.",
		}),
		rtDials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dial_attempts_total",
			Help:      "Realtime dial attempts, including reconnects.",
		}),
		rtDialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dial_failures_total",
			Help:      "Realtime dial attempts that failed.",
		}),
		rtEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_received_total",
			Help:      "Events received on the realtime channel by subscribed topic.",
		}, []string{"topic"}),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "wardgate build information.",
		}, []string{"version"}),

		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight portal shell requests.",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Portal shell requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Portal shell request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SessionCheck(outcome string) {
	if m == nil {
		return
	}
	m.sessionChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}

// SetAuthenticated mirrors the manager's IsAuthenticated flag.
func (m *Metrics) SetAuthenticated(ok bool) {
	if m == nil {
		return
	}
	m.authenticated.Set(boolGauge(ok))
}

func (m *Metrics) SetRealtimeConnected(ok bool) {
	if m == nil {
		return
	}
	m.rtConnected.Set(boolGauge(ok))
}

func (m *Metrics) RealtimeDial(err error) {
	if m == nil {
		return
	}
	m.rtDials.Inc()
	if err != nil {
		m.rtDialFailures.Inc()
	}
}

// UnsubscribedTopic labels events for topics nobody subscribed to. The topic
// label only ever carries names the process chose itself.
const UnsubscribedTopic = "unsubscribed"

func (m *Metrics) RealtimeEvent(topic string) {
	if m == nil {
		return
	}
	m.rtEvents.WithLabelValues(topic).Inc()
}

// SetBuildInfo publishes wardgate_build_info{version="..."} 1.
func (m *Metrics) SetBuildInfo(version string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
