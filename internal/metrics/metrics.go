package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session layer's Prometheus counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Validations *prometheus.CounterVec
	Logins      *prometheus.CounterVec
	Teardowns   *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbe_session_requests_total",
				Help: "Outbound API requests by method and status class",
			},
			[]string{"method", "class"},
		),
		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbe_session_validations_total",
				Help: "Session validations by outcome",
			},
			[]string{"outcome"},
		),
		Logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbe_session_logins_total",
				Help: "Login attempts by source and result",
			},
			[]string{"source", "result"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbe_session_teardowns_total",
				Help: "Session teardowns by reason",
			},
			[]string{"reason"},
		),
	}
}

// StatusClass maps a status to "2xx".."5xx", or "transport" for 0.
func StatusClass(status int) string {
	if status <= 0 {
		return "transport"
	}
	return strconv.Itoa(status/100) + "xx"
}

func (m *Metrics) RecordRequest(method string, status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, StatusClass(status)).Inc()
}

func (m *Metrics) RecordValidation(outcome string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLogin(source string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Logins.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RecordTeardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
