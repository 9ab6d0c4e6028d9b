package engine

import (
	"errors"

	"github.com/blossomkit/nostrconnect"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inbound     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostrconnect_requests_total",
				Help: "Total number of requests sent to remote signers.",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nostrconnect_request_duration_seconds",
				Help:    "Round trip time of requests sent to remote signers.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"method"},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostrconnect_inbound_messages_total",
				Help: "Total number of messages received from relays.",
			},
			[]string{"outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostrconnect_session_transitions_total",
				Help: "Total number of session status changes.",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.duration,
			m.inbound,
			m.transitions,
		)
	}
	return m
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, nostrconnect.ErrTimeout):
		return "timeout"
	case errors.Is(err, nostrconnect.ErrRemote):
		return "remote_error"
	case errors.Is(err, nostrconnect.ErrTransport):
		return "transport_error"
	case errors.Is(err, nostrconnect.ErrSessionRevoked):
		return "revoked"
	case errors.Is(err, nostrconnect.ErrServiceDestroyed):
		return "destroyed"
	}
	return "error"
}
