package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hostDialsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runtime_agent",
			Name:      "host_dials_total",
			Help:      "Attempts to open a bridge host connection.",
		},
		[]string{"result"}, // ok, error
	)

	hostEnvelopesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runtime_agent",
			Name:      "host_envelopes_total",
			Help:      "Envelopes received from the bridge host.",
		},
		[]string{"event"},
	)

	codesUsedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runtime_agent",
			Name:      "codes_used_total",
			Help:      "code.used notices from pages.",
		},
		[]string{"result"}, // forwarded, not_connected, send_error
	)

	givenUpCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runtime_agent",
			Name:      "given_up_total",
			Help:      "Times the agent stopped reconnecting.",
		},
	)
)
