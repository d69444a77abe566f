package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentsConnectedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay_broker",
			Name:      "agents_connected",
			Help:      "Bridge hosts currently registered with the broker.",
		},
	)

	connectRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay_broker",
			Name:      "connect_requests_total",
			Help:      "Connect requests received from bridge hosts.",
		},
		[]string{"result"}, // accepted, rejected
	)

	codesPublishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay_broker",
			Name:      "codes_published_total",
			Help:      "OTP events offered to the broker.",
		},
		[]string{"result"}, // broadcast, unchanged, stale, not_running
	)

	pushesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay_broker",
			Name:      "agent_pushes_total",
			Help:      "Messages pushed to bridge hosts.",
		},
		[]string{"status"}, // ok, rejected, timeout, transport_error
	)

	codesConsumedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay_broker",
			Name:      "codes_consumed_total",
			Help:      "Consumption notices handled, by origin.",
		},
		[]string{"origin"}, // agent, api, bus
	)
)
