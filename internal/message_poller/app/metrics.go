package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollTicksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "message_poller",
			Name:      "ticks_total",
			Help:      "Total number of poll ticks.",
		},
		[]string{"status"}, // ok, source_error
	)

	messagesScannedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "message_poller",
			Name:      "messages_scanned_total",
			Help:      "Messages handed to the parser.",
		},
	)

	otpEventsEmittedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "message_poller",
			Name:      "otp_events_emitted_total",
			Help:      "OTP events published to sinks.",
		},
	)

	pollDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "message_poller",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
