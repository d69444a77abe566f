package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	parseResultCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otp_parser",
			Name:      "parse_total",
			Help:      "Total number of message bodies parsed.",
		},
		[]string{"stage"}, // blacklisted, custom, builtin, numeric, alphanumeric, none
	)

	parseDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "otp_parser",
			Name:      "parse_duration_seconds",
			Help:      "Duration of offline parsing of one message body.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01},
		},
		[]string{"stage"},
	)

	customRulesRejectedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otp_parser",
			Name:      "custom_rules_rejected_total",
			Help:      "Custom rules dropped at load time.",
		},
	)
)
