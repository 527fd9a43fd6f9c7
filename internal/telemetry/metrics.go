package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mwapoauth",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CallbackOutcomesTotal counts C4 callback completions by result kind and provider.
var CallbackOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mwapoauth",
		Subsystem: "callback",
		Name:      "outcomes_total",
		Help:      "Total number of OAuth callback attempts by outcome kind and provider.",
	},
	[]string{"provider", "kind"},
)

// TokenExchangeDuration tracks latency of the provider token-endpoint exchange (C2).
var TokenExchangeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mwapoauth",
		Subsystem: "protocol",
		Name:      "token_exchange_duration_seconds",
		Help:      "Duration of authorization-code and refresh token exchanges, by provider and grant type.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"provider", "grant_type"},
)

// TokenRefreshTotal counts C6 refresh attempts by outcome.
var TokenRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mwapoauth",
		Subsystem: "refresh",
		Name:      "attempts_total",
		Help:      "Total number of token refresh attempts by outcome kind.",
	},
	[]string{"provider", "kind"},
)

// ActiveSecurityAlerts reports the current count of unresolved security alerts (C7).
var ActiveSecurityAlerts = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mwapoauth",
		Subsystem: "monitoring",
		Name:      "active_alerts",
		Help:      "Current number of unresolved security alerts.",
	},
)

// SuspiciousPatternsDetectedTotal counts C7 pattern detections by pattern type.
var SuspiciousPatternsDetectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mwapoauth",
		Subsystem: "monitoring",
		Name:      "patterns_detected_total",
		Help:      "Total number of suspicious patterns detected, by pattern type.",
	},
	[]string{"pattern_type"},
)

// StateValidationFailuresTotal counts C1 state-parameter rejections by reason.
var StateValidationFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mwapoauth",
		Subsystem: "security",
		Name:      "state_validation_failures_total",
		Help:      "Total number of state parameter validation failures, by reason.",
	},
	[]string{"reason"},
)

// oauthCollectors returns all OAuth-subsystem-specific metrics for registration.
func oauthCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CallbackOutcomesTotal,
		TokenExchangeDuration,
		TokenRefreshTotal,
		ActiveSecurityAlerts,
		SuspiciousPatternsDetectedTotal,
		StateValidationFailuresTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP duration histogram, and every OAuth-subsystem collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(HTTPRequestDuration)
	for _, c := range oauthCollectors() {
		reg.MustRegister(c)
	}
	return reg
}
