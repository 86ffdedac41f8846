package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Resolve outcomes.
const (
	OutcomeHit      = "hit"
	OutcomeConnect  = "connect"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
	OutcomeCooldown = "cooldown"
)

var (
	BrokerResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_resolves_total",
			Help: "Total number of tenant pool resolutions by outcome",
		},
		[]string{"outcome"},
	)
	BrokerConnectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_connect_duration_seconds",
			Help:    "Duration of tenant pool construction and probe in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"engine"},
	)
	BrokerActivePools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_active_pools",
			Help: "Number of live tenant connection pools",
		},
	)
	BrokerFailingTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_failing_tenants",
			Help: "Number of tenants whose last connection attempt failed",
		},
	)
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Total number of tokens issued by type",
		},
		[]string{"type"},
	)
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total number of rejected credentials by reason",
		},
		[]string{"reason"},
	)
	RefreshTokensSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refresh_tokens_swept_total",
			Help: "Total number of expired refresh tokens deleted",
		},
	)
)

// InitMetrics registers every collector with reg.
func InitMetrics(reg prometheus.Registerer) {
	collectors := map[string]prometheus.Collector{
		"BrokerResolves":        BrokerResolves,
		"BrokerConnectDuration": BrokerConnectDuration,
		"BrokerActivePools":     BrokerActivePools,
		"BrokerFailingTenants":  BrokerFailingTenants,
		"TokensIssued":          TokensIssued,
		"AuthFailures":          AuthFailures,
		"RefreshTokensSwept":    RefreshTokensSwept,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}
