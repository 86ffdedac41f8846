package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
)

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Pinger checks the administrative database.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatsSource exposes broker statistics.
type StatsSource interface {
	Stats() broker.Stats
}

type HealthReport struct {
	Status        HealthStatus `json:"status"`
	Timestamp     time.Time    `json:"timestamp"`
	AdminDatabase string       `json:"admin_database"`
	Broker        broker.Stats `json:"broker"`
}

// HealthService reports overall service health. The service is down when
// the administrative database is unreachable and degraded while any tenant
// database is failing.
type HealthService struct {
	db      Pinger
	stats   StatsSource
	timeout time.Duration
}

func NewHealthService(db Pinger, stats StatsSource, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthService{db: db, stats: stats, timeout: timeout}
}

func (h *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:        HealthOK,
		Timestamp:     time.Now().UTC(),
		AdminDatabase: "connected",
		Broker:        h.stats.Stats(),
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin database health check failed")
		report.AdminDatabase = "disconnected"
		report.Status = HealthDown
		return report
	}
	if report.Broker.Failing > 0 {
		report.Status = HealthDegraded
	}
	return report
}
