package application

import (
	"context"
	"fmt"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/domains/health"
)

// Pinger is anything with a liveness probe, e.g. the database or Valkey.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthService checks the stores the engine depends on and reports every
// credential that is not healthy.
type HealthService struct {
	database Pinger
	valkey   Pinger
	creds    domainCredential.ICredentialStore
	timeout  time.Duration
}

var _ health.IHealthUsecase = (*HealthService)(nil)

// NewHealthService builds the checker. valkey may be nil when it is disabled.
func NewHealthService(database, valkey Pinger, creds domainCredential.ICredentialStore) *HealthService {
	return &HealthService{database: database, valkey: valkey, creds: creds, timeout: 3 * time.Second}
}

func (s *HealthService) CheckAll(ctx context.Context) health.Report {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	now := time.Now().UTC()

	report := health.Report{Healthy: true}
	add := func(r health.HealthRecord) {
		r.LastChecked = now
		if r.Status == health.StatusError {
			report.Healthy = false
		}
		report.Records = append(report.Records, r)
	}

	add(pingRecord(ctx, health.EntityDatabase, s.database))
	if s.valkey != nil {
		add(pingRecord(ctx, health.EntityValkey, s.valkey))
	}

	if s.creds != nil {
		creds, err := s.creds.List(ctx, "")
		if err != nil {
			add(health.HealthRecord{EntityType: health.EntityCredential, EntityID: "*", Status: health.StatusError, LastMessage: err.Error()})
			return report
		}
		for _, c := range creds {
			if c.Health == domainCredential.HealthHealthy && c.Usable() {
				continue
			}
			add(health.HealthRecord{
				EntityType:  health.EntityCredential,
				EntityID:    fmt.Sprintf("%s/%s/%s", c.TenantID, c.Platform, c.AccountID),
				Status:      health.StatusWarning,
				LastMessage: fmt.Sprintf("%s: %s", c.Health, c.HealthReason),
			})
		}
	}
	return report
}

func pingRecord(ctx context.Context, entity health.EntityType, p Pinger) health.HealthRecord {
	r := health.HealthRecord{EntityType: entity, EntityID: string(entity), Status: health.StatusOk}
	if p == nil {
		r.Status = health.StatusError
		r.LastMessage = "not configured"
		return r
	}
	if err := p.Ping(ctx); err != nil {
		r.Status = health.StatusError
		r.LastMessage = err.Error()
	}
	return r
}
