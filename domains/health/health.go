package health

import (
	"context"
	"time"
)

type EntityType string

const (
	EntityDatabase   EntityType = "database"
	EntityValkey     EntityType = "valkey"
	EntityCredential EntityType = "platform_credential"
)

type Status string

const (
	StatusOk      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusError   Status = "ERROR"
)

type HealthRecord struct {
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Status      Status     `json:"status"`
	LastMessage string     `json:"last_message,omitempty"`
	LastChecked time.Time  `json:"last_checked"`
}

// Report is the overall answer of a health check. Healthy is false when any
// record is in error; warnings do not fail the check.
type Report struct {
	Healthy bool           `json:"healthy"`
	Records []HealthRecord `json:"records"`
}

type IHealthUsecase interface {
	CheckAll(ctx context.Context) Report
}
