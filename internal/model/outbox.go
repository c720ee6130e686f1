package model

import "time"

// Domain event types written to the outbox.
const (
	EventShipmentIndexed       = "shipment.indexed"
	EventScanAccepted          = "scan.accepted"
	EventShipmentStatusChanged = "shipment.status_changed"
)

// OutboxEvent is written in the same transaction as the domain mutation it
// describes and drained to Kafka by the poller, so downstream consumers never
// see an event for a write that did not commit.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:80;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
