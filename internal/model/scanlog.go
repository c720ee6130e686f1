package model

import "time"

// ScanResultKind classifies a scan attempt in the audit trail.
type ScanResultKind string

const (
	ScanAccepted ScanResultKind = "ACCEPTED"
	ScanRejected ScanResultKind = "REJECTED"
)

// RejectionCode is the stable machine-readable reason returned to callers for
// refused scans. Rejections are reported, never retried by the core.
type RejectionCode string

const (
	RejectNotFound        RejectionCode = "NOT_FOUND"
	RejectNotOnLedger     RejectionCode = "NOT_ON_LEDGER"
	RejectPriorActorScan  RejectionCode = "PRIOR_ACTOR_SCAN_REQUIRED"
	RejectDuplicate       RejectionCode = "DUPLICATE"
	RejectAlreadyAtTarget RejectionCode = "ALREADY_AT_TARGET_STAGE"
	RejectInternalError   RejectionCode = "ERROR"
)

// ScanLog is append-only: one row per scan attempt, accepted or rejected.
// Rows are never updated or deleted.
type ScanLog struct {
	ID            string         `gorm:"size:36;primaryKey"`
	ContainerID   string         `gorm:"size:80;index;not null"`
	ShipmentHash  string         `gorm:"size:66;index"`
	ActorRole     string         `gorm:"size:32;not null"`
	ActorID       string         `gorm:"size:64;not null"`
	Result        ScanResultKind `gorm:"size:16;not null"`
	RejectionCode *RejectionCode `gorm:"size:32"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
}

func (ScanLog) TableName() string { return "scan_log" }
