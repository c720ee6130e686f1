package model

import "time"

// CheckpointStatus reports the state of one ingestion stream.
type CheckpointStatus string

const (
	CheckpointSyncing CheckpointStatus = "SYNCING"
	CheckpointSynced  CheckpointStatus = "SYNCED"
	CheckpointError   CheckpointStatus = "ERROR"
	CheckpointStopped CheckpointStatus = "STOPPED"
)

// Checkpoint is the durable cursor of one ledger ingestion stream.
// LastPosition is monotonically non-decreasing and is advanced only after the
// corresponding domain writes have committed, so replay after a crash resumes
// at or before the last externally observable effect.
type Checkpoint struct {
	ID              uint64           `gorm:"primaryKey"`
	StreamKey       string           `gorm:"size:64;uniqueIndex;not null"`
	LastPosition    uint64           `gorm:"not null;default:0"`
	ChainID         int64            `gorm:"not null"`
	ContractAddress string           `gorm:"size:42;not null"`
	EventsProcessed int64            `gorm:"not null;default:0"`
	Status          CheckpointStatus `gorm:"size:16;not null"`
	LastError       string           `gorm:"type:text"`
	CreatedAt       time.Time        `gorm:"autoCreateTime"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime"`
}

func (Checkpoint) TableName() string { return "checkpoints" }
