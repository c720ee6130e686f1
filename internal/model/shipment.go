package model

import "time"

// ShipmentStatus is the aggregate lifecycle status of a dispatch batch.
type ShipmentStatus string

const (
	ShipmentReadyForDispatch ShipmentStatus = "READY_FOR_DISPATCH"
	ShipmentInTransit        ShipmentStatus = "IN_TRANSIT"
	ShipmentAtWarehouse      ShipmentStatus = "AT_WAREHOUSE"
	ShipmentDelivered        ShipmentStatus = "DELIVERED"
)

// Shipment is one dispatch batch, created exactly once from a ledger event.
// The ledger anchor (TxHash/BlockNumber/LedgerTimestamp) is written at
// projection time and never mutated afterwards. The unique index on
// ShipmentHash is what makes projection idempotent under concurrent
// replay/subscription overlap.
type Shipment struct {
	ID                   uint64         `gorm:"primaryKey"`
	ShipmentHash         string         `gorm:"size:66;uniqueIndex;not null"`
	BatchID              string         `gorm:"size:64;not null"`
	SupplierWallet       string         `gorm:"size:42;not null"`
	NumberOfContainers   int            `gorm:"not null"`
	QuantityPerContainer int            `gorm:"not null"`
	TotalQuantity        int            `gorm:"not null"`
	TxHash               string         `gorm:"size:66;not null"`
	BlockNumber          uint64         `gorm:"not null"`
	LedgerTimestamp      time.Time      `gorm:"not null"`
	Status               ShipmentStatus `gorm:"size:32;not null"`
	AssignedTransporter  *string        `gorm:"size:42"`
	AssignedWarehouse    *string        `gorm:"size:42"`
	AssignedRetailer     *string        `gorm:"size:42"`
	CreatedAt            time.Time      `gorm:"autoCreateTime"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime"`
}

func (Shipment) TableName() string { return "shipments" }
