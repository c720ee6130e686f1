package model

import (
	"fmt"
	"time"
)

// ContainerStatus mirrors physical custody of a single scannable unit.
type ContainerStatus string

const (
	ContainerCreated     ContainerStatus = "CREATED"
	ContainerInTransit   ContainerStatus = "IN_TRANSIT"
	ContainerAtWarehouse ContainerStatus = "AT_WAREHOUSE"
	ContainerDelivered   ContainerStatus = "DELIVERED"
)

// containerStatusRank orders statuses along the custody chain. Transitions
// must only ever move to a higher rank.
var containerStatusRank = map[ContainerStatus]int{
	ContainerCreated:     0,
	ContainerInTransit:   1,
	ContainerAtWarehouse: 2,
	ContainerDelivered:   3,
}

// StatusRank returns the position of s on the custody chain, -1 if unknown.
func StatusRank(s ContainerStatus) int {
	if r, ok := containerStatusRank[s]; ok {
		return r
	}
	return -1
}

// StatusesAtOrBeyond lists the custody statuses whose rank is at least that
// of s. A container further along the chain has, by monotonicity, completed
// every earlier stage.
func StatusesAtOrBeyond(s ContainerStatus) []ContainerStatus {
	chain := []ContainerStatus{ContainerCreated, ContainerInTransit, ContainerAtWarehouse, ContainerDelivered}
	out := make([]ContainerStatus, 0, len(chain))
	for _, c := range chain {
		if StatusRank(c) >= StatusRank(s) {
			out = append(out, c)
		}
	}
	return out
}

// Container is one physical unit inside a shipment. The full set for a
// shipment is generated once by the event processor; afterwards only Status
// and the LastScanned fields mutate, and only through the scan CAS.
type Container struct {
	ContainerID     string          `gorm:"size:80;primaryKey"`
	ShipmentHash    string          `gorm:"size:66;index;not null"`
	SequenceIndex   int             `gorm:"not null"`
	Quantity        int             `gorm:"not null"`
	Status          ContainerStatus `gorm:"size:32;not null"`
	LastScannedBy   *string         `gorm:"size:64"`
	LastScannedRole *string         `gorm:"size:32"`
	LastScannedAt   *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Container) TableName() string { return "containers" }

// ContainerIDFor derives the deterministic identifier of the n-th container
// (1-based) of a shipment. Re-running projection for the same event always
// produces the same ids.
func ContainerIDFor(shipmentHash string, seq int) string {
	return fmt.Sprintf("%s-%d", shipmentHash, seq)
}
