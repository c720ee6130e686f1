package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidContract is fatal: the configured event source address is missing
// or malformed, so a client cannot be constructed at all.
var ErrInvalidContract = errors.New("ledger: contract address missing or invalid")

// ShipmentEvent is one decoded creation event. BlockNumber doubles as the
// ledger position used for checkpointing.
type ShipmentEvent struct {
	ShipmentHash         string
	Supplier             string
	BatchID              string
	ContainerCount       int
	QuantityPerContainer int
	TxHash               string
	BlockNumber          uint64
	Timestamp            time.Time
}

// Subscription is a live event feed. Err delivers at most one terminal error;
// Unsubscribe releases the underlying resources.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Client is the read-only view of the external ledger. Implementations never
// mutate chain state. FilterShipmentEvents returns events in ascending
// position order.
type Client interface {
	Height(ctx context.Context) (uint64, error)
	FilterShipmentEvents(ctx context.Context, from, to uint64) ([]ShipmentEvent, error)
	SubscribeShipmentEvents(ctx context.Context, ch chan<- ShipmentEvent) (Subscription, error)
	Close()
}
