package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/supplytrace/tracking-service/internal/logger"
	"github.com/supplytrace/tracking-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=1000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Shipment{}, &model.Container{}, &model.Checkpoint{},
		&model.ScanLog{}, &model.OutboxEvent{},
	))
	return NewRepository(db, nil, &kafka.Writer{}, must(logger.New(""))), db
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestCreateShipmentIfAbsent_Duplicate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	s := func() *model.Shipment {
		return &model.Shipment{
			ShipmentHash:         "0xabc",
			BatchID:              "BATCH-1",
			SupplierWallet:       "0xsupplier",
			NumberOfContainers:   3,
			QuantityPerContainer: 10,
			TotalQuantity:        30,
			TxHash:               "0xtx",
			BlockNumber:          7,
			LedgerTimestamp:      time.Now().UTC(),
			Status:               model.ShipmentReadyForDispatch,
		}
	}

	created, err := repo.CreateShipmentIfAbsent(ctx, db, s())
	assert.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateShipmentIfAbsent(ctx, db, s())
	assert.NoError(t, err)
	assert.False(t, created, "second insert of the same hash must be a no-op")

	var n int64
	db.Model(&model.Shipment{}).Count(&n)
	assert.EqualValues(t, 1, n)
}

func TestContainerCAS_ConcurrentScan(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	db.Create(&model.Container{
		ContainerID:   "0xabc-1",
		ShipmentHash:  "0xabc",
		SequenceIndex: 1,
		Quantity:      10,
		Status:        model.ContainerCreated,
	})

	var wg sync.WaitGroup
	outcomes := make([]CASOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _, err := repo.CASContainerStatus(ctx, repo.DB(ctx), "0xabc-1",
				model.ContainerCreated, model.ContainerInTransit,
				fmt.Sprintf("driver-%d", i), model.RoleTransporter, time.Now().UTC())
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, out := range outcomes {
		if out == CASApplied {
			applied++
		} else {
			assert.Equal(t, CASAlreadySatisfied, out)
		}
	}
	assert.Equal(t, 1, applied, "exactly one concurrent scan may win the compare-and-set")

	var c model.Container
	assert.NoError(t, db.First(&c, "container_id = ?", "0xabc-1").Error)
	assert.Equal(t, model.ContainerInTransit, c.Status)
}

func TestContainerCAS_Conflict(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	db.Create(&model.Container{
		ContainerID:   "0xdef-1",
		ShipmentHash:  "0xdef",
		SequenceIndex: 1,
		Quantity:      5,
		Status:        model.ContainerDelivered,
	})

	out, cur, err := repo.CASContainerStatus(ctx, repo.DB(ctx), "0xdef-1",
		model.ContainerCreated, model.ContainerInTransit,
		"driver-1", model.RoleTransporter, time.Now().UTC())
	assert.NoError(t, err)
	assert.Equal(t, CASConflict, out)
	assert.Equal(t, model.ContainerDelivered, cur)
}

func TestAdvanceCheckpoint_Monotonic(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	cp, err := repo.GetOrCreateCheckpoint(ctx, &model.Checkpoint{
		StreamKey:       "shipment-created",
		ChainID:         1,
		ContractAddress: "0xcontract",
	})
	assert.NoError(t, err)
	assert.EqualValues(t, 0, cp.LastPosition)
	assert.Equal(t, model.CheckpointSyncing, cp.Status)

	advanced, err := repo.AdvanceCheckpoint(ctx, "shipment-created", 50, 3)
	assert.NoError(t, err)
	assert.True(t, advanced)

	// stale position is ignored, never rolls the cursor back
	advanced, err = repo.AdvanceCheckpoint(ctx, "shipment-created", 20, 1)
	assert.NoError(t, err)
	assert.False(t, advanced)

	cp, err = repo.GetCheckpoint(ctx, "shipment-created")
	assert.NoError(t, err)
	assert.EqualValues(t, 50, cp.LastPosition)
	assert.EqualValues(t, 3, cp.EventsProcessed)
	assert.Equal(t, model.CheckpointSynced, cp.Status)

	// equal position is allowed: live events within the replayed block
	advanced, err = repo.AdvanceCheckpoint(ctx, "shipment-created", 50, 1)
	assert.NoError(t, err)
	assert.True(t, advanced)

	cp, _ = repo.GetCheckpoint(ctx, "shipment-created")
	assert.EqualValues(t, 50, cp.LastPosition)
	assert.EqualValues(t, 4, cp.EventsProcessed)
}

func TestCountContainersAtStatus_CountsBeyond(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	for i, st := range []model.ContainerStatus{
		model.ContainerCreated, model.ContainerInTransit, model.ContainerAtWarehouse, model.ContainerDelivered,
	} {
		db.Create(&model.Container{
			ContainerID:   model.ContainerIDFor("0xmix", i+1),
			ShipmentHash:  "0xmix",
			SequenceIndex: i + 1,
			Quantity:      1,
			Status:        st,
		})
	}

	n, err := repo.CountContainersAtStatus(ctx, "0xmix", model.ContainerInTransit)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, n, "containers further along the chain count as having passed the stage")

	n, err = repo.CountContainersAtStatus(ctx, "0xmix", model.ContainerDelivered)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
