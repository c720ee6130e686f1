package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/supplytrace/tracking-service/internal/ledger"
	"github.com/supplytrace/tracking-service/internal/logger"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeSub struct{ errc chan error }

func (s *fakeSub) Err() <-chan error { return s.errc }
func (s *fakeSub) Unsubscribe()      {}

// fakeLedger is an in-memory ledger read endpoint. Tests append events and
// can drop the live connection to exercise the reconnect path.
type fakeLedger struct {
	mu        sync.Mutex
	height    uint64
	events    []ledger.ShipmentEvent
	sub       chan<- ledger.ShipmentEvent
	subErrc   chan error
	heightErr error
}

func (f *fakeLedger) Height(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeLedger) FilterShipmentEvents(ctx context.Context, from, to uint64) ([]ledger.ShipmentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.ShipmentEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) SubscribeShipmentEvents(ctx context.Context, ch chan<- ledger.ShipmentEvent) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = ch
	f.subErrc = make(chan error, 1)
	return &fakeSub{errc: f.subErrc}, nil
}

func (f *fakeLedger) Close() {}

// append records an event without delivering it, as if it happened while the
// indexer was offline.
func (f *fakeLedger) append(ev ledger.ShipmentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if ev.BlockNumber > f.height {
		f.height = ev.BlockNumber
	}
}

// emit records an event and pushes it to the live subscription.
func (f *fakeLedger) emit(ev ledger.ShipmentEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	if ev.BlockNumber > f.height {
		f.height = ev.BlockNumber
	}
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub <- ev
	}
}

func (f *fakeLedger) dropConnection(err error) {
	f.mu.Lock()
	errc := f.subErrc
	f.mu.Unlock()
	errc <- err
}

func newTestRepo(t *testing.T) *repo.Repository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=1000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Shipment{}, &model.Container{}, &model.Checkpoint{},
		&model.ScanLog{}, &model.OutboxEvent{},
	))
	log, err := logger.New("")
	assert.NoError(t, err)
	return repo.NewRepository(db, nil, &kafka.Writer{}, log)
}

func testConfig(stream string) Config {
	return Config{
		StreamKey:         stream,
		ChainID:           1,
		ContractAddress:   "0x00000000000000000000000000000000000000aa",
		StartBlock:        1,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		StaleThreshold:    100,
	}
}

func shipmentEvent(hash string, block uint64, containers int) ledger.ShipmentEvent {
	return ledger.ShipmentEvent{
		ShipmentHash:         hash,
		Supplier:             "0xsupplier",
		BatchID:              "B-" + hash,
		ContainerCount:       containers,
		QuantityPerContainer: 10,
		TxHash:               "0xtx-" + hash,
		BlockNumber:          block,
		Timestamp:            time.Now().UTC(),
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestReplayProjectsEachEventOnce(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{height: 10}
	fake.append(shipmentEvent("0xaaa", 5, 3))
	fake.append(shipmentEvent("0xbbb", 6, 2))

	log, _ := logger.New("")
	ix := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	waitFor(t, "replay to finish", func() bool {
		st := ix.Status()
		return st.CheckpointPosition == 10 && st.Connected
	})

	ctx := context.Background()
	var shipments int64
	r.DB(ctx).Model(&model.Shipment{}).Count(&shipments)
	assert.EqualValues(t, 2, shipments)

	n, err := r.ContainerCount(ctx, r.DB(ctx), "0xaaa")
	assert.NoError(t, err)
	assert.EqualValues(t, 3, n)

	cp, err := r.GetCheckpoint(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 10, cp.LastPosition)
	assert.EqualValues(t, 2, cp.EventsProcessed)
	assert.Equal(t, model.CheckpointSynced, cp.Status)

	// a replayed event arriving again on the live feed is a duplicate:
	// nothing new is written and the processed counter does not move
	fake.emit(shipmentEvent("0xaaa", 5, 3))
	fake.emit(shipmentEvent("0xccc", 11, 1))

	waitFor(t, "live event projection", func() bool {
		return ix.Status().CheckpointPosition == 11
	})

	r.DB(ctx).Model(&model.Shipment{}).Count(&shipments)
	assert.EqualValues(t, 3, shipments)
	n, _ = r.ContainerCount(ctx, r.DB(ctx), "0xaaa")
	assert.EqualValues(t, 3, n, "duplicate delivery must not regenerate containers")

	cp, _ = r.GetCheckpoint(ctx, "s1")
	assert.EqualValues(t, 11, cp.LastPosition)
	assert.EqualValues(t, 3, cp.EventsProcessed, "duplicates do not count as processed")
}

func TestRestartResumesFromCheckpoint(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{height: 10}
	fake.append(shipmentEvent("0xaaa", 5, 3))

	log, _ := logger.New("")
	ix := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))
	waitFor(t, "initial sync", func() bool { return ix.Status().Connected })
	ix.Stop()

	ctx := context.Background()
	cp, err := r.GetCheckpoint(ctx, "s1")
	assert.NoError(t, err)
	assert.Equal(t, model.CheckpointStopped, cp.Status)
	assert.EqualValues(t, 10, cp.LastPosition)

	// events land while the indexer is down, including a re-delivery of an
	// already projected one
	fake.append(shipmentEvent("0xaaa", 5, 3))
	fake.append(shipmentEvent("0xnew", 12, 4))

	ix2 := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix2.Start(context.Background()))
	defer ix2.Stop()

	waitFor(t, "resume replay", func() bool { return ix2.Status().CheckpointPosition == 12 })

	var shipments int64
	r.DB(ctx).Model(&model.Shipment{}).Count(&shipments)
	assert.EqualValues(t, 2, shipments)

	n, _ := r.ContainerCount(ctx, r.DB(ctx), "0xaaa")
	assert.EqualValues(t, 3, n)

	cp, _ = r.GetCheckpoint(ctx, "s1")
	assert.EqualValues(t, 12, cp.LastPosition)
	assert.EqualValues(t, 2, cp.EventsProcessed)
}

func TestSubscriptionDropReplaysMissedRange(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{height: 5}
	fake.append(shipmentEvent("0xaaa", 3, 2))

	log, _ := logger.New("")
	ix := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	waitFor(t, "initial sync", func() bool { return ix.Status().Connected })

	// the event lands while the connection is dropping; only the post-drop
	// replay can pick it up
	fake.append(shipmentEvent("0xlate", 7, 1))
	fake.dropConnection(errors.New("ws closed"))

	waitFor(t, "reconnect replay", func() bool {
		st := ix.Status()
		return st.CheckpointPosition == 7 && st.Connected
	})

	ctx := context.Background()
	sh, err := r.GetShipment(ctx, "0xlate")
	assert.NoError(t, err)
	assert.EqualValues(t, 7, sh.BlockNumber)

	cp, _ := r.GetCheckpoint(ctx, "s1")
	assert.EqualValues(t, 7, cp.LastPosition)
	assert.EqualValues(t, 2, cp.EventsProcessed)
}

func TestReconnectBoundIsFailStop(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{heightErr: errors.New("connection refused")}

	log, _ := logger.New("")
	cfg := testConfig("s1")
	cfg.ReconnectAttempts = 2
	cfg.ReconnectDelay = 5 * time.Millisecond
	ix := New(cfg, fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))

	waitFor(t, "fail-stop", func() bool { return !ix.Status().Running })

	st := ix.Status()
	assert.Equal(t, HealthUnhealthy, st.Health)
	assert.Contains(t, st.LastError, "connection refused")

	cp, err := r.GetCheckpoint(context.Background(), "s1")
	assert.NoError(t, err)
	assert.Equal(t, model.CheckpointError, cp.Status)
	assert.Contains(t, cp.LastError, "connection refused")

	// shutting down after the fail-stop keeps the ERROR state and its message
	// on the checkpoint for the operator
	ix.Stop()
	cp, err = r.GetCheckpoint(context.Background(), "s1")
	assert.NoError(t, err)
	assert.Equal(t, model.CheckpointError, cp.Status)
	assert.Contains(t, cp.LastError, "connection refused")
}

func TestOutOfRangeEventSkippedNotWedged(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{height: 5}
	fake.append(shipmentEvent("0xbad", 3, -3))

	log, _ := logger.New("")
	ix := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	waitFor(t, "replay past the bad event", func() bool {
		st := ix.Status()
		return st.CheckpointPosition == 5 && st.Connected
	})

	ctx := context.Background()
	var shipments int64
	r.DB(ctx).Model(&model.Shipment{}).Count(&shipments)
	assert.EqualValues(t, 0, shipments, "an event with impossible counts must not be projected")

	cp, err := r.GetCheckpoint(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 5, cp.LastPosition, "the stream must move past the bad event, not wedge on it")
	assert.EqualValues(t, 0, cp.EventsProcessed)

	// the stream keeps serving well-formed events afterwards
	fake.emit(shipmentEvent("0xgood", 6, 2))
	waitFor(t, "live projection after the bad event", func() bool {
		return ix.Status().CheckpointPosition == 6
	})
	sh, err := r.GetShipment(ctx, "0xgood")
	assert.NoError(t, err)
	assert.Equal(t, 2, sh.NumberOfContainers)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	r := newTestRepo(t)
	fake := &fakeLedger{height: 1}

	log, _ := logger.New("")
	ix := New(testConfig("s1"), fake, r, log)
	assert.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	waitFor(t, "running", func() bool { return ix.Status().Running })
	assert.ErrorIs(t, ix.Start(context.Background()), ErrAlreadyRunning)
}
