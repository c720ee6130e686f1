package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/supplytrace/tracking-service/internal/ledger"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyRunning is returned by Start when the indexer is live.
var ErrAlreadyRunning = errors.New("indexer already running")

// maxContainersPerEvent caps the container set generated for one creation
// event. Counts outside [1, max] cannot be a real dispatch; dropping the event
// keeps the stream moving instead of wedging on it at every restart.
const maxContainersPerEvent = 1_000_000

// Config tunes one ingestion stream.
type Config struct {
	StreamKey         string
	ChainID           int64
	ContractAddress   string
	StartBlock        uint64
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	StaleThreshold    uint64
}

// Health classifies the stream for monitoring callers.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Status is a point-in-time snapshot of the stream. It is always served from
// the last known state, never by blocking on the ledger.
type Status struct {
	StreamKey          string `json:"stream_key"`
	Running            bool   `json:"running"`
	Connected          bool   `json:"connected"`
	CheckpointPosition uint64 `json:"checkpoint_position"`
	LedgerHeight       uint64 `json:"ledger_height"`
	EventsProcessed    int64  `json:"events_processed"`
	Lag                uint64 `json:"lag"`
	Health             Health `json:"health"`
	LastError          string `json:"last_error,omitempty"`
}

// Indexer replays missed creation events since the last durable checkpoint
// and then follows the live feed, projecting each event into exactly one
// shipment plus its containers. It is restartable: all coordination between
// the replay and subscription paths goes through the checkpoint row.
type Indexer struct {
	cfg    Config
	client ledger.Client
	repo   repo.RepositoryInterface
	log    *zap.SugaredLogger

	mu        sync.Mutex
	running   bool
	failed    bool
	connected bool
	position  uint64
	height    uint64
	processed int64
	lastErr   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs an indexer. Nothing runs until Start.
func New(cfg Config, client ledger.Client, r repo.RepositoryInterface, log *zap.SugaredLogger) *Indexer {
	return &Indexer{cfg: cfg, client: client, repo: r, log: log}
}

// Start launches the background sync loop.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.done = make(chan struct{})
	ix.running = true
	ix.failed = false
	ix.lastErr = ""
	ix.mu.Unlock()

	go ix.run(runCtx)
	return nil
}

// Stop cancels the sync loop and waits for it to exit.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	cancel, done := ix.cancel, ix.done
	ix.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	ix.mu.Lock()
	failed := ix.failed
	ix.mu.Unlock()
	if failed {
		// the ERROR state and its message are what the operator acts on; a
		// later Stop must not mask them with STOPPED
		return
	}
	if err := ix.repo.SetCheckpointStatus(context.Background(), ix.cfg.StreamKey, model.CheckpointStopped, ""); err != nil {
		ix.log.Warnf("stream %s: mark stopped: %v", ix.cfg.StreamKey, err)
	}
}

// run retries the replay-then-subscribe cycle on transient failure, up to the
// configured attempt bound. Exceeding the bound is a deliberate fail-stop:
// the stream stays in ERROR until an operator restarts it.
func (ix *Indexer) run(ctx context.Context) {
	defer func() {
		ix.mu.Lock()
		ix.running = false
		ix.connected = false
		close(ix.done)
		ix.mu.Unlock()
	}()

	attempts := 0
	for {
		established, err := ix.sync(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		if established {
			// the previous cycle got as far as a live subscription, so the
			// failure is fresh and the attempt budget starts over
			attempts = 0
		}
		attempts++
		ix.setError(err)
		if serr := ix.repo.SetCheckpointStatus(ctx, ix.cfg.StreamKey, model.CheckpointError, err.Error()); serr != nil {
			ix.log.Warnf("stream %s: record error state: %v", ix.cfg.StreamKey, serr)
		}
		if attempts >= ix.cfg.ReconnectAttempts {
			ix.log.Errorf("stream %s: giving up after %d attempts: %v", ix.cfg.StreamKey, attempts, err)
			ix.mu.Lock()
			ix.failed = true
			ix.mu.Unlock()
			return
		}
		ix.log.Warnf("stream %s: sync failed (attempt %d/%d), retrying in %s: %v",
			ix.cfg.StreamKey, attempts, ix.cfg.ReconnectAttempts, ix.cfg.ReconnectDelay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(ix.cfg.ReconnectDelay):
		}
	}
}

// sync runs one full cycle: load checkpoint, replay the missed range in
// position order, advance the checkpoint, then follow the live feed until an
// error or cancellation. The bool reports whether the live subscription was
// established.
func (ix *Indexer) sync(ctx context.Context) (bool, error) {
	cp, err := ix.repo.GetOrCreateCheckpoint(ctx, &model.Checkpoint{
		StreamKey:       ix.cfg.StreamKey,
		ChainID:         ix.cfg.ChainID,
		ContractAddress: ix.cfg.ContractAddress,
		Status:          model.CheckpointSyncing,
	})
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	ix.mu.Lock()
	ix.position = cp.LastPosition
	ix.processed = cp.EventsProcessed
	ix.mu.Unlock()

	height, err := ix.client.Height(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger height: %w", err)
	}
	ix.setHeight(height)

	from := ix.cfg.StartBlock
	if cp.LastPosition > 0 {
		from = cp.LastPosition + 1
	}

	if from <= height {
		events, err := ix.client.FilterShipmentEvents(ctx, from, height)
		if err != nil {
			return false, fmt.Errorf("replay [%d,%d]: %w", from, height, err)
		}
		var newCount int64
		for _, ev := range events {
			created, err := ix.project(ctx, ev)
			if err != nil {
				return false, fmt.Errorf("project %s: %w", ev.ShipmentHash, err)
			}
			if created {
				newCount++
			}
		}
		if _, err := ix.repo.AdvanceCheckpoint(ctx, ix.cfg.StreamKey, height, newCount); err != nil {
			return false, fmt.Errorf("advance checkpoint: %w", err)
		}
		ix.advance(height, newCount)
		ix.log.Infof("stream %s: replayed %d events (%d new) up to height %d",
			ix.cfg.StreamKey, len(events), newCount, height)
	} else if err := ix.repo.SetCheckpointStatus(ctx, ix.cfg.StreamKey, model.CheckpointSynced, ""); err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}

	ch := make(chan ledger.ShipmentEvent, 64)
	sub, err := ix.client.SubscribeShipmentEvents(ctx, ch)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	ix.setConnected(true)
	defer ix.setConnected(false)
	ix.log.Infof("stream %s: live subscription established at height %d", ix.cfg.StreamKey, height)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-sub.Err():
			if err == nil {
				return true, nil
			}
			return true, fmt.Errorf("subscription: %w", err)
		case ev := <-ch:
			created, err := ix.project(ctx, ev)
			if err != nil {
				return true, fmt.Errorf("project %s: %w", ev.ShipmentHash, err)
			}
			var delta int64
			if created {
				delta = 1
			}
			if _, err := ix.repo.AdvanceCheckpoint(ctx, ix.cfg.StreamKey, ev.BlockNumber, delta); err != nil {
				return true, fmt.Errorf("advance checkpoint: %w", err)
			}
			ix.advance(ev.BlockNumber, delta)
			ix.setHeight(ev.BlockNumber)
		}
	}
}

// project applies one creation event idempotently: insert-if-absent on the
// shipment hash, then generate the container set if (and only if) none exists
// yet, which also repairs a partial prior failure. A duplicate is a skip, not
// an error.
func (ix *Indexer) project(ctx context.Context, ev ledger.ShipmentEvent) (bool, error) {
	if ev.ContainerCount < 1 || ev.ContainerCount > maxContainersPerEvent || ev.QuantityPerContainer < 1 {
		ix.log.Warnf("stream %s: dropping event %s with out-of-range counts (containers=%d quantity=%d)",
			ix.cfg.StreamKey, ev.ShipmentHash, ev.ContainerCount, ev.QuantityPerContainer)
		return false, nil
	}
	created := false
	err := ix.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		s := &model.Shipment{
			ShipmentHash:         ev.ShipmentHash,
			BatchID:              ev.BatchID,
			SupplierWallet:       ev.Supplier,
			NumberOfContainers:   ev.ContainerCount,
			QuantityPerContainer: ev.QuantityPerContainer,
			TotalQuantity:        ev.ContainerCount * ev.QuantityPerContainer,
			TxHash:               ev.TxHash,
			BlockNumber:          ev.BlockNumber,
			LedgerTimestamp:      ev.Timestamp,
			Status:               model.ShipmentReadyForDispatch,
		}
		inserted, err := ix.repo.CreateShipmentIfAbsent(ctx, tx, s)
		if err != nil {
			return err
		}
		created = inserted

		n, err := ix.repo.ContainerCount(ctx, tx, ev.ShipmentHash)
		if err != nil {
			return err
		}
		if n == 0 {
			containers := make([]model.Container, ev.ContainerCount)
			for i := range containers {
				containers[i] = model.Container{
					ContainerID:   model.ContainerIDFor(ev.ShipmentHash, i+1),
					ShipmentHash:  ev.ShipmentHash,
					SequenceIndex: i + 1,
					Quantity:      ev.QuantityPerContainer,
					Status:        model.ContainerCreated,
				}
			}
			if err := ix.repo.CreateContainers(ctx, tx, containers); err != nil {
				return err
			}
		}

		if inserted {
			payload, _ := json.Marshal(map[string]interface{}{
				"shipment_hash": ev.ShipmentHash,
				"batch_id":      ev.BatchID,
				"containers":    ev.ContainerCount,
				"block_number":  ev.BlockNumber,
				"tx_hash":       ev.TxHash,
			})
			evt := &model.OutboxEvent{
				Aggregate:   "Shipment",
				AggregateID: ev.ShipmentHash,
				EventType:   model.EventShipmentIndexed,
				Payload:     string(payload),
			}
			if err := ix.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !created {
		ix.log.Debugf("stream %s: shipment %s already indexed, skipped", ix.cfg.StreamKey, ev.ShipmentHash)
	}
	return created, nil
}

// Status returns the current snapshot and its health classification.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var lag uint64
	if ix.height > ix.position {
		lag = ix.height - ix.position
	}
	st := Status{
		StreamKey:          ix.cfg.StreamKey,
		Running:            ix.running,
		Connected:          ix.connected,
		CheckpointPosition: ix.position,
		LedgerHeight:       ix.height,
		EventsProcessed:    ix.processed,
		Lag:                lag,
		LastError:          ix.lastErr,
	}
	switch {
	case !ix.running:
		st.Health = HealthUnhealthy
	case !ix.connected || lag > ix.cfg.StaleThreshold:
		st.Health = HealthDegraded
	default:
		st.Health = HealthHealthy
	}
	return st
}

func (ix *Indexer) advance(position uint64, delta int64) {
	ix.mu.Lock()
	if position > ix.position {
		ix.position = position
	}
	ix.processed += delta
	ix.mu.Unlock()
}

func (ix *Indexer) setHeight(h uint64) {
	ix.mu.Lock()
	if h > ix.height {
		ix.height = h
	}
	ix.mu.Unlock()
}

func (ix *Indexer) setConnected(v bool) {
	ix.mu.Lock()
	ix.connected = v
	ix.mu.Unlock()
}

func (ix *Indexer) setError(err error) {
	ix.mu.Lock()
	ix.lastErr = err.Error()
	ix.mu.Unlock()
}
