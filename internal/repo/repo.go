package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/supplytrace/tracking-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownAssignmentRole is returned when an assignment command names a role
// that has no shipment column.
var ErrUnknownAssignmentRole = errors.New("unknown assignment role")

// CASOutcome is the tri-state result of a conditional write: the write
// applied, the target was already in the desired state, or the precondition
// failed because someone else got there first.
type CASOutcome int

const (
	CASApplied CASOutcome = iota
	CASAlreadySatisfied
	CASConflict
)

// RepositoryInterface restricts Repo methods so services can be unit-tested
// against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateShipmentIfAbsent(ctx context.Context, tx *gorm.DB, s *model.Shipment) (bool, error)
	GetShipment(ctx context.Context, shipmentHash string) (*model.Shipment, error)
	CASShipmentStatus(ctx context.Context, tx *gorm.DB, shipmentHash string, from, to model.ShipmentStatus) (CASOutcome, model.ShipmentStatus, error)
	Assign(ctx context.Context, shipmentHash string, role model.ActorRole, account string) error

	ContainerCount(ctx context.Context, tx *gorm.DB, shipmentHash string) (int64, error)
	CreateContainers(ctx context.Context, tx *gorm.DB, containers []model.Container) error
	GetContainer(ctx context.Context, containerID string) (*model.Container, error)
	ListContainers(ctx context.Context, shipmentHash string) ([]model.Container, error)
	CASContainerStatus(ctx context.Context, tx *gorm.DB, containerID string, from, to model.ContainerStatus, actorID string, role model.ActorRole, at time.Time) (CASOutcome, model.ContainerStatus, error)
	CountContainersAtStatus(ctx context.Context, shipmentHash string, status model.ContainerStatus) (int64, error)

	AppendScanLog(ctx context.Context, tx *gorm.DB, entry *model.ScanLog) error
	ListScanLog(ctx context.Context, shipmentHash string, limit int) ([]model.ScanLog, error)

	GetOrCreateCheckpoint(ctx context.Context, initial *model.Checkpoint) (*model.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, streamKey string, position uint64, processedDelta int64) (bool, error)
	SetCheckpointStatus(ctx context.Context, streamKey string, status model.CheckpointStatus, lastError string) error
	GetCheckpoint(ctx context.Context, streamKey string) (*model.Checkpoint, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheProgress(ctx context.Context, shipmentHash string, status model.ContainerStatus, scanned int64) error
	GetCachedProgress(ctx context.Context, shipmentHash string, status model.ContainerStatus) (int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateShipmentIfAbsent inserts the shipment unless its hash is already
// present. The uniqueness constraint on shipment_hash, not application logic,
// is what wins the race between replay and live subscription.
func (r *Repository) CreateShipmentIfAbsent(ctx context.Context, tx *gorm.DB, s *model.Shipment) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "shipment_hash"}},
			DoNothing: true,
		}).
		Create(s)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetShipment fetches a shipment by hash.
func (r *Repository) GetShipment(ctx context.Context, shipmentHash string) (*model.Shipment, error) {
	var s model.Shipment
	if err := r.db.WithContext(ctx).Where("shipment_hash = ?", shipmentHash).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// CASShipmentStatus advances the aggregate status only if it still equals
// from. On a failed precondition the current status is re-read so the caller
// can tell "already there" from a real conflict.
func (r *Repository) CASShipmentStatus(ctx context.Context, tx *gorm.DB, shipmentHash string, from, to model.ShipmentStatus) (CASOutcome, model.ShipmentStatus, error) {
	res := tx.WithContext(ctx).
		Model(&model.Shipment{}).
		Where("shipment_hash = ? AND status = ?", shipmentHash, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return CASConflict, "", res.Error
	}
	if res.RowsAffected == 1 {
		return CASApplied, to, nil
	}
	var s model.Shipment
	if err := tx.WithContext(ctx).Where("shipment_hash = ?", shipmentHash).First(&s).Error; err != nil {
		return CASConflict, "", err
	}
	if s.Status == to {
		return CASAlreadySatisfied, s.Status, nil
	}
	return CASConflict, s.Status, nil
}

// Assign records the account for a custody role on the shipment.
func (r *Repository) Assign(ctx context.Context, shipmentHash string, role model.ActorRole, account string) error {
	var column string
	switch role {
	case model.RoleTransporter:
		column = "assigned_transporter"
	case model.RoleWarehouse:
		column = "assigned_warehouse"
	case model.RoleRetailer:
		column = "assigned_retailer"
	default:
		return ErrUnknownAssignmentRole
	}
	res := r.db.WithContext(ctx).
		Model(&model.Shipment{}).
		Where("shipment_hash = ?", shipmentHash).
		Update(column, account)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ContainerCount counts containers belonging to a shipment.
func (r *Repository) ContainerCount(ctx context.Context, tx *gorm.DB, shipmentHash string) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Container{}).Where("shipment_hash = ?", shipmentHash).Count(&n).Error
	return n, err
}

// CreateContainers inserts the full container set in one batch. Ids are
// deterministic, so concurrent projection of the same event resolves through
// the primary-key conflict instead of failing.
func (r *Repository) CreateContainers(ctx context.Context, tx *gorm.DB, containers []model.Container) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&containers).Error
}

// GetContainer fetches a container by id.
func (r *Repository) GetContainer(ctx context.Context, containerID string) (*model.Container, error) {
	var c model.Container
	if err := r.db.WithContext(ctx).Where("container_id = ?", containerID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContainers returns a shipment's containers in sequence order.
func (r *Repository) ListContainers(ctx context.Context, shipmentHash string) ([]model.Container, error) {
	var cs []model.Container
	err := r.db.WithContext(ctx).
		Where("shipment_hash = ?", shipmentHash).
		Order("sequence_index asc").
		Find(&cs).Error
	return cs, err
}

// CASContainerStatus is the single write path for container state: advance
// from -> to and stamp the scanning actor, only if the container is still at
// from. Concurrent duplicate scans of the same QR code race here and exactly
// one wins.
func (r *Repository) CASContainerStatus(ctx context.Context, tx *gorm.DB, containerID string, from, to model.ContainerStatus, actorID string, role model.ActorRole, at time.Time) (CASOutcome, model.ContainerStatus, error) {
	res := tx.WithContext(ctx).
		Model(&model.Container{}).
		Where("container_id = ? AND status = ?", containerID, from).
		Updates(map[string]interface{}{
			"status":            to,
			"last_scanned_by":   actorID,
			"last_scanned_role": string(role),
			"last_scanned_at":   at,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return CASConflict, "", res.Error
	}
	if res.RowsAffected == 1 {
		return CASApplied, to, nil
	}
	var c model.Container
	if err := tx.WithContext(ctx).Where("container_id = ?", containerID).First(&c).Error; err != nil {
		return CASConflict, "", err
	}
	if c.Status == to {
		return CASAlreadySatisfied, c.Status, nil
	}
	return CASConflict, c.Status, nil
}

// CountContainersAtStatus counts containers of a shipment at or beyond the
// given custody status. A container that has already moved further along the
// chain still counts as having completed this stage.
func (r *Repository) CountContainersAtStatus(ctx context.Context, shipmentHash string, status model.ContainerStatus) (int64, error) {
	reached := model.StatusesAtOrBeyond(status)
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Container{}).
		Where("shipment_hash = ? AND status IN ?", shipmentHash, reached).
		Count(&n).Error
	return n, err
}

// AppendScanLog writes one audit-trail entry. The table is append-only.
func (r *Repository) AppendScanLog(ctx context.Context, tx *gorm.DB, entry *model.ScanLog) error {
	return tx.WithContext(ctx).Create(entry).Error
}

// ListScanLog returns recent scan attempts for a shipment, newest first.
func (r *Repository) ListScanLog(ctx context.Context, shipmentHash string, limit int) ([]model.ScanLog, error) {
	var entries []model.ScanLog
	err := r.db.WithContext(ctx).
		Where("shipment_hash = ?", shipmentHash).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// GetOrCreateCheckpoint loads the stream's checkpoint, creating it from
// initial on first run.
func (r *Repository) GetOrCreateCheckpoint(ctx context.Context, initial *model.Checkpoint) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := r.db.WithContext(ctx).
		Where("stream_key = ?", initial.StreamKey).
		Attrs(model.Checkpoint{
			LastPosition:    initial.LastPosition,
			ChainID:         initial.ChainID,
			ContractAddress: initial.ContractAddress,
			Status:          model.CheckpointSyncing,
		}).
		FirstOrCreate(&cp).Error
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetCheckpoint loads the stream's checkpoint without creating it.
func (r *Repository) GetCheckpoint(ctx context.Context, streamKey string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := r.db.WithContext(ctx).Where("stream_key = ?", streamKey).First(&cp).Error; err != nil {
		return nil, err
	}
	return &cp, nil
}

// AdvanceCheckpoint moves the cursor forward and bumps the processed counter
// in one conditional update. A stale position (lower than what is already
// recorded) is a no-op, which keeps the cursor monotonic under overlapping
// replay and subscription writes.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, streamKey string, position uint64, processedDelta int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Checkpoint{}).
		Where("stream_key = ? AND last_position <= ?", streamKey, position).
		Updates(map[string]interface{}{
			"last_position":    position,
			"events_processed": gorm.Expr("events_processed + ?", processedDelta),
			"status":           model.CheckpointSynced,
			"last_error":       "",
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetCheckpointStatus records the stream state and last error message.
func (r *Repository) SetCheckpointStatus(ctx context.Context, streamKey string, status model.CheckpointStatus, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.Checkpoint{}).
		Where("stream_key = ?", streamKey).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate id so per-shipment ordering
// is preserved across partitions.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheProgress writes the per-stage scanned count to Redis.
func (r *Repository) CacheProgress(ctx context.Context, shipmentHash string, status model.ContainerStatus, scanned int64) error {
	key := fmt.Sprintf("progress:%s:%s", shipmentHash, status)
	return r.rdb.Set(ctx, key, strconv.FormatInt(scanned, 10), 5*time.Minute).Err()
}

// GetCachedProgress reads the per-stage scanned count from Redis.
func (r *Repository) GetCachedProgress(ctx context.Context, shipmentHash string, status model.ContainerStatus) (int64, error) {
	key := fmt.Sprintf("progress:%s:%s", shipmentHash, status)
	str, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}
