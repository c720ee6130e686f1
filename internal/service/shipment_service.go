package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/supplytrace/tracking-service/internal/indexer"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Lifecycle command rejections. These are domain rule violations: reported
// synchronously, never retried by the core.
var (
	ErrInvalidTransition      = errors.New("requested status transition is not allowed")
	ErrTransporterNotAssigned = errors.New("dispatch requires an assigned transporter")
	ErrNextLegNotAssigned     = errors.New("next leg requires an assigned transporter and retailer")
	ErrStatusConflict         = errors.New("shipment status changed concurrently")
	ErrEmptyAccount           = errors.New("assignment account must not be empty")
)

// IndexerStatusProvider supplies a live ingestion snapshot when the indexer
// runs in the same process.
type IndexerStatusProvider interface {
	Status() indexer.Status
}

// StageProgress is the scanned/total count for one custody stage.
type StageProgress struct {
	Role         model.ActorRole       `json:"role"`
	Status       model.ContainerStatus `json:"status"`
	ScannedCount int64                 `json:"scanned_count"`
	TotalCount   int64                 `json:"total_count"`
	Complete     bool                  `json:"complete"`
}

// ProgressReport is the per-stage scan progress of a shipment.
type ProgressReport struct {
	ShipmentHash string               `json:"shipment_hash"`
	Status       model.ShipmentStatus `json:"status"`
	Stages       []StageProgress      `json:"stages"`
}

// ShipmentService exposes the query surface plus the externally triggered
// lifecycle commands (dispatch, next-leg release, assignments).
type ShipmentService struct {
	repo      repo.RepositoryInterface
	log       *zap.SugaredLogger
	streamKey string
	provider  IndexerStatusProvider
}

// NewShipmentService returns ShipmentService.
func NewShipmentService(r repo.RepositoryInterface, logger *zap.SugaredLogger, streamKey string) *ShipmentService {
	return &ShipmentService{repo: r, log: logger, streamKey: streamKey}
}

// AttachIndexer wires a live status source for health queries.
func (s *ShipmentService) AttachIndexer(p IndexerStatusProvider) { s.provider = p }

// GetShipment fetches one shipment by its ledger-derived hash.
func (s *ShipmentService) GetShipment(ctx context.Context, shipmentHash string) (*model.Shipment, error) {
	return s.repo.GetShipment(ctx, shipmentHash)
}

// ListContainers returns the shipment's containers in sequence order.
func (s *ShipmentService) ListContainers(ctx context.Context, shipmentHash string) ([]model.Container, error) {
	if _, err := s.repo.GetShipment(ctx, shipmentHash); err != nil {
		return nil, err
	}
	return s.repo.ListContainers(ctx, shipmentHash)
}

// ScanHistory returns the audit trail for a shipment, newest first.
func (s *ShipmentService) ScanHistory(ctx context.Context, shipmentHash string, limit int) ([]model.ScanLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListScanLog(ctx, shipmentHash, limit)
}

// Progress reports scanned/total per custody stage, read through the cache.
func (s *ShipmentService) Progress(ctx context.Context, shipmentHash string) (*ProgressReport, error) {
	sh, err := s.repo.GetShipment(ctx, shipmentHash)
	if err != nil {
		return nil, err
	}
	total := int64(sh.NumberOfContainers)
	report := &ProgressReport{ShipmentHash: shipmentHash, Status: sh.Status}
	for _, stage := range model.Stages() {
		scanned, err := s.repo.GetCachedProgress(ctx, shipmentHash, stage.ResultStatus)
		if err != nil {
			scanned, err = s.repo.CountContainersAtStatus(ctx, shipmentHash, stage.ResultStatus)
			if err != nil {
				return nil, err
			}
			if cerr := s.repo.CacheProgress(ctx, shipmentHash, stage.ResultStatus, scanned); cerr != nil {
				s.log.Warnf("cache progress %s: %v", shipmentHash, cerr)
			}
		}
		report.Stages = append(report.Stages, StageProgress{
			Role:         stage.Role,
			Status:       stage.ResultStatus,
			ScannedCount: scanned,
			TotalCount:   total,
			Complete:     scanned >= total,
		})
	}
	return report, nil
}

// RequestTransition applies an externally triggered lifecycle transition.
// Only dispatch and next-leg release are command-driven; the warehouse and
// delivery transitions belong to the scan path and are rejected here.
func (s *ShipmentService) RequestTransition(ctx context.Context, shipmentHash string, target model.ShipmentStatus) (*model.Shipment, error) {
	sh, err := s.repo.GetShipment(ctx, shipmentHash)
	if err != nil {
		return nil, err
	}
	from := sh.Status
	switch {
	case from == model.ShipmentReadyForDispatch && target == model.ShipmentInTransit:
		if sh.AssignedTransporter == nil || *sh.AssignedTransporter == "" {
			return nil, ErrTransporterNotAssigned
		}
	case from == model.ShipmentAtWarehouse && target == model.ShipmentReadyForDispatch:
		if sh.AssignedTransporter == nil || *sh.AssignedTransporter == "" ||
			sh.AssignedRetailer == nil || *sh.AssignedRetailer == "" {
			return nil, ErrNextLegNotAssigned
		}
	default:
		return nil, ErrInvalidTransition
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, _, err := s.repo.CASShipmentStatus(ctx, tx, shipmentHash, from, target)
		if err != nil {
			return err
		}
		switch outcome {
		case repo.CASConflict:
			return ErrStatusConflict
		case repo.CASAlreadySatisfied:
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"shipment_hash": shipmentHash,
			"from":          from,
			"to":            target,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate:   "Shipment",
			AggregateID: shipmentHash,
			EventType:   model.EventShipmentStatusChanged,
			Payload:     string(payload),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetShipment(ctx, shipmentHash)
}

// Assign records the account supplied by the external assignment collaborator
// for a custody role.
func (s *ShipmentService) Assign(ctx context.Context, shipmentHash string, role model.ActorRole, account string) error {
	if account == "" {
		return ErrEmptyAccount
	}
	return s.repo.Assign(ctx, shipmentHash, role, account)
}

// IndexerHealth reports ingestion health. With an in-process indexer the live
// snapshot is used; otherwise the state is derived from the checkpoint row,
// so the query still answers while a reconnect is in progress.
func (s *ShipmentService) IndexerHealth(ctx context.Context) (indexer.Status, error) {
	if s.provider != nil {
		return s.provider.Status(), nil
	}
	cp, err := s.repo.GetCheckpoint(ctx, s.streamKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return indexer.Status{StreamKey: s.streamKey, Health: indexer.HealthUnhealthy}, nil
		}
		return indexer.Status{}, err
	}
	st := indexer.Status{
		StreamKey:          cp.StreamKey,
		CheckpointPosition: cp.LastPosition,
		EventsProcessed:    cp.EventsProcessed,
		LastError:          cp.LastError,
		Running:            cp.Status == model.CheckpointSyncing || cp.Status == model.CheckpointSynced,
		Connected:          cp.Status == model.CheckpointSynced,
	}
	switch cp.Status {
	case model.CheckpointSynced:
		st.Health = indexer.HealthHealthy
	case model.CheckpointSyncing:
		st.Health = indexer.HealthDegraded
	default:
		st.Health = indexer.HealthUnhealthy
	}
	return st, nil
}
