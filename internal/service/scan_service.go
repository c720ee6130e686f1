package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ScanResult is the synchronous answer to one scan attempt. Rejections carry
// a stable code plus a human-readable message; they are reported, never
// retried by the core.
type ScanResult struct {
	Accepted       bool                 `json:"accepted"`
	Code           model.RejectionCode  `json:"code,omitempty"`
	Message        string               `json:"message,omitempty"`
	ContainerID    string               `json:"container_id"`
	ShipmentHash   string               `json:"shipment_hash,omitempty"`
	ShipmentStatus model.ShipmentStatus `json:"shipment_status,omitempty"`
	ScannedCount   int64                `json:"scanned_count"`
	TotalCount     int64                `json:"total_count"`
	Complete       bool                 `json:"complete"`
}

// ScanService validates physical scans against the custody stage table and
// applies accepted ones through a compare-and-set, so concurrent re-scans of
// the same QR code resolve to exactly one winner. It holds no cross-request
// state; replicas are safe by construction.
type ScanService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewScanService returns ScanService.
func NewScanService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *ScanService {
	return &ScanService{repo: r, log: logger}
}

// SubmitScan verifies and applies one scan. A non-nil error means an
// unexpected storage failure; domain rejections come back as a result with
// Accepted=false.
func (s *ScanService) SubmitScan(ctx context.Context, containerID string, role model.ActorRole, actorID string) (*ScanResult, error) {
	c, err := s.repo.GetContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.reject(ctx, containerID, "", role, actorID,
				model.RejectNotFound, "unknown container identifier"), nil
		}
		return nil, err
	}

	sh, err := s.repo.GetShipment(ctx, c.ShipmentHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.reject(ctx, containerID, c.ShipmentHash, role, actorID,
				model.RejectNotOnLedger, "shipment has not been indexed from the ledger"), nil
		}
		return nil, err
	}
	if sh.TxHash == "" {
		return s.reject(ctx, containerID, c.ShipmentHash, role, actorID,
			model.RejectNotOnLedger, "shipment carries no ledger anchor"), nil
	}

	stage, ok := model.StageForRole(role)
	if !ok {
		return s.reject(ctx, containerID, c.ShipmentHash, role, actorID,
			model.RejectInternalError, fmt.Sprintf("role %s has no scan stage", role)), nil
	}

	if code, msg, bad := classifyStatus(stage, c.Status); bad {
		return s.reject(ctx, containerID, c.ShipmentHash, role, actorID, code, msg), nil
	}

	// the pre-check above is advisory only; the CAS below is the decision
	now := time.Now().UTC()
	var outcome repo.CASOutcome
	var current model.ContainerStatus
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		outcome, current, txErr = s.repo.CASContainerStatus(ctx, tx, containerID,
			stage.RequiredStatus, stage.ResultStatus, actorID, role, now)
		if txErr != nil {
			return txErr
		}
		if outcome != repo.CASApplied {
			return nil
		}
		entry := &model.ScanLog{
			ID:           uuid.NewString(),
			ContainerID:  containerID,
			ShipmentHash: c.ShipmentHash,
			ActorRole:    string(role),
			ActorID:      actorID,
			Result:       model.ScanAccepted,
		}
		if err := s.repo.AppendScanLog(ctx, tx, entry); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"container_id":  containerID,
			"shipment_hash": c.ShipmentHash,
			"actor_role":    role,
			"actor_id":      actorID,
			"status":        stage.ResultStatus,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate:   "Container",
			AggregateID: containerID,
			EventType:   model.EventScanAccepted,
			Payload:     string(payload),
		})
	})
	if err != nil {
		return nil, err
	}
	if outcome != repo.CASApplied {
		// lost the race; reclassify against what actually won
		code, msg, _ := classifyStatus(stage, current)
		if code == "" {
			code, msg = model.RejectDuplicate, "container state changed concurrently"
		}
		return s.reject(ctx, containerID, c.ShipmentHash, role, actorID, code, msg), nil
	}

	// fresh count after the conditional write committed, never an in-memory
	// counter: concurrent scans of sibling containers may have landed
	scanned, err := s.repo.CountContainersAtStatus(ctx, c.ShipmentHash, stage.ResultStatus)
	if err != nil {
		return nil, err
	}
	total := int64(sh.NumberOfContainers)
	complete := scanned >= total

	shipmentStatus := sh.Status
	if complete && stage.ShipmentTo != "" {
		shipmentStatus, err = s.completeStage(ctx, sh.ShipmentHash, stage)
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.CacheProgress(ctx, c.ShipmentHash, stage.ResultStatus, scanned); err != nil {
		s.log.Warnf("cache progress %s: %v", c.ShipmentHash, err)
	}

	return &ScanResult{
		Accepted:       true,
		ContainerID:    containerID,
		ShipmentHash:   c.ShipmentHash,
		ShipmentStatus: shipmentStatus,
		ScannedCount:   scanned,
		TotalCount:     total,
		Complete:       complete,
	}, nil
}

// completeStage advances the shipment when the last outstanding container of
// a stage has been scanned. A CAS conflict just means another scanner
// completed the stage first; the fresh status is reported either way.
func (s *ScanService) completeStage(ctx context.Context, shipmentHash string, stage model.ScanStage) (model.ShipmentStatus, error) {
	var status model.ShipmentStatus
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, cur, err := s.repo.CASShipmentStatus(ctx, tx, shipmentHash, stage.ShipmentFrom, stage.ShipmentTo)
		if err != nil {
			return err
		}
		status = cur
		if outcome != repo.CASApplied {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"shipment_hash": shipmentHash,
			"from":          stage.ShipmentFrom,
			"to":            stage.ShipmentTo,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate:   "Shipment",
			AggregateID: shipmentHash,
			EventType:   model.EventShipmentStatusChanged,
			Payload:     string(payload),
		})
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// classifyStatus checks a container's current status against a stage. bad is
// true when the scan must be refused.
func classifyStatus(stage model.ScanStage, cur model.ContainerStatus) (model.RejectionCode, string, bool) {
	switch {
	case cur == stage.ResultStatus:
		return model.RejectDuplicate,
			fmt.Sprintf("container already scanned at the %s stage", stage.Role), true
	case model.StatusRank(cur) > model.StatusRank(stage.ResultStatus):
		return model.RejectAlreadyAtTarget,
			fmt.Sprintf("container already past the %s stage (status %s)", stage.Role, cur), true
	case cur != stage.RequiredStatus:
		return model.RejectPriorActorScan,
			fmt.Sprintf("container must be scanned to %s before a %s scan", stage.RequiredStatus, stage.Role), true
	}
	return "", "", false
}

// reject records the refused attempt in the audit trail (best effort, outside
// any transaction) and builds the caller-facing result.
func (s *ScanService) reject(ctx context.Context, containerID, shipmentHash string, role model.ActorRole, actorID string, code model.RejectionCode, msg string) *ScanResult {
	entry := &model.ScanLog{
		ID:            uuid.NewString(),
		ContainerID:   containerID,
		ShipmentHash:  shipmentHash,
		ActorRole:     string(role),
		ActorID:       actorID,
		Result:        model.ScanRejected,
		RejectionCode: &code,
	}
	if err := s.repo.AppendScanLog(ctx, s.repo.DB(ctx), entry); err != nil {
		s.log.Warnf("append rejected scan log %s: %v", containerID, err)
	}
	s.log.Infow("scan rejected",
		"container_id", containerID, "role", role, "actor", actorID, "code", code)
	return &ScanResult{
		Accepted:     false,
		Code:         code,
		Message:      msg,
		ContainerID:  containerID,
		ShipmentHash: shipmentHash,
	}
}
