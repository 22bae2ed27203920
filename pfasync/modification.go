package pfasync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModificationService is the local editing entry point.
type ModificationService struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Engine *ConflictEngine
	Queue  *Queue
	Now    func() time.Time
}

func NewModificationService(db *gorm.DB, logger *logrus.Logger, engine *ConflictEngine, queue *Queue) *ModificationService {
	return &ModificationService{
		DB:     db,
		Logger: logger,
		Engine: engine,
		Queue:  queue,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveModification upserts the edit for (session, record). A second save in the same
// session merges into the stored delta and keeps the original base version.
func (s *ModificationService) SaveModification(ctx context.Context, input SaveModificationInput) (*models.Modification, error) {
	delta, verrs := NormalizeDelta(input.Delta)
	if len(verrs) > 0 {
		return nil, verrs
	}
	if len(delta) == 0 {
		return nil, ErrEmptyDelta
	}
	sessionId := strings.TrimSpace(input.SessionId)
	if sessionId == "" {
		sessionId = uuid.NewString()
	}

	var out *models.Modification
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mirror, err := models.GetMirrorRecord(ctx, tx, input.MirrorRecordId)
		if err != nil {
			return err
		}
		if input.OrganizationId != 0 && mirror.OrganizationId != input.OrganizationId {
			return ErrOrganizationMismatch
		}
		baseVersion := input.BaseVersion
		if baseVersion <= 0 || baseVersion > mirror.Version {
			baseVersion = mirror.Version
		}

		var rows []models.Modification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND mirror_record_id = ?", sessionId, mirror.ID).
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}

		if len(rows) == 0 {
			mod := &models.Modification{
				OrganizationId: mirror.OrganizationId,
				MirrorRecordId: mirror.ID,
				SessionId:      sessionId,
				UserId:         input.UserId,
				BaseVersion:    baseVersion,
				CurrentVersion: mirror.Version,
				Delta:          datatypes.JSONMap(delta),
				ModifiedFields: utils.SortedKeys(delta),
				SyncState:      models.SyncStateDraft,
				Version:        1,
			}
			if err := tx.Create(mod).Error; err != nil {
				return err
			}
			out = mod
			return nil
		}

		mod := rows[0]
		switch mod.SyncState {
		case models.SyncStateQueued, models.SyncStateConflict:
			return ErrModificationNotEditable
		case models.SyncStateSynced:
			// The previous edit is already on the remote; start over from the current mirror.
			mod.Delta = datatypes.JSONMap(delta)
			mod.BaseVersion = baseVersion
		default:
			mod.Delta = datatypes.JSONMap(MergeData(mod.Delta, delta))
		}
		mod.ModifiedFields = utils.SortedKeys(map[string]interface{}(mod.Delta))
		mod.CurrentVersion = mirror.Version
		mod.SyncState = models.SyncStateDraft
		mod.LastError = ""
		mod.Version++
		if input.UserId != "" {
			mod.UserId = input.UserId
		}
		if err := tx.Model(&models.Modification{}).Where("id = ?", mod.ID).Updates(map[string]interface{}{
			"delta":           mod.Delta,
			"modified_fields": mod.ModifiedFields,
			"base_version":    mod.BaseVersion,
			"current_version": mod.CurrentVersion,
			"sync_state":      mod.SyncState,
			"last_error":      "",
			"version":         mod.Version,
			"user_id":         mod.UserId,
		}).Error; err != nil {
			return err
		}
		out = &mod
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitModification accepts a draft locally without submitting it for push.
func (s *ModificationService) CommitModification(ctx context.Context, id uint) (*models.Modification, error) {
	var out *models.Modification
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mod, err := models.GetModification(ctx, tx, id)
		if err != nil {
			return err
		}
		switch mod.SyncState {
		case models.SyncStateCommitted:
		case models.SyncStateDraft, models.SyncStateSyncError:
			if len(mod.Delta) == 0 {
				return ErrEmptyDelta
			}
			if err := models.SetModificationState(tx, mod.ID, models.SyncStateCommitted, ""); err != nil {
				return err
			}
			mod.SyncState = models.SyncStateCommitted
			mod.LastError = ""
		default:
			return ErrModificationNotEditable
		}
		out = mod
		return nil
	})
	return out, err
}

// SubmitModification runs conflict detection and, when clear, queues the edit for write-back.
func (s *ModificationService) SubmitModification(ctx context.Context, id uint, priority int) (*SubmitResult, error) {
	result := &SubmitResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mod, err := models.GetModification(ctx, tx, id)
		if err != nil {
			return err
		}
		switch mod.SyncState {
		case models.SyncStateDraft, models.SyncStateCommitted, models.SyncStateSyncError:
		default:
			return ErrModificationNotSubmittable
		}
		if len(mod.Delta) == 0 {
			return ErrEmptyDelta
		}

		detection, err := s.Engine.detect(ctx, tx, mod)
		if err != nil {
			return err
		}
		if detection.HasConflict {
			result.Modification = mod
			result.Conflict = detection.Conflict
			return nil
		}

		if err := models.SetModificationState(tx, mod.ID, models.SyncStateQueued, ""); err != nil {
			return err
		}
		mod.SyncState = models.SyncStateQueued
		mod.LastError = ""
		item, err := s.Queue.Enqueue(tx, mod, priority)
		if err != nil {
			return err
		}
		result.Modification = mod
		result.QueueItem = item
		return nil
	})
	if err != nil {
		config.LogError(s.Logger, "pfasync.modification", "SubmitModification", "submit", logrus.Fields{"modification_id": id}, err)
		return nil, err
	}
	return result, nil
}
