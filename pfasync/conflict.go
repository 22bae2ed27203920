package pfasync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConflictEngine decides whether a local edit can be pushed over the remote changes
// that landed after its base version.
type ConflictEngine struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Audit  AuditSink
	Queue  *Queue
	Now    func() time.Time
}

func NewConflictEngine(db *gorm.DB, logger *logrus.Logger, audit AuditSink, queue *Queue) *ConflictEngine {
	return &ConflictEngine{
		DB:     db,
		Logger: logger,
		Audit:  audit,
		Queue:  queue,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *ConflictEngine) DetectConflict(ctx context.Context, modificationId uint) (ConflictResult, error) {
	var result ConflictResult
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mod, err := models.GetModification(ctx, tx, modificationId)
		if err != nil {
			return err
		}
		result, err = e.detect(ctx, tx, mod)
		return err
	})
	return result, err
}

// detect runs conflict detection for mod inside tx. On overlap it records (or reuses)
// the unresolved Conflict and moves mod to conflict.
func (e *ConflictEngine) detect(ctx context.Context, tx *gorm.DB, mod *models.Modification) (ConflictResult, error) {
	mirror, err := models.GetMirrorRecord(ctx, tx, mod.MirrorRecordId)
	if err != nil {
		return ConflictResult{}, err
	}
	if mod.BaseVersion >= mirror.Version {
		return ConflictResult{CanAutoMerge: true}, nil
	}

	changed, err := remotelyChangedFields(ctx, tx, mirror, mod)
	if err != nil {
		return ConflictResult{}, err
	}

	var overlap []string
	for f, local := range mod.Delta {
		if _, ok := changed[f]; !ok {
			continue
		}
		// Both sides arrived at the same value.
		if ValuesEqual(local, mirror.Data[f]) {
			continue
		}
		overlap = append(overlap, f)
	}
	if len(overlap) == 0 {
		return ConflictResult{CanAutoMerge: true}, nil
	}
	sort.Strings(overlap)

	existing, err := models.FindUnresolvedConflict(ctx, tx, mod.ID)
	if err != nil {
		return ConflictResult{}, err
	}
	if existing != nil {
		if err := models.SetModificationState(tx, mod.ID, models.SyncStateConflict, ""); err != nil {
			return ConflictResult{}, err
		}
		mod.SyncState = models.SyncStateConflict
		return ConflictResult{HasConflict: true, Conflict: existing}, nil
	}

	local := datatypes.JSONMap{}
	remote := datatypes.JSONMap{}
	for _, f := range overlap {
		local[f] = mod.Delta[f]
		remote[f] = mirror.Data[f]
	}
	c := &models.Conflict{
		OrganizationId: mod.OrganizationId,
		MirrorRecordId: mod.MirrorRecordId,
		ModificationId: mod.ID,
		LocalVersion:   mod.BaseVersion,
		RemoteVersion:  mirror.Version,
		ConflictFields: datatypes.JSONSlice[string](overlap),
		LocalData:      local,
		RemoteData:     remote,
		Status:         models.ConflictStatusUnresolved,
	}
	if err := tx.Create(c).Error; err != nil {
		return ConflictResult{}, err
	}
	if err := tx.Model(&models.Modification{}).Where("id = ?", mod.ID).Updates(map[string]interface{}{
		"sync_state":      models.SyncStateConflict,
		"current_version": mirror.Version,
		"last_error":      "",
	}).Error; err != nil {
		return ConflictResult{}, err
	}
	mod.SyncState = models.SyncStateConflict
	mod.CurrentVersion = mirror.Version
	return ConflictResult{HasConflict: true, Conflict: c}, nil
}

// remotelyChangedFields diffs consecutive snapshots from mod's base version up to the
// mirror's current version. If the history chain has gaps, every delta field that differs
// from the current mirror is treated as changed.
func remotelyChangedFields(ctx context.Context, tx *gorm.DB, mirror *models.MirrorRecord, mod *models.Modification) (map[string]struct{}, error) {
	history, err := models.HistoryBetween(ctx, tx, mirror.ID, mod.BaseVersion, mirror.Version)
	if err != nil {
		return nil, err
	}

	changed := map[string]struct{}{}
	complete := int64(len(history)) == mirror.Version-mod.BaseVersion
	for i := range history {
		if history[i].Version != mod.BaseVersion+int64(i) {
			complete = false
			break
		}
	}
	if !complete {
		for f, v := range mod.Delta {
			if !ValuesEqual(v, mirror.Data[f]) {
				changed[f] = struct{}{}
			}
		}
		return changed, nil
	}

	snapshots := make([]map[string]interface{}, 0, len(history)+1)
	for _, h := range history {
		snapshots = append(snapshots, h.Data)
	}
	snapshots = append(snapshots, mirror.Data)
	for i := 1; i < len(snapshots); i++ {
		prev, next := snapshots[i-1], snapshots[i]
		for k, v := range next {
			if !ValuesEqual(v, prev[k]) {
				changed[k] = struct{}{}
			}
		}
		for k, v := range prev {
			if _, ok := next[k]; !ok && v != nil {
				changed[k] = struct{}{}
			}
		}
	}
	return changed, nil
}

// ResolveConflict applies strategy to an unresolved conflict in one transaction.
func (e *ConflictEngine) ResolveConflict(ctx context.Context, conflictId uint, strategy models.ConflictResolution, mergedData map[string]interface{}, resolvedBy string) (*SubmitResult, error) {
	if !strategy.IsValid() {
		return nil, ErrInvalidResolution
	}
	if strategy == models.ConflictResolutionMerge && len(mergedData) == 0 {
		return nil, ErrMergeDataRequired
	}

	result := &SubmitResult{}
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Conflict
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conflictId).Take(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrConflictNotFound
			}
			return err
		}
		if c.Status == models.ConflictStatusResolved {
			return ErrConflictAlreadyResolved
		}
		mod, err := models.GetModification(ctx, tx, c.ModificationId)
		if err != nil {
			return err
		}

		switch strategy {
		case models.ConflictResolutionUseRemote:
			mirror, err := models.GetMirrorRecord(ctx, tx, c.MirrorRecordId)
			if err != nil {
				return err
			}
			if err := tx.Model(&models.Modification{}).Where("id = ?", mod.ID).Updates(map[string]interface{}{
				"sync_state":      models.SyncStateSynced,
				"current_version": mirror.Version,
				"last_error":      "",
			}).Error; err != nil {
				return err
			}
			mod.SyncState = models.SyncStateSynced
			mod.CurrentVersion = mirror.Version
			// Nothing left to push for this edit.
			if err := tx.Model(&models.QueueItem{}).
				Where("modification_id = ? AND status = ?", mod.ID, models.QueueStatusPending).
				Updates(map[string]interface{}{
					"status":       models.QueueStatusCompleted,
					"error_code":   ErrorCodeConflict,
					"last_error":   "superseded by use_remote resolution",
					"completed_at": e.Now(),
				}).Error; err != nil {
				return err
			}

		case models.ConflictResolutionUseLocal, models.ConflictResolutionMerge:
			updates := map[string]interface{}{
				"base_version":    c.RemoteVersion,
				"current_version": c.RemoteVersion,
				"sync_state":      models.SyncStateQueued,
				"last_error":      "",
			}
			if strategy == models.ConflictResolutionMerge {
				delta, verrs := NormalizeDelta(mergedData)
				if len(verrs) > 0 {
					return verrs
				}
				if len(delta) == 0 {
					return ErrMergeDataRequired
				}
				fields := utils.SortedKeys(delta)
				updates["delta"] = datatypes.JSONMap(delta)
				updates["modified_fields"] = datatypes.JSONSlice[string](fields)
				mod.Delta = delta
				mod.ModifiedFields = fields
			}
			if err := tx.Model(&models.Modification{}).Where("id = ?", mod.ID).Updates(updates).Error; err != nil {
				return err
			}
			mod.BaseVersion = c.RemoteVersion
			mod.CurrentVersion = c.RemoteVersion
			mod.SyncState = models.SyncStateQueued
			item, err := e.Queue.Enqueue(tx, mod, 0)
			if err != nil {
				return err
			}
			result.QueueItem = item
		}

		now := e.Now()
		by := resolvedBy
		res := tx.Model(&models.Conflict{}).
			Where("id = ? AND status = ?", c.ID, models.ConflictStatusUnresolved).
			Updates(map[string]interface{}{
				"status":      models.ConflictStatusResolved,
				"resolution":  strategy,
				"resolved_by": by,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflictAlreadyResolved
		}
		c.Status = models.ConflictStatusResolved
		c.Resolution = &strategy
		c.ResolvedBy = &by
		c.ResolvedAt = &now

		result.Conflict = &c
		result.Modification = mod
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrConflictAlreadyResolved) {
			config.LogError(e.Logger, "pfasync.conflict", "ResolveConflict", "resolve", logrus.Fields{"conflict_id": conflictId, "strategy": strategy}, err)
		}
		return nil, err
	}

	appendAudit(ctx, e.Audit, e.Logger, AuditEvent{
		Type:           AuditEventConflictResolved,
		OrganizationId: result.Conflict.OrganizationId,
		ReasonCode:     string(strategy),
		Message:        "conflict resolved",
		Actor:          resolvedBy,
		Data: map[string]interface{}{
			"conflict_id":     result.Conflict.ID,
			"modification_id": result.Conflict.ModificationId,
			"fields":          []string(result.Conflict.ConflictFields),
		},
	})
	return result, nil
}
