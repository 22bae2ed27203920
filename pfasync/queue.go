package pfasync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimLost means another worker (or a stale-lock reclaim) took the item.
var ErrClaimLost = errors.New("queue item is no longer held by this worker")

// Queue is the durable write-back queue. Status failed is the dead-letter state.
type Queue struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
	LockTimeout time.Duration
	SkipDelay   time.Duration
	Now         func() time.Time
}

func NewQueue(db *gorm.DB, logger *logrus.Logger, cfg config.WorkerConfig) *Queue {
	return &Queue{
		DB:          db,
		Logger:      logger,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		MaxRetries:  cfg.MaxRetries,
		LockTimeout: cfg.LockTimeout,
		SkipDelay:   cfg.SkipDelay,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// BackoffDelay is base*2^n, capped at max when max > 0.
func BackoffDelay(base time.Duration, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Enqueue schedules mod's delta for write-back. A pending item for the same
// modification is refreshed instead of duplicated.
func (q *Queue) Enqueue(tx *gorm.DB, mod *models.Modification, priority int) (*models.QueueItem, error) {
	now := q.Now()
	payload := datatypes.JSONMap{}
	for k, v := range mod.Delta {
		payload[k] = v
	}

	var existing []models.QueueItem
	if err := tx.Where("modification_id = ? AND status = ?", mod.ID, models.QueueStatusPending).
		Order("id ASC").Limit(1).Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		item := existing[0]
		if err := tx.Model(&models.QueueItem{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
			"payload":      payload,
			"priority":     priority,
			"scheduled_at": now,
		}).Error; err != nil {
			return nil, err
		}
		item.Payload = payload
		item.Priority = priority
		item.ScheduledAt = now
		return &item, nil
	}

	maxRetries := q.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	item := &models.QueueItem{
		OrganizationId: mod.OrganizationId,
		MirrorRecordId: mod.MirrorRecordId,
		ModificationId: mod.ID,
		Operation:      models.QueueOperationUpdate,
		Payload:        payload,
		Status:         models.QueueStatusPending,
		Priority:       priority,
		ScheduledAt:    now,
		MaxRetries:     maxRetries,
	}
	if err := tx.Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// Claim atomically moves up to limit due pending items to processing under a fresh
// lock token and returns them in claim order.
func (q *Queue) Claim(ctx context.Context, workerId string, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	now := q.Now()
	token := workerId + ":" + uuid.NewString()[:8]

	var claimedIds []uint
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.QueueItem{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at <= ?", models.QueueStatusPending, now).
			Order("priority DESC").
			Order("scheduled_at ASC").
			Order("id ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&models.QueueItem{}).
			Where("id IN ? AND status = ?", ids, models.QueueStatusPending).
			Updates(map[string]interface{}{
				"status":    models.QueueStatusProcessing,
				"locked_by": token,
				"locked_at": now,
			}).Error; err != nil {
			return err
		}
		claimedIds = ids
		return nil
	})
	if err != nil || len(claimedIds) == 0 {
		return nil, err
	}

	var items []models.QueueItem
	err = q.DB.WithContext(ctx).
		Where("locked_by = ? AND status = ?", token, models.QueueStatusProcessing).
		Order("priority DESC").
		Order("scheduled_at ASC").
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// ReclaimStale returns items stuck in processing past LockTimeout to pending.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	timeout := q.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	staleBefore := q.Now().Add(-timeout)
	res := q.DB.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?", models.QueueStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":    models.QueueStatusPending,
			"locked_by": nil,
			"locked_at": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 && q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"module":    "pfasync.queue",
			"reclaimed": res.RowsAffected,
		}).Warn("reclaimed stale processing items")
	}
	return res.RowsAffected, nil
}

func (q *Queue) held(tx *gorm.DB, item *models.QueueItem) *gorm.DB {
	scope := tx.Model(&models.QueueItem{}).Where("id = ?", item.ID)
	if item.LockedBy != nil {
		scope = scope.Where("locked_by = ?", *item.LockedBy)
	}
	return scope
}

func guardClaim(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// Complete finishes an item. errorCode is empty on success and set when the item ended
// without a write (for example a detected conflict).
func (q *Queue) Complete(tx *gorm.DB, item *models.QueueItem, errorCode string, message string) error {
	now := q.Now()
	updates := map[string]interface{}{
		"status":       models.QueueStatusCompleted,
		"completed_at": now,
		"locked_by":    nil,
		"locked_at":    nil,
		"error_code":   nil,
		"last_error":   nil,
	}
	if errorCode != "" {
		updates["error_code"] = errorCode
		updates["last_error"] = message
	}
	if err := guardClaim(q.held(tx, item).Updates(updates)); err != nil {
		return err
	}
	item.Status = models.QueueStatusCompleted
	item.CompletedAt = &now
	item.LockedBy = nil
	return nil
}

// Retry records a retryable failure. Once RetryCount exceeds MaxRetries the item is
// dead-lettered instead and Retry returns dead=true.
func (q *Queue) Retry(tx *gorm.DB, item *models.QueueItem, code string, message string) (bool, error) {
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.MaxRetries
	}
	next := item.RetryCount + 1
	if next > maxRetries {
		item.RetryCount = next
		if err := tx.Model(&models.QueueItem{}).Where("id = ?", item.ID).Update("retry_count", next).Error; err != nil {
			return false, err
		}
		return true, q.DeadLetter(tx, item, ErrorCodeRetriesExhausted, code+": "+message)
	}

	scheduledAt := q.Now().Add(BackoffDelay(q.BaseBackoff, q.MaxBackoff, item.RetryCount))
	if err := guardClaim(q.held(tx, item).Updates(map[string]interface{}{
		"status":       models.QueueStatusPending,
		"retry_count":  next,
		"scheduled_at": scheduledAt,
		"error_code":   code,
		"last_error":   message,
		"locked_by":    nil,
		"locked_at":    nil,
	})); err != nil {
		return false, err
	}
	item.Status = models.QueueStatusPending
	item.RetryCount = next
	item.ScheduledAt = scheduledAt
	item.LockedBy = nil
	return false, nil
}

// DeadLetter moves an item to failed. It stays there until an operator requeues it.
func (q *Queue) DeadLetter(tx *gorm.DB, item *models.QueueItem, code string, message string) error {
	if err := guardClaim(q.held(tx, item).Updates(map[string]interface{}{
		"status":     models.QueueStatusFailed,
		"error_code": code,
		"last_error": message,
		"locked_by":  nil,
		"locked_at":  nil,
	})); err != nil {
		return err
	}
	item.Status = models.QueueStatusFailed
	item.ErrorCode = &code
	item.LastError = &message
	item.LockedBy = nil
	return nil
}

// Skip returns an item to pending after SkipDelay without consuming a retry.
func (q *Queue) Skip(tx *gorm.DB, item *models.QueueItem, code string, message string) error {
	scheduledAt := q.Now().Add(q.SkipDelay)
	if err := guardClaim(q.held(tx, item).Updates(map[string]interface{}{
		"status":       models.QueueStatusPending,
		"scheduled_at": scheduledAt,
		"error_code":   code,
		"last_error":   message,
		"locked_by":    nil,
		"locked_at":    nil,
	})); err != nil {
		return err
	}
	item.Status = models.QueueStatusPending
	item.ScheduledAt = scheduledAt
	item.ErrorCode = &code
	item.LockedBy = nil
	return nil
}

// RequeueDeadLetter puts a failed item back to pending with a fresh retry budget and
// moves its modification back to queued.
func (q *Queue) RequeueDeadLetter(ctx context.Context, itemId uint) (*models.QueueItem, error) {
	var out *models.QueueItem
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := models.RequeueFailedItem(ctx, tx, itemId, q.Now())
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Modification{}).
			Where("id = ? AND sync_state = ?", item.ModificationId, models.SyncStateSyncError).
			Updates(map[string]interface{}{
				"sync_state": models.SyncStateQueued,
				"last_error": "",
			}).Error; err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		config.LogError(q.Logger, "pfasync.queue", "RequeueDeadLetter", "requeue", logrus.Fields{"queue_item_id": itemId}, err)
		return nil, err
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	return models.CountQueueByStatus(ctx, q.DB)
}
