package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrQueueItemNotFound = errors.New("queue item not found")

// QueueItem is one outbound write intent. Status failed is the dead-letter state.
type QueueItem struct {
	ID             uint              `gorm:"primary_key" json:"id"`
	OrganizationId uint              `gorm:"index;not null" json:"organization_id"`
	MirrorRecordId uint              `gorm:"index;not null" json:"mirror_record_id"`
	ModificationId uint              `gorm:"index;not null" json:"modification_id"`
	Operation      QueueOperation    `gorm:"size:20;not null" json:"operation"`
	Payload        datatypes.JSONMap `json:"payload"`
	Status         QueueStatus       `gorm:"index:idx_queue_claim,priority:1;size:20;not null;default:pending" json:"status"`
	Priority       int               `gorm:"index:idx_queue_claim,priority:2;not null;default:0" json:"priority"`
	ScheduledAt    time.Time         `gorm:"index:idx_queue_claim,priority:3;not null" json:"scheduled_at"`
	RetryCount     int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries     int               `gorm:"not null;default:3" json:"max_retries"`
	LastError      *string           `gorm:"type:text" json:"last_error"`
	ErrorCode      *string           `gorm:"size:64" json:"error_code"`
	LockedBy       *string           `gorm:"index;size:64" json:"locked_by"`
	LockedAt       *time.Time        `json:"locked_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueueStats counts items per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func GetQueueItem(ctx context.Context, db *gorm.DB, id uint) (*QueueItem, error) {
	var item QueueItem
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQueueItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func CountQueueByStatus(ctx context.Context, db *gorm.DB) (QueueStats, error) {
	type row struct {
		Status QueueStatus
		Total  int64
	}
	var rows []row
	if err := db.WithContext(ctx).
		Model(&QueueItem{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	for _, r := range rows {
		switch r.Status {
		case QueueStatusPending:
			stats.Pending = r.Total
		case QueueStatusProcessing:
			stats.Processing = r.Total
		case QueueStatusCompleted:
			stats.Completed = r.Total
		case QueueStatusFailed:
			stats.Failed = r.Total
		}
	}
	return stats, nil
}

// RequeueFailedItem puts a dead-lettered item back to pending with a fresh retry budget.
func RequeueFailedItem(ctx context.Context, db *gorm.DB, id uint, now time.Time) (*QueueItem, error) {
	res := db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusFailed).
		Updates(map[string]interface{}{
			"status":       QueueStatusPending,
			"retry_count":  0,
			"scheduled_at": now,
			"locked_at":    nil,
			"locked_by":    nil,
			"last_error":   nil,
			"error_code":   nil,
			"completed_at": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrQueueItemNotFound
	}
	return GetQueueItem(ctx, db, id)
}
