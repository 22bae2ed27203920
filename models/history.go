package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// HistoryRecord is an immutable snapshot of a superseded mirror version.
type HistoryRecord struct {
	ID             uint              `gorm:"primary_key" json:"id"`
	MirrorRecordId uint              `gorm:"uniqueIndex:idx_history_mirror_version,priority:1;not null" json:"mirror_record_id"`
	Version        int64             `gorm:"uniqueIndex:idx_history_mirror_version,priority:2;not null" json:"version"`
	Data           datatypes.JSONMap `json:"data"`
	IndexedFields  `gorm:"embedded"`
	ChangedBy      string            `gorm:"size:100;not null" json:"changed_by"`
	ChangeReason   string            `gorm:"size:255" json:"change_reason"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// HistoryBetween returns archived snapshots with fromVersion <= version < toVersion, ascending.
func HistoryBetween(ctx context.Context, db *gorm.DB, mirrorRecordId uint, fromVersion int64, toVersion int64) ([]HistoryRecord, error) {
	var rows []HistoryRecord
	err := db.WithContext(ctx).
		Where("mirror_record_id = ? AND version >= ? AND version < ?", mirrorRecordId, fromVersion, toVersion).
		Order("version ASC").
		Find(&rows).Error
	return rows, err
}

func GetHistoryVersion(ctx context.Context, db *gorm.DB, mirrorRecordId uint, version int64) (*HistoryRecord, error) {
	var h HistoryRecord
	if err := db.WithContext(ctx).
		Where("mirror_record_id = ? AND version = ?", mirrorRecordId, version).
		Take(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}
