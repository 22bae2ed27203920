package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrModificationNotFound = errors.New("modification not found")

// Modification is a local edit composed against MirrorRecord version BaseVersion.
// Version counts saves of the modification itself and never touches the mirror.
type Modification struct {
	ID             uint                        `gorm:"primary_key" json:"id"`
	OrganizationId uint                        `gorm:"index;not null" json:"organization_id"`
	MirrorRecordId uint                        `gorm:"uniqueIndex:idx_modification_session_record,priority:2;not null" json:"mirror_record_id"`
	SessionId      string                      `gorm:"uniqueIndex:idx_modification_session_record,priority:1;size:64;not null" json:"session_id"`
	UserId         string                      `gorm:"index;size:64" json:"user_id"`
	BaseVersion    int64                       `gorm:"not null" json:"base_version"`
	CurrentVersion int64                       `json:"current_version"`
	Delta          datatypes.JSONMap           `json:"delta"`
	ModifiedFields datatypes.JSONSlice[string] `json:"modified_fields"`
	SyncState      SyncState                   `gorm:"index;size:20;not null;default:draft" json:"sync_state"`
	Version        int                         `gorm:"not null;default:1" json:"version"`
	LastError      string                      `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetModification(ctx context.Context, db *gorm.DB, id uint) (*Modification, error) {
	var m Modification
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrModificationNotFound
		}
		return nil, err
	}
	return &m, nil
}

// SetModificationState moves a modification to state, recording lastError ("" clears it).
func SetModificationState(tx *gorm.DB, id uint, state SyncState, lastError string) error {
	return tx.Model(&Modification{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_state": state,
		"last_error": lastError,
	}).Error
}
