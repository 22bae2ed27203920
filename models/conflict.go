package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrConflictNotFound = errors.New("conflict not found")

// Conflict captures both sides of the overlapping fields as of detection.
type Conflict struct {
	ID             uint                        `gorm:"primary_key" json:"id"`
	OrganizationId uint                        `gorm:"index;not null" json:"organization_id"`
	MirrorRecordId uint                        `gorm:"index;not null" json:"mirror_record_id"`
	ModificationId uint                        `gorm:"index;not null" json:"modification_id"`
	LocalVersion   int64                       `json:"local_version"`
	RemoteVersion  int64                       `json:"remote_version"`
	ConflictFields datatypes.JSONSlice[string] `json:"conflict_fields"`
	LocalData      datatypes.JSONMap           `json:"local_data"`
	RemoteData     datatypes.JSONMap           `json:"remote_data"`
	Status         ConflictStatus              `gorm:"index;size:20;not null;default:unresolved" json:"status"`
	Resolution     *ConflictResolution         `gorm:"size:20" json:"resolution"`
	ResolvedBy     *string                     `gorm:"size:100" json:"resolved_by"`
	ResolvedAt     *time.Time                  `json:"resolved_at"`
	CreatedAt      time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetConflict(ctx context.Context, db *gorm.DB, id uint) (*Conflict, error) {
	var c Conflict
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindUnresolvedConflict returns the open conflict for a modification, or nil.
func FindUnresolvedConflict(ctx context.Context, db *gorm.DB, modificationId uint) (*Conflict, error) {
	var c Conflict
	err := db.WithContext(ctx).
		Where("modification_id = ? AND status = ?", modificationId, ConflictStatusUnresolved).
		Order("id DESC").
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
