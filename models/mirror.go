package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrStaleMirror          = errors.New("mirror record changed concurrently")
	ErrVersionNotIncreasing = errors.New("mirror version must increase")
	ErrMirrorRecordNotFound = errors.New("mirror record not found")
)

// IndexedFields are denormalized from MirrorRecord.Data for querying.
type IndexedFields struct {
	Category            string          `gorm:"index;size:100" json:"category"`
	Class               string          `gorm:"size:100" json:"class"`
	Source              string          `gorm:"size:20" json:"source"`
	Dor                 string          `gorm:"size:20" json:"dor"`
	MonthlyRate         decimal.Decimal `gorm:"type:decimal(20,4)" json:"monthly_rate"`
	PurchasePrice       decimal.Decimal `gorm:"type:decimal(20,4)" json:"purchase_price"`
	ForecastStart       *time.Time      `json:"forecast_start"`
	ForecastEnd         *time.Time      `json:"forecast_end"`
	ActualStart         *time.Time      `json:"actual_start"`
	ActualEnd           *time.Time      `json:"actual_end"`
	IsActualized        bool            `json:"is_actualized"`
	IsDiscontinued      bool            `json:"is_discontinued"`
	IsFundsTransferable bool            `json:"is_funds_transferable"`
}

func (f IndexedFields) columns() map[string]interface{} {
	return map[string]interface{}{
		"category":              f.Category,
		"class":                 f.Class,
		"source":                f.Source,
		"dor":                   f.Dor,
		"monthly_rate":          f.MonthlyRate,
		"purchase_price":        f.PurchasePrice,
		"forecast_start":        f.ForecastStart,
		"forecast_end":          f.ForecastEnd,
		"actual_start":          f.ActualStart,
		"actual_end":            f.ActualEnd,
		"is_actualized":         f.IsActualized,
		"is_discontinued":       f.IsDiscontinued,
		"is_funds_transferable": f.IsFundsTransferable,
	}
}

// MirrorRecord is the local belief about one remote record.
// Version only increases, and every increase is paired with one HistoryRecord (see AdvanceMirror).
type MirrorRecord struct {
	ID             uint              `gorm:"primary_key" json:"id"`
	OrganizationId uint              `gorm:"uniqueIndex:idx_mirror_org_remote,priority:1;not null" json:"organization_id"`
	RemoteRecordId string            `gorm:"uniqueIndex:idx_mirror_org_remote,priority:2;size:128;not null" json:"remote_record_id"`
	EndpointId     uint              `gorm:"index" json:"endpoint_id"`
	Version        int64             `gorm:"not null;default:1" json:"version"`
	Data           datatypes.JSONMap `json:"data"`
	IndexedFields  `gorm:"embedded"`
	LastSyncedAt   time.Time         `gorm:"index" json:"last_synced_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// MirrorState is the next data + indexed projection to advance a mirror to.
type MirrorState struct {
	Data    map[string]interface{}
	Indexed IndexedFields
}

// CreateMirrorIfAbsent inserts rec at version 1. It returns false when another writer
// already holds the (organization, remote id) key, in which case the caller takes the update path.
func CreateMirrorIfAbsent(tx *gorm.DB, rec *MirrorRecord) (bool, error) {
	rec.Version = 1
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdvanceMirror archives rec's current state to history and moves the mirror to newVersion.
//
// Invariant: History write precedes Mirror advance, or neither happens. Both run in one
// transaction (a savepoint when tx is already a transaction). The mirror row is locked and its
// version compared with the version the caller read, so a concurrent advance yields
// ErrStaleMirror before any history is written.
func AdvanceMirror(tx *gorm.DB, rec *MirrorRecord, next MirrorState, newVersion int64, changedBy string, reason string, syncedAt time.Time) error {
	if newVersion <= rec.Version {
		return fmt.Errorf("%w: current=%d next=%d", ErrVersionNotIncreasing, rec.Version, newVersion)
	}
	return tx.Transaction(func(inner *gorm.DB) error {
		var versions []int64
		if err := inner.Model(&MirrorRecord{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", rec.ID).
			Pluck("version", &versions).Error; err != nil {
			return err
		}
		if len(versions) == 0 {
			return ErrMirrorRecordNotFound
		}
		if versions[0] != rec.Version {
			return ErrStaleMirror
		}

		history := HistoryRecord{
			MirrorRecordId: rec.ID,
			Version:        rec.Version,
			Data:           rec.Data,
			IndexedFields:  rec.IndexedFields,
			ChangedBy:      changedBy,
			ChangeReason:   reason,
		}
		if err := inner.Create(&history).Error; err != nil {
			return err
		}

		updates := next.Indexed.columns()
		updates["version"] = newVersion
		updates["data"] = datatypes.JSONMap(next.Data)
		updates["last_synced_at"] = syncedAt
		res := inner.Model(&MirrorRecord{}).
			Where("id = ? AND version = ?", rec.ID, rec.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleMirror
		}

		rec.Version = newVersion
		rec.Data = next.Data
		rec.IndexedFields = next.Indexed
		rec.LastSyncedAt = syncedAt
		return nil
	})
}

// TouchMirror records that the remote still reports the record unchanged.
func TouchMirror(tx *gorm.DB, id uint, syncedAt time.Time) error {
	return tx.Model(&MirrorRecord{}).Where("id = ?", id).Update("last_synced_at", syncedAt).Error
}

func FindMirrorByRemoteId(tx *gorm.DB, organizationId uint, remoteRecordId string) (*MirrorRecord, error) {
	var rec MirrorRecord
	err := tx.Where("organization_id = ? AND remote_record_id = ?", organizationId, remoteRecordId).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func GetMirrorRecord(ctx context.Context, db *gorm.DB, id uint) (*MirrorRecord, error) {
	var rec MirrorRecord
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMirrorRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}
