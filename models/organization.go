package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Organization is a read model of the externally administered organization row.
type Organization struct {
	ID                uint               `gorm:"primary_key" json:"id"`
	Code              string             `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name              string             `gorm:"size:255" json:"name"`
	Status            OrganizationStatus `gorm:"size:20;not null;default:active" json:"status"`
	SyncEnabled       bool               `gorm:"not null;default:true" json:"sync_enabled"`
	LastSyncAt        *time.Time         `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time         `json:"last_success_sync_at"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApiEndpointConfig is one remote endpoint an organization syncs with.
// Tenant, RemoteOrgCode and GridId are per-organization overrides; empty means "use the global default".
type ApiEndpointConfig struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	OrganizationId  uint      `gorm:"uniqueIndex:idx_endpoint_org_key,priority:1;not null" json:"organization_id"`
	EndpointKey     string    `gorm:"uniqueIndex:idx_endpoint_org_key,priority:2;size:64;not null" json:"endpoint_key"`
	BaseURL         string    `gorm:"size:255;not null" json:"base_url"`
	QueryPath       string    `gorm:"size:255" json:"query_path"`
	WritePath       string    `gorm:"size:255" json:"write_path"`
	WriteEnabled    bool      `gorm:"not null;default:false" json:"write_enabled"`
	EncryptedSecret string    `gorm:"type:text" json:"-"`
	Tenant          string    `gorm:"size:100" json:"tenant"`
	RemoteOrgCode   string    `gorm:"size:100" json:"remote_org_code"`
	GridId          string    `gorm:"size:100" json:"grid_id"`
	PageSize        int       `json:"page_size"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetOrganization(ctx context.Context, db *gorm.DB, id uint) (*Organization, error) {
	var org Organization
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func GetEndpointConfig(ctx context.Context, db *gorm.DB, organizationId uint, endpointId uint) (*ApiEndpointConfig, error) {
	var cfg ApiEndpointConfig
	if err := db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", endpointId, organizationId).
		Take(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ListActiveEndpoints(ctx context.Context, db *gorm.DB, organizationId uint) ([]ApiEndpointConfig, error) {
	var cfgs []ApiEndpointConfig
	err := db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", organizationId, true).
		Order("id ASC").
		Find(&cfgs).Error
	return cfgs, err
}

// FindWriteEndpoint returns the organization's write-capable endpoint, or nil when none is configured.
func FindWriteEndpoint(ctx context.Context, db *gorm.DB, organizationId uint) (*ApiEndpointConfig, error) {
	var cfg ApiEndpointConfig
	err := db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ? AND write_enabled = ? AND write_path <> ''", organizationId, true, true).
		Order("id ASC").
		Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}
