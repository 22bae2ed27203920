package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued    = "queued"
	SyncRunStatusRunning   = "running"
	SyncRunStatusCompleted = "completed"
	SyncRunStatusFailed    = "failed"
	SyncRunStatusSkipped   = "skipped"
	SyncRunStatusCancelled = "cancelled"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredSystem = "system"
	SyncTriggeredPubSub = "pubsub"
)

const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

// SyncRun is the run log of one ingestion pass over one endpoint.
type SyncRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	OrganizationId uint       `gorm:"index;not null" json:"organization_id"`
	EndpointId     uint       `gorm:"index;not null" json:"endpoint_id"`
	Mode           SyncMode   `gorm:"size:20;not null" json:"mode"`
	PagingMode     PagingMode `gorm:"size:20" json:"paging_mode"`
	Status         string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	Processed      int        `json:"processed"`
	Inserted       int        `json:"inserted"`
	Updated        int        `json:"updated"`
	Unchanged      int        `json:"unchanged"`
	Errored        int        `json:"errored"`
	TotalRecords   *int       `json:"total_records"`
	SkipReason     string     `gorm:"size:64" json:"skip_reason"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRowError is one row that failed normalization or upsert during a run.
type SyncRowError struct {
	ID             uint              `gorm:"primary_key" json:"id"`
	SyncRunId      uint              `gorm:"index;not null" json:"sync_run_id"`
	OrganizationId uint              `gorm:"index;not null" json:"organization_id"`
	RemoteRecordId string            `gorm:"size:128" json:"remote_record_id"`
	ErrorCode      string            `gorm:"size:64" json:"error_code"`
	Message        string            `gorm:"type:text" json:"message"`
	Payload        datatypes.JSONMap `json:"payload"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// SchemaFingerprint is the observed shape of one ingestion batch.
type SchemaFingerprint struct {
	Fields     []string          `json:"fields"`
	FieldTypes map[string]string `json:"field_types"`
	SampleSize int               `json:"sample_size"`
}

// DriftAlert is persisted on the batch that observed it. Alerts are only ever appended.
type DriftAlert struct {
	Severity        DriftSeverity `json:"severity"`
	MissingFields   []string      `json:"missing_fields"`
	NewFields       []string      `json:"new_fields"`
	ChangedTypes    []string      `json:"changed_types"`
	MissingPercent  float64       `json:"missing_percent"`
	BaselineBatchId uint          `json:"baseline_batch_id"`
	DetectedAt      time.Time     `json:"detected_at"`
}

// IngestionBatch carries the fingerprint of one run's rows. The latest completed
// batch of an endpoint is its last known good shape.
type IngestionBatch struct {
	ID                uint                            `gorm:"primary_key" json:"id"`
	OrganizationId    uint                            `gorm:"index;not null" json:"organization_id"`
	EndpointId        uint                            `gorm:"index:idx_batch_endpoint_status,priority:1;not null" json:"endpoint_id"`
	SyncRunId         uint                            `gorm:"index" json:"sync_run_id"`
	Status            string                          `gorm:"index:idx_batch_endpoint_status,priority:2;size:20;not null" json:"status"`
	FieldMapVersion   int                             `json:"field_map_version"`
	FingerprintFields datatypes.JSONSlice[string]     `json:"fingerprint_fields"`
	FingerprintTypes  datatypes.JSONMap               `json:"fingerprint_types"`
	SampleSize        int                             `json:"sample_size"`
	DriftAlerts       datatypes.JSONSlice[DriftAlert] `json:"drift_alerts"`
	CompletedAt       *time.Time                      `json:"completed_at"`
	CreatedAt         time.Time                       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Fingerprint rebuilds the value type from the stored columns.
func (b IngestionBatch) Fingerprint() SchemaFingerprint {
	types := make(map[string]string, len(b.FingerprintTypes))
	for k, v := range b.FingerprintTypes {
		if s, ok := v.(string); ok {
			types[k] = s
		}
	}
	fields := make([]string, len(b.FingerprintFields))
	copy(fields, b.FingerprintFields)
	return SchemaFingerprint{Fields: fields, FieldTypes: types, SampleSize: b.SampleSize}
}

// SetFingerprint stores fp on the batch columns.
func (b *IngestionBatch) SetFingerprint(fp SchemaFingerprint) {
	types := make(datatypes.JSONMap, len(fp.FieldTypes))
	for k, v := range fp.FieldTypes {
		types[k] = v
	}
	b.FingerprintFields = datatypes.JSONSlice[string](fp.Fields)
	b.FingerprintTypes = types
	b.SampleSize = fp.SampleSize
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func ListSyncRowErrors(ctx context.Context, db *gorm.DB, runId uint, limit int) ([]SyncRowError, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []SyncRowError
	err := db.WithContext(ctx).
		Where("sync_run_id = ?", runId).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// LatestCompletedBatch returns the endpoint's baseline batch, excluding excludeId. Nil when none.
// Batches that observed no rows never become a baseline.
func LatestCompletedBatch(ctx context.Context, db *gorm.DB, endpointId uint, excludeId uint) (*IngestionBatch, error) {
	var rows []IngestionBatch
	q := db.WithContext(ctx).
		Where("endpoint_id = ? AND status = ? AND sample_size > 0", endpointId, BatchStatusCompleted)
	if excludeId > 0 {
		q = q.Where("id <> ?", excludeId)
	}
	if err := q.Order("id DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func RecentBatches(ctx context.Context, db *gorm.DB, endpointId uint, limit int) ([]IngestionBatch, error) {
	var rows []IngestionBatch
	err := db.WithContext(ctx).
		Where("endpoint_id = ?", endpointId).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
