package models

// Keep these as strings (DB values).

type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
	OrganizationStatusArchived  OrganizationStatus = "archived"
)

type SyncState string

const (
	SyncStateDraft     SyncState = "draft"
	SyncStateQueued    SyncState = "queued"
	SyncStateConflict  SyncState = "conflict"
	SyncStateCommitted SyncState = "committed"
	SyncStateSynced    SyncState = "synced"
	SyncStateSyncError SyncState = "sync_error"
)

type ConflictStatus string

const (
	ConflictStatusUnresolved ConflictStatus = "unresolved"
	ConflictStatusResolved   ConflictStatus = "resolved"
)

type ConflictResolution string

const (
	ConflictResolutionUseLocal  ConflictResolution = "use_local"
	ConflictResolutionUseRemote ConflictResolution = "use_remote"
	ConflictResolutionMerge     ConflictResolution = "merge"
)

func (r ConflictResolution) IsValid() bool {
	switch r {
	case ConflictResolutionUseLocal, ConflictResolutionUseRemote, ConflictResolutionMerge:
		return true
	}
	return false
}

type QueueOperation string

const (
	QueueOperationUpdate QueueOperation = "update"
	QueueOperationDelete QueueOperation = "delete"
	QueueOperationCreate QueueOperation = "create"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

type PagingMode string

const (
	PagingModeKnownTotal PagingMode = "known_total"
	PagingModeUntilEmpty PagingMode = "until_empty"
)

type DriftSeverity string

const (
	DriftSeverityNone   DriftSeverity = ""
	DriftSeverityLow    DriftSeverity = "low"
	DriftSeverityMedium DriftSeverity = "medium"
	DriftSeverityHigh   DriftSeverity = "high"
)

// Rank orders severities for "highest seen" comparisons.
func (s DriftSeverity) Rank() int {
	switch s {
	case DriftSeverityLow:
		return 1
	case DriftSeverityMedium:
		return 2
	case DriftSeverityHigh:
		return 3
	}
	return 0
}

// System actor labels recorded on history rows.
const (
	ActorIngestion = "system:ingestion"
	ActorWriteBack = "system:writeback"
)
