package pfasync

import (
	"time"

	"github.com/mmdatafocus/pfa_mirror/models"
)

// SyncProgress is the running (and final) state of one ingestion run.
type SyncProgress struct {
	RunId          uint              `json:"runId"`
	OrganizationId uint              `json:"organizationId"`
	EndpointId     uint              `json:"endpointId"`
	Mode           models.SyncMode   `json:"mode"`
	PagingMode     models.PagingMode `json:"pagingMode"`
	Status         string            `json:"status"`
	SkipReason     string            `json:"skipReason,omitempty"`
	Error          string            `json:"error,omitempty"`
	TotalRecords   *int              `json:"totalRecords"`
	Processed      int               `json:"processed"`
	Inserted       int               `json:"inserted"`
	Updated        int               `json:"updated"`
	Unchanged      int               `json:"unchanged"`
	Errored        int               `json:"errored"`
	Pages          int               `json:"pages"`
	Drift          *DriftReport      `json:"drift,omitempty"`
	StartedAt      *time.Time        `json:"startedAt"`
	FinishedAt     *time.Time        `json:"finishedAt"`
}

func (p SyncProgress) Skipped() bool {
	return p.Status == models.SyncRunStatusSkipped
}

const (
	OrganizationOutcomeSucceeded = "succeeded"
	OrganizationOutcomeSkipped   = "skipped"
	OrganizationOutcomeFailed    = "failed"
)

// OrganizationSyncResult is one line of a BatchSummary.
type OrganizationSyncResult struct {
	OrganizationId uint           `json:"organizationId"`
	Code           string         `json:"code"`
	Outcome        string         `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	Runs           []SyncProgress `json:"runs,omitempty"`
}

// BatchSummary is returned by SyncAllOrganizations.
type BatchSummary struct {
	Mode          models.SyncMode          `json:"mode"`
	Total         int                      `json:"total"`
	Succeeded     int                      `json:"succeeded"`
	Skipped       int                      `json:"skipped"`
	Failed        int                      `json:"failed"`
	Organizations []OrganizationSyncResult `json:"organizations"`
	StartedAt     time.Time                `json:"startedAt"`
	FinishedAt    time.Time                `json:"finishedAt"`
}

func (s *BatchSummary) add(r OrganizationSyncResult) {
	s.Total++
	switch r.Outcome {
	case OrganizationOutcomeSucceeded:
		s.Succeeded++
	case OrganizationOutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Organizations = append(s.Organizations, r)
}

// PruneReport describes mirror rows not seen by ingestion since Cutoff.
type PruneReport struct {
	OrganizationId  uint      `json:"organizationId"`
	Cutoff          time.Time `json:"cutoff"`
	DryRun          bool      `json:"dryRun"`
	Candidates      int64     `json:"candidates"`
	Deleted         int64     `json:"deleted"`
	SkippedOpenEdit int64     `json:"skippedOpenEdit"`
	SampleRemoteIds []string  `json:"sampleRemoteIds"`
}

// ConflictResult is the outcome of DetectConflict.
type ConflictResult struct {
	HasConflict  bool             `json:"hasConflict"`
	CanAutoMerge bool             `json:"canAutoMerge"`
	Conflict     *models.Conflict `json:"conflict,omitempty"`
}

// SaveModificationInput is a local edit as submitted by the editing surface.
type SaveModificationInput struct {
	OrganizationId uint                   `json:"organizationId"`
	MirrorRecordId uint                   `json:"mirrorRecordId" binding:"required"`
	SessionId      string                 `json:"sessionId"`
	UserId         string                 `json:"userId"`
	BaseVersion    int64                  `json:"baseVersion"`
	Delta          map[string]interface{} `json:"delta" binding:"required"`
}

// SubmitResult is the outcome of SubmitModification.
type SubmitResult struct {
	Modification *models.Modification `json:"modification"`
	Conflict     *models.Conflict     `json:"conflict,omitempty"`
	QueueItem    *models.QueueItem    `json:"queueItem,omitempty"`
}

// WorkerStatus is a snapshot of the write-back worker.
type WorkerStatus struct {
	WorkerId          string     `json:"workerId"`
	Running           bool       `json:"running"`
	Cycles            int64      `json:"cycles"`
	LastCycleAt       *time.Time `json:"lastCycleAt"`
	LastCycleDuration string     `json:"lastCycleDuration"`
	Claimed           int64      `json:"claimed"`
	Succeeded         int64      `json:"succeeded"`
	Retried           int64      `json:"retried"`
	DeadLettered      int64      `json:"deadLettered"`
	Skipped           int64      `json:"skipped"`
	Conflicted        int64      `json:"conflicted"`
	LastError         string     `json:"lastError,omitempty"`
}

// CycleResult counts the outcomes of one worker cycle.
type CycleResult struct {
	Claimed      int `json:"claimed"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	Skipped      int `json:"skipped"`
	Conflicted   int `json:"conflicted"`
	Reclaimed    int `json:"reclaimed"`
}

type SyncRequest struct {
	EndpointId uint            `json:"endpointId"`
	Mode       models.SyncMode `json:"mode"`
	Async      bool            `json:"async"`
}

type SyncAllRequest struct {
	Mode models.SyncMode `json:"mode"`
}

type ResolveConflictRequest struct {
	Strategy   models.ConflictResolution `json:"strategy" binding:"required"`
	MergedData map[string]interface{}    `json:"mergedData"`
}

type SubmitRequest struct {
	Priority int `json:"priority"`
}

type SyncRunDetailResponse struct {
	Run      models.SyncRun        `json:"run"`
	Progress *SyncProgress         `json:"progress,omitempty"`
	Errors   []models.SyncRowError `json:"errors"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId          uint            `json:"run_id"`
	OrganizationId uint            `json:"organization_id"`
	EndpointId     uint            `json:"endpoint_id"`
	Mode           models.SyncMode `json:"mode"`
}
