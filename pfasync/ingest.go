package pfasync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("github.com/mmdatafocus/pfa_mirror/pfasync")

// ProgressKey is the Redis key holding a run's latest SyncProgress.
func ProgressKey(runId uint) string {
	return fmt.Sprintf("pfa:sync:progress:%d", runId)
}

// SyncLockKey is the cross-instance single-flight key for one organization endpoint.
func SyncLockKey(organizationId uint, endpointKey string) string {
	return fmt.Sprintf("pfa:sync:org:%d:%s", organizationId, endpointKey)
}

// Routing is the resolved remote addressing for one run.
type Routing struct {
	Tenant        string
	RemoteOrgCode string
	GridId        string
	APIKey        string
}

// Pipeline pulls remote pages into the mirror.
type Pipeline struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Settings  config.SyncConfig
	Decrypter Decrypter
	Audit     AuditSink
	NewClient ClientFactory
	Drift     *DriftDetector
	// Locker is nil when Redis is not configured; the running SyncRun row is then the only guard.
	Locker *redislock.Client
	Now    func() time.Time
}

func NewPipeline(db *gorm.DB, logger *logrus.Logger, decrypter Decrypter, audit AuditSink) *Pipeline {
	settings := config.SyncSettings()
	drift := NewDriftDetector(db, logger)
	if settings.DriftLookbackCount > 0 {
		drift.Lookback = settings.DriftLookbackCount
	}
	return &Pipeline{
		DB:        db,
		Logger:    logger,
		Settings:  settings,
		Decrypter: decrypter,
		Audit:     audit,
		NewClient: NewHTTPClient,
		Drift:     drift,
		Locker:    config.GetRedisLock(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sync runs one ingestion pass of endpoint for the organization.
func (p *Pipeline) Sync(ctx context.Context, organizationId uint, mode models.SyncMode, endpoint models.ApiEndpointConfig) (SyncProgress, error) {
	return p.SyncWithTrigger(ctx, organizationId, mode, endpoint, models.SyncTriggeredManual)
}

func (p *Pipeline) SyncWithTrigger(ctx context.Context, organizationId uint, mode models.SyncMode, endpoint models.ApiEndpointConfig, triggeredBy string) (SyncProgress, error) {
	run, err := p.CreateRun(ctx, organizationId, endpoint.ID, mode, triggeredBy, models.SyncRunStatusRunning)
	if err != nil {
		return SyncProgress{}, err
	}
	return p.execute(ctx, run, endpoint)
}

// CreateRun records a run before it executes (queued for async triggers).
func (p *Pipeline) CreateRun(ctx context.Context, organizationId uint, endpointId uint, mode models.SyncMode, triggeredBy string, status string) (*models.SyncRun, error) {
	if mode == "" {
		mode = models.SyncModeFull
	}
	run := &models.SyncRun{
		OrganizationId: organizationId,
		EndpointId:     endpointId,
		Mode:           mode,
		Status:         status,
		TriggeredBy:    triggeredBy,
	}
	if status == models.SyncRunStatusRunning {
		started := p.Now()
		run.StartedAt = &started
	}
	if err := p.DB.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteRun executes a previously created queued run. Finished runs are left alone.
func (p *Pipeline) ExecuteRun(ctx context.Context, runId uint) (SyncProgress, error) {
	run, err := models.GetSyncRun(ctx, p.DB, runId)
	if err != nil {
		return SyncProgress{}, err
	}
	if run.Status != models.SyncRunStatusQueued {
		return progressFromRun(run), nil
	}
	endpoint, err := models.GetEndpointConfig(ctx, p.DB, run.OrganizationId, run.EndpointId)
	if err != nil {
		return SyncProgress{}, err
	}
	return p.execute(ctx, run, *endpoint)
}

func (p *Pipeline) execute(ctx context.Context, run *models.SyncRun, endpoint models.ApiEndpointConfig) (SyncProgress, error) {
	ctx, span := tracer.Start(ctx, "pfasync.Pipeline.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("organization_id", int64(run.OrganizationId)),
		attribute.Int64("endpoint_id", int64(endpoint.ID)),
		attribute.Int64("run_id", int64(run.ID)),
		attribute.String("mode", string(run.Mode)),
	)

	ctx = utils.SetOrganizationIdInContext(ctx, run.OrganizationId)
	started := p.Now()
	progress := progressFromRun(run)
	progress.StartedAt = &started

	org, err := models.GetOrganization(ctx, p.DB, run.OrganizationId)
	if err != nil {
		return p.fail(ctx, run, progress, fmt.Errorf("load organization: %w", err))
	}
	if reason := organizationSkipReason(org); reason != "" {
		return p.skip(ctx, run, progress, reason, "organization is not eligible for sync")
	}

	routing, err := p.resolveRouting(org, endpoint)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return p.skip(ctx, run, progress, cfgErr.Code, cfgErr.Message)
		}
		return p.fail(ctx, run, progress, err)
	}

	lock, err := p.acquire(ctx, run, endpoint)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			progress, _ = p.skip(ctx, run, progress, ErrorCodeSyncInProgress, "another run holds the endpoint")
			return progress, ErrSyncInProgress
		}
		return p.fail(ctx, run, progress, err)
	}
	if lock != nil {
		defer func() { _ = lock.Release(context.Background()) }()
	}

	if err := p.DB.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": started,
	}).Error; err != nil {
		return p.fail(ctx, run, progress, err)
	}
	progress.Status = models.SyncRunStatusRunning

	client, err := p.NewClient(endpoint, routing.APIKey)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return p.skip(ctx, run, progress, cfgErr.Code, cfgErr.Message)
		}
		return p.fail(ctx, run, progress, err)
	}

	batch := &models.IngestionBatch{
		OrganizationId:  run.OrganizationId,
		EndpointId:      endpoint.ID,
		SyncRunId:       run.ID,
		Status:          models.BatchStatusRunning,
		FieldMapVersion: FieldMapVersion,
	}
	if err := p.DB.WithContext(ctx).Create(batch).Error; err != nil {
		return p.fail(ctx, run, progress, err)
	}

	fp := NewFingerprintBuilder()
	progress, err = p.pageThrough(ctx, run, endpoint, client, routing, fp, progress, lock)
	if err != nil {
		p.finishBatch(ctx, batch, fp, models.BatchStatusFailed)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return p.cancel(run, progress, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, run, progress, err)
	}

	if fp.SampleSize() > 0 && p.Drift != nil {
		report, derr := p.Drift.DetectDrift(ctx, endpoint.ID, fp.Build())
		if derr != nil {
			config.LogError(p.Logger, "pfasync.ingest", "Sync", "detect drift", logrus.Fields{"run_id": run.ID}, derr)
		} else {
			progress.Drift = &report
			recorded, rerr := p.Drift.RecordDrift(ctx, batch.ID, report)
			if rerr == nil && recorded {
				appendAudit(ctx, p.Audit, p.Logger, AuditEvent{
					Type:           AuditEventDriftAlert,
					OrganizationId: run.OrganizationId,
					EndpointId:     endpoint.ID,
					RunId:          run.ID,
					ReasonCode:     string(report.Severity),
					Message:        "schema drift detected",
					Actor:          models.ActorIngestion,
					Data: map[string]interface{}{
						"missing": report.MissingFields,
						"new":     report.NewFields,
					},
				})
			}
		}
	}
	p.finishBatch(ctx, batch, fp, models.BatchStatusCompleted)

	return p.complete(ctx, run, progress)
}

func (p *Pipeline) pageThrough(ctx context.Context, run *models.SyncRun, endpoint models.ApiEndpointConfig, client RemoteClient, routing Routing, fp *FingerprintBuilder, progress SyncProgress, lock *redislock.Lock) (SyncProgress, error) {
	pageSize := p.Settings.PageSize
	if endpoint.PageSize > 0 {
		pageSize = endpoint.PageSize
	}
	if pageSize <= 0 {
		pageSize = 10000
	}
	chunkSize := p.Settings.ChunkSize
	if chunkSize <= 0 || chunkSize > pageSize {
		chunkSize = min(1000, pageSize)
	}

	req := QueryRequest{Tenant: routing.Tenant, RemoteOrgCode: routing.RemoteOrgCode, GridId: routing.GridId, Limit: pageSize}

	total, err := client.Count(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return progress, ctxErr
		}
		p.Logger.WithFields(logrus.Fields{
			"module":          "pfasync.ingest",
			"organization_id": run.OrganizationId,
			"run_id":          run.ID,
		}).Warn("count probe failed, paging until empty: " + err.Error())
		total = nil
	}
	progress.PagingMode = models.PagingModeUntilEmpty
	if total != nil {
		progress.PagingMode = models.PagingModeKnownTotal
		progress.TotalRecords = total
	}
	if err := p.DB.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"paging_mode":   progress.PagingMode,
		"total_records": progress.TotalRecords,
	}).Error; err != nil {
		return progress, err
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}
		if progress.PagingMode == models.PagingModeKnownTotal && offset >= *total {
			break
		}

		req.Offset = offset
		pageCtx, pageSpan := tracer.Start(ctx, "pfasync.Pipeline.page", trace.WithSpanKind(trace.SpanKindClient))
		pageSpan.SetAttributes(attribute.Int("offset", offset), attribute.Int("limit", pageSize))
		page, err := client.Query(pageCtx, req)
		pageSpan.End()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return progress, ctxErr
			}
			return progress, fmt.Errorf("query page at offset %d: %w", offset, err)
		}
		if len(page.Rows) == 0 {
			break
		}
		progress.Pages++

		for start := 0; start < len(page.Rows); start += chunkSize {
			if err := ctx.Err(); err != nil {
				return progress, err
			}
			end := min(start+chunkSize, len(page.Rows))
			chunk := page.Rows[start:end]
			for _, row := range chunk {
				fp.Observe(row)
			}
			counts, err := p.upsertChunk(ctx, run, endpoint.ID, chunk)
			if err != nil {
				return progress, err
			}
			progress.Processed += counts.Processed
			progress.Inserted += counts.Inserted
			progress.Updated += counts.Updated
			progress.Unchanged += counts.Unchanged
			progress.Errored += counts.Errored
			p.saveProgress(ctx, run.ID, progress)
		}

		offset += len(page.Rows)
		if lock != nil {
			if err := lock.Refresh(ctx, p.lockTTL(), nil); err != nil {
				p.Logger.WithFields(logrus.Fields{
					"module": "pfasync.ingest",
					"run_id": run.ID,
				}).Warn("sync lock refresh failed: " + err.Error())
			}
		}
	}
	return progress, nil
}

type chunkCounts struct {
	Processed int
	Inserted  int
	Updated   int
	Unchanged int
	Errored   int
}

type rowOutcome int

const (
	rowInserted rowOutcome = iota
	rowUpdated
	rowUnchanged
)

type rowFailure struct {
	remoteId string
	code     string
	message  string
	payload  map[string]interface{}
}

// upsertChunk writes one chunk in one transaction. Each row runs under its own
// savepoint so a failing row is rolled back and counted without aborting the chunk.
func (p *Pipeline) upsertChunk(ctx context.Context, run *models.SyncRun, endpointId uint, rows []map[string]interface{}) (chunkCounts, error) {
	var counts chunkCounts
	now := p.Now()

	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts = chunkCounts{}
		var failures []rowFailure
		for i, raw := range rows {
			counts.Processed++
			sp := fmt.Sprintf("pfa_row_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			outcome, failure := p.upsertRow(tx, run, endpointId, raw, now)
			if failure != nil {
				if err := tx.RollbackTo(sp).Error; err != nil {
					return err
				}
				counts.Errored++
				failures = append(failures, *failure)
				continue
			}
			switch outcome {
			case rowInserted:
				counts.Inserted++
			case rowUpdated:
				counts.Updated++
			default:
				counts.Unchanged++
			}
		}
		for _, f := range failures {
			rowErr := models.SyncRowError{
				SyncRunId:      run.ID,
				OrganizationId: run.OrganizationId,
				RemoteRecordId: f.remoteId,
				ErrorCode:      f.code,
				Message:        f.message,
				Payload:        datatypes.JSONMap(f.payload),
			}
			if err := tx.Create(&rowErr).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return counts, err
}

func (p *Pipeline) upsertRow(tx *gorm.DB, run *models.SyncRun, endpointId uint, raw map[string]interface{}, now time.Time) (rowOutcome, *rowFailure) {
	row, err := NormalizeRow(raw)
	if err != nil {
		return 0, &rowFailure{remoteId: rawRemoteId(raw), code: ErrorCodeNormalizationFailed, message: err.Error(), payload: raw}
	}
	upsertFailed := func(err error) *rowFailure {
		return &rowFailure{remoteId: row.RemoteId, code: ErrorCodeUpsertFailed, message: err.Error(), payload: raw}
	}

	existing, err := models.FindMirrorByRemoteId(tx, run.OrganizationId, row.RemoteId)
	if err != nil {
		return 0, upsertFailed(err)
	}
	if existing == nil {
		rec := &models.MirrorRecord{
			OrganizationId: run.OrganizationId,
			RemoteRecordId: row.RemoteId,
			EndpointId:     endpointId,
			Data:           datatypes.JSONMap(row.Data),
			IndexedFields:  row.Indexed,
			LastSyncedAt:   now,
		}
		created, err := models.CreateMirrorIfAbsent(tx, rec)
		if err != nil {
			return 0, upsertFailed(err)
		}
		if created {
			return rowInserted, nil
		}
		// Lost the insert race; continue on the update path.
		existing, err = models.FindMirrorByRemoteId(tx, run.OrganizationId, row.RemoteId)
		if err != nil {
			return 0, upsertFailed(err)
		}
		if existing == nil {
			return 0, upsertFailed(errors.New("mirror record vanished after insert conflict"))
		}
	}

	if DataEqual(existing.Data, row.Data) {
		if err := models.TouchMirror(tx, existing.ID, now); err != nil {
			return 0, upsertFailed(err)
		}
		return rowUnchanged, nil
	}

	reason := fmt.Sprintf("ingestion run %d (%s)", run.ID, run.Mode)
	next := models.MirrorState{Data: row.Data, Indexed: row.Indexed}
	if err := models.AdvanceMirror(tx, existing, next, existing.Version+1, models.ActorIngestion, reason, now); err != nil {
		return 0, upsertFailed(err)
	}
	return rowUpdated, nil
}

func rawRemoteId(raw map[string]interface{}) string {
	a, _ := LookupField(RemoteIdField)
	for _, r := range a.Remote {
		if v, ok := raw[r]; ok && v != nil {
			return strings.TrimSpace(stringify(v))
		}
	}
	return ""
}

func organizationSkipReason(org *models.Organization) string {
	switch org.Status {
	case models.OrganizationStatusSuspended:
		return ErrorCodeOrganizationSuspended
	case models.OrganizationStatusArchived:
		return ErrorCodeOrganizationArchived
	}
	if !org.SyncEnabled {
		return ErrorCodeSyncDisabled
	}
	return ""
}

// resolveRouting applies per-organization override > global default > local organization code.
func (p *Pipeline) resolveRouting(org *models.Organization, endpoint models.ApiEndpointConfig) (Routing, error) {
	return ResolveRouting(org, endpoint, p.Settings, p.Decrypter)
}

func ResolveRouting(org *models.Organization, endpoint models.ApiEndpointConfig, settings config.SyncConfig, decrypter Decrypter) (Routing, error) {
	secret := strings.TrimSpace(endpoint.EncryptedSecret)
	if secret == "" {
		return Routing{}, newConfigError(ErrorCodeNoCredentials, "endpoint %d has no stored credentials", endpoint.ID)
	}
	if decrypter == nil {
		return Routing{}, newConfigError(ErrorCodeNoCredentials, "no decrypter configured")
	}
	apiKey, err := decrypter.Decrypt(secret)
	if err != nil || strings.TrimSpace(apiKey) == "" {
		return Routing{}, newConfigError(ErrorCodeNoCredentials, "endpoint %d credentials cannot be decrypted", endpoint.ID)
	}

	gridId := firstNonEmpty(endpoint.GridId, settings.DefaultGridId)
	if gridId == "" {
		return Routing{}, newConfigError(ErrorCodeNoGridIdentifier, "no grid identifier for organization %s", org.Code)
	}
	return Routing{
		Tenant:        firstNonEmpty(endpoint.Tenant, settings.DefaultTenant, org.Code),
		RemoteOrgCode: firstNonEmpty(endpoint.RemoteOrgCode, settings.DefaultRemoteOrg, org.Code),
		GridId:        gridId,
		APIKey:        apiKey,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func (p *Pipeline) lockTTL() time.Duration {
	if p.Settings.LockTTL > 0 {
		return p.Settings.LockTTL
	}
	return 15 * time.Minute
}

// acquire takes the Redis lock when configured and always checks for another live run row.
func (p *Pipeline) acquire(ctx context.Context, run *models.SyncRun, endpoint models.ApiEndpointConfig) (*redislock.Lock, error) {
	var lock *redislock.Lock
	if p.Locker != nil {
		key := endpoint.EndpointKey
		if key == "" {
			key = fmt.Sprintf("%d", endpoint.ID)
		}
		l, err := p.Locker.Obtain(ctx, SyncLockKey(run.OrganizationId, key), p.lockTTL(), nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, ErrSyncInProgress
			}
			// Redis trouble degrades to the DB guard.
			p.Logger.WithFields(logrus.Fields{
				"module": "pfasync.ingest",
				"run_id": run.ID,
			}).Warn("sync lock unavailable: " + err.Error())
		} else {
			lock = l
		}
	}

	var live int64
	staleBefore := p.Now().Add(-p.lockTTL())
	if err := p.DB.WithContext(ctx).Model(&models.SyncRun{}).
		Where("endpoint_id = ? AND id <> ? AND status = ? AND started_at > ?", endpoint.ID, run.ID, models.SyncRunStatusRunning, staleBefore).
		Count(&live).Error; err != nil {
		if lock != nil {
			_ = lock.Release(context.Background())
		}
		return nil, err
	}
	if live > 0 {
		if lock != nil {
			_ = lock.Release(context.Background())
		}
		return nil, ErrSyncInProgress
	}
	return lock, nil
}

func (p *Pipeline) saveProgress(ctx context.Context, runId uint, progress SyncProgress) {
	if err := config.SetRedisObject(ProgressKey(runId), progress, p.Settings.ProgressTTL); err != nil {
		p.Logger.WithFields(logrus.Fields{"module": "pfasync.ingest", "run_id": runId}).Warn("progress cache write failed: " + err.Error())
	}
	if err := p.DB.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", runId).Updates(map[string]interface{}{
		"processed": progress.Processed,
		"inserted":  progress.Inserted,
		"updated":   progress.Updated,
		"unchanged": progress.Unchanged,
		"errored":   progress.Errored,
	}).Error; err != nil {
		config.LogError(p.Logger, "pfasync.ingest", "saveProgress", "update run counters", logrus.Fields{"run_id": runId}, err)
	}
}

// GetProgress prefers the Redis copy and falls back to the run row.
func GetProgress(ctx context.Context, db *gorm.DB, runId uint) (*SyncProgress, error) {
	var cached SyncProgress
	if ok, err := config.GetRedisObject(ProgressKey(runId), &cached); err == nil && ok {
		return &cached, nil
	}
	run, err := models.GetSyncRun(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	progress := progressFromRun(run)
	return &progress, nil
}

func (p *Pipeline) finishBatch(ctx context.Context, batch *models.IngestionBatch, fp *FingerprintBuilder, status string) {
	batch.SetFingerprint(fp.Build())
	now := p.Now()
	updates := map[string]interface{}{
		"status":             status,
		"fingerprint_fields": batch.FingerprintFields,
		"fingerprint_types":  batch.FingerprintTypes,
		"sample_size":        batch.SampleSize,
		"completed_at":       now,
	}
	// Use a fresh context so a cancelled run still closes its batch.
	if err := p.DB.WithContext(context.WithoutCancel(ctx)).Model(&models.IngestionBatch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		config.LogError(p.Logger, "pfasync.ingest", "finishBatch", "update batch", logrus.Fields{"batch_id": batch.ID}, err)
	}
}

func (p *Pipeline) complete(ctx context.Context, run *models.SyncRun, progress SyncProgress) (SyncProgress, error) {
	finished := p.Now()
	progress.Status = models.SyncRunStatusCompleted
	progress.FinishedAt = &finished
	if err := p.finishRun(ctx, run, progress, ""); err != nil {
		return progress, err
	}
	if err := p.DB.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", run.OrganizationId).Updates(map[string]interface{}{
		"last_sync_at":         finished,
		"last_success_sync_at": finished,
	}).Error; err != nil {
		config.LogError(p.Logger, "pfasync.ingest", "complete", "update organization", logrus.Fields{"organization_id": run.OrganizationId}, err)
	}
	p.Logger.WithFields(logrus.Fields{
		"module":          "pfasync.ingest",
		"organization_id": run.OrganizationId,
		"run_id":          run.ID,
		"processed":       progress.Processed,
		"inserted":        progress.Inserted,
		"updated":         progress.Updated,
		"unchanged":       progress.Unchanged,
		"errored":         progress.Errored,
		"paging_mode":     progress.PagingMode,
	}).Info("sync run completed")
	return progress, nil
}

// skip ends the run as an intentional no-op. A skip is not an error.
func (p *Pipeline) skip(ctx context.Context, run *models.SyncRun, progress SyncProgress, reason string, message string) (SyncProgress, error) {
	finished := p.Now()
	progress.Status = models.SyncRunStatusSkipped
	progress.SkipReason = reason
	progress.FinishedAt = &finished
	if err := p.finishRun(ctx, run, progress, ""); err != nil {
		return progress, err
	}
	p.Logger.WithFields(logrus.Fields{
		"module":          "pfasync.ingest",
		"organization_id": run.OrganizationId,
		"endpoint_id":     run.EndpointId,
		"run_id":          run.ID,
		"reason":          reason,
	}).Info("sync run skipped")
	appendAudit(ctx, p.Audit, p.Logger, AuditEvent{
		Type:           AuditEventSyncSkipped,
		OrganizationId: run.OrganizationId,
		EndpointId:     run.EndpointId,
		RunId:          run.ID,
		ReasonCode:     reason,
		Message:        message,
		Actor:          models.ActorIngestion,
	})
	return progress, nil
}

func (p *Pipeline) fail(ctx context.Context, run *models.SyncRun, progress SyncProgress, cause error) (SyncProgress, error) {
	finished := p.Now()
	progress.Status = models.SyncRunStatusFailed
	progress.Error = cause.Error()
	progress.FinishedAt = &finished
	if err := p.finishRun(context.WithoutCancel(ctx), run, progress, cause.Error()); err != nil {
		config.LogError(p.Logger, "pfasync.ingest", "fail", "update run", logrus.Fields{"run_id": run.ID}, err)
	}
	_ = p.DB.WithContext(context.WithoutCancel(ctx)).Model(&models.Organization{}).Where("id = ?", run.OrganizationId).Update("last_sync_at", finished).Error
	config.LogError(p.Logger, "pfasync.ingest", "Sync", "sync run failed", logrus.Fields{"organization_id": run.OrganizationId, "run_id": run.ID}, cause)
	appendAudit(ctx, p.Audit, p.Logger, AuditEvent{
		Type:           AuditEventSyncFailed,
		OrganizationId: run.OrganizationId,
		EndpointId:     run.EndpointId,
		RunId:          run.ID,
		ReasonCode:     ErrorCodeOf(cause, ErrorCodeRemoteError),
		Message:        cause.Error(),
		Actor:          models.ActorIngestion,
	})
	return progress, cause
}

// cancel ends the run as cancelled. Pages already committed stay.
func (p *Pipeline) cancel(run *models.SyncRun, progress SyncProgress, cause error) (SyncProgress, error) {
	ctx := context.Background()
	finished := p.Now()
	progress.Status = models.SyncRunStatusCancelled
	progress.Error = cause.Error()
	progress.FinishedAt = &finished
	if err := p.finishRun(ctx, run, progress, cause.Error()); err != nil {
		config.LogError(p.Logger, "pfasync.ingest", "cancel", "update run", logrus.Fields{"run_id": run.ID}, err)
	}
	return progress, cause
}

func (p *Pipeline) finishRun(ctx context.Context, run *models.SyncRun, progress SyncProgress, errMsg string) error {
	var durationMs int64
	if progress.StartedAt != nil && progress.FinishedAt != nil {
		durationMs = progress.FinishedAt.Sub(*progress.StartedAt).Milliseconds()
	}
	updates := map[string]interface{}{
		"status":        progress.Status,
		"skip_reason":   progress.SkipReason,
		"error_message": errMsg,
		"processed":     progress.Processed,
		"inserted":      progress.Inserted,
		"updated":       progress.Updated,
		"unchanged":     progress.Unchanged,
		"errored":       progress.Errored,
		"paging_mode":   progress.PagingMode,
		"total_records": progress.TotalRecords,
		"finished_at":   progress.FinishedAt,
		"duration_ms":   durationMs,
	}
	if progress.StartedAt != nil {
		updates["started_at"] = progress.StartedAt
	}
	if err := p.DB.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		return err
	}
	run.Status = progress.Status
	p.saveProgress(ctx, run.ID, progress)
	return nil
}

func progressFromRun(run *models.SyncRun) SyncProgress {
	return SyncProgress{
		RunId:          run.ID,
		OrganizationId: run.OrganizationId,
		EndpointId:     run.EndpointId,
		Mode:           run.Mode,
		PagingMode:     run.PagingMode,
		Status:         run.Status,
		SkipReason:     run.SkipReason,
		Error:          run.ErrorMessage,
		TotalRecords:   run.TotalRecords,
		Processed:      run.Processed,
		Inserted:       run.Inserted,
		Updated:        run.Updated,
		Unchanged:      run.Unchanged,
		Errored:        run.Errored,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}

// PruneStale reports mirror rows the remote has not returned since olderThan ago, and
// deletes them (with their history) when dryRun is false. Rows with an open local edit
// are never pruned. It is only ever invoked explicitly.
func (p *Pipeline) PruneStale(ctx context.Context, organizationId uint, olderThan time.Duration, dryRun bool) (PruneReport, error) {
	cutoff := p.Now().Add(-olderThan)
	report := PruneReport{OrganizationId: organizationId, Cutoff: cutoff, DryRun: dryRun}
	ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
	db := p.DB.WithContext(ctx)

	// sync_error edits stay protected so a requeued write still finds its row.
	openStates := []models.SyncState{models.SyncStateDraft, models.SyncStateQueued, models.SyncStateConflict, models.SyncStateCommitted, models.SyncStateSyncError}
	openEdits := func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&models.Modification{}).Select("mirror_record_id").
			Where("organization_id = ? AND sync_state IN ?", organizationId, openStates)
	}
	candidates := func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&models.MirrorRecord{}).
			Where("organization_id = ? AND last_synced_at < ?", organizationId, cutoff).
			Where("id NOT IN (?)", openEdits(tx))
	}

	var total int64
	if err := db.Model(&models.MirrorRecord{}).Where("organization_id = ? AND last_synced_at < ?", organizationId, cutoff).Count(&total).Error; err != nil {
		return report, err
	}
	if err := candidates(db).Count(&report.Candidates).Error; err != nil {
		return report, err
	}
	report.SkippedOpenEdit = total - report.Candidates

	var sample []string
	if err := candidates(db).Order("id ASC").Limit(100).Pluck("remote_record_id", &sample).Error; err != nil {
		return report, err
	}
	report.SampleRemoteIds = sample

	if dryRun || report.Candidates == 0 {
		return report, nil
	}

	chunkSize := p.Settings.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	var afterId uint
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var ids []uint
		err := db.Transaction(func(tx *gorm.DB) error {
			// Staleness is re-checked under the row lock, so a row touched by a sync since
			// the count keeps both its mirror and its history.
			if err := candidates(tx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id > ?", afterId).
				Order("id ASC").
				Limit(chunkSize).
				Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			res := tx.Where("id IN ?", ids).Delete(&models.MirrorRecord{})
			if res.Error != nil {
				return res.Error
			}
			if err := tx.Where("mirror_record_id IN ?", ids).Delete(&models.HistoryRecord{}).Error; err != nil {
				return err
			}
			report.Deleted += res.RowsAffected
			return nil
		})
		if err != nil {
			return report, err
		}
		if len(ids) < chunkSize {
			break
		}
		afterId = ids[len(ids)-1]
	}

	appendAudit(ctx, p.Audit, p.Logger, AuditEvent{
		Type:           AuditEventPrune,
		OrganizationId: organizationId,
		ReasonCode:     "stale_mirror_rows",
		Message:        fmt.Sprintf("pruned %d mirror rows not synced since %s", report.Deleted, cutoff.Format(time.RFC3339)),
		Actor:          models.ActorIngestion,
	})
	return report, nil
}
