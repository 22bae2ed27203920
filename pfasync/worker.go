package pfasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	writeLimiterOnce sync.Once
	writeLimiter     *rate.Limiter
)

// sharedWriteLimiter paces every worker in the process against the remote write API.
func sharedWriteLimiter(perSecond int) *rate.Limiter {
	writeLimiterOnce.Do(func() {
		if perSecond <= 0 {
			perSecond = 10
		}
		writeLimiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	})
	return writeLimiter
}

type itemOutcome int

const (
	outcomeSucceeded itemOutcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeSkipped
	outcomeConflicted
	outcomeFailed
)

// Worker drains the write-back queue.
type Worker struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Queue     *Queue
	Engine    *ConflictEngine
	Validator *PayloadValidator
	Decrypter Decrypter
	Audit     AuditSink
	NewClient ClientFactory
	Limiter   *rate.Limiter
	Settings  config.SyncConfig
	Config    config.WorkerConfig
	WorkerId  string
	Now       func() time.Time

	running atomic.Bool
	clients clientCache
	mu      sync.Mutex
	status  WorkerStatus
}

func NewWorker(db *gorm.DB, logger *logrus.Logger, decrypter Decrypter, audit AuditSink) *Worker {
	cfg := config.WorkerSettings()
	queue := NewQueue(db, logger, cfg)
	return &Worker{
		DB:        db,
		Logger:    logger,
		Queue:     queue,
		Engine:    NewConflictEngine(db, logger, audit, queue),
		Validator: NewPayloadValidator(),
		Decrypter: decrypter,
		Audit:     audit,
		NewClient: NewHTTPClient,
		Limiter:   sharedWriteLimiter(cfg.RatePerSecond),
		Settings:  config.SyncSettings(),
		Config:    cfg,
		WorkerId:  "pfa-writeback-" + uuid.NewString()[:8],
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs cycles until ctx is done. A second Start (or a RunOnce) while one is
// active returns immediately.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	poll := w.Config.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	w.Logger.WithFields(logrus.Fields{
		"module":    "pfasync.worker",
		"worker_id": w.WorkerId,
	}).Info("write-back worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.cycle(ctx); err != nil && ctx.Err() == nil {
			config.LogError(w.Logger, "pfasync.worker", "Start", "cycle", logrus.Fields{"worker_id": w.WorkerId}, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// RunOnce runs a single cycle. It is a no-op while another cycle or loop is active.
func (w *Worker) RunOnce(ctx context.Context) (CycleResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return CycleResult{}, nil
	}
	defer w.running.Store(false)
	return w.cycle(ctx)
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.WorkerId = w.WorkerId
	s.Running = w.running.Load()
	return s
}

func (w *Worker) cycle(ctx context.Context) (CycleResult, error) {
	started := w.Now()
	var result CycleResult

	reclaimed, err := w.Queue.ReclaimStale(ctx)
	if err != nil {
		w.finishCycle(started, result, err)
		return result, err
	}
	result.Reclaimed = int(reclaimed)

	batchSize := w.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	items, err := w.Queue.Claim(ctx, w.WorkerId, batchSize)
	if err != nil {
		w.finishCycle(started, result, err)
		return result, err
	}
	result.Claimed = len(items)

	chunkSize := w.Config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	var mu sync.Mutex
	for start := 0; start < len(items); start += chunkSize {
		if start > 0 && w.Config.ChunkPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.Config.ChunkPause):
			}
		}
		if ctx.Err() != nil {
			// Unprocessed claims come back through ReclaimStale.
			break
		}
		chunk := items[start:min(start+chunkSize, len(items))]
		g, gctx := errgroup.WithContext(ctx)
		for i := range chunk {
			item := chunk[i]
			g.Go(func() error {
				outcome := w.processItem(gctx, &item)
				mu.Lock()
				defer mu.Unlock()
				switch outcome {
				case outcomeSucceeded:
					result.Succeeded++
				case outcomeRetried:
					result.Retried++
				case outcomeDeadLettered:
					result.DeadLettered++
				case outcomeSkipped:
					result.Skipped++
				case outcomeConflicted:
					result.Conflicted++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	w.finishCycle(started, result, nil)
	return result, nil
}

func (w *Worker) finishCycle(started time.Time, result CycleResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Cycles++
	at := started
	w.status.LastCycleAt = &at
	w.status.LastCycleDuration = w.Now().Sub(started).String()
	w.status.Claimed += int64(result.Claimed)
	w.status.Succeeded += int64(result.Succeeded)
	w.status.Retried += int64(result.Retried)
	w.status.DeadLettered += int64(result.DeadLettered)
	w.status.Skipped += int64(result.Skipped)
	w.status.Conflicted += int64(result.Conflicted)
	if err != nil {
		w.status.LastError = err.Error()
	}
}

func (w *Worker) log(item *models.QueueItem) *logrus.Entry {
	return w.Logger.WithFields(logrus.Fields{
		"module":          "pfasync.worker",
		"worker_id":       w.WorkerId,
		"queue_item_id":   item.ID,
		"organization_id": item.OrganizationId,
		"modification_id": item.ModificationId,
	})
}

func (w *Worker) processItem(ctx context.Context, item *models.QueueItem) itemOutcome {
	ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdFromContextOrNew(ctx))
	ctx, span := tracer.Start(ctx, "pfasync.Worker.processItem")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("queue_item_id", int64(item.ID)),
		attribute.Int64("organization_id", int64(item.OrganizationId)),
		attribute.Int("retry_count", item.RetryCount),
	)
	db := w.DB.WithContext(ctx)

	mod, err := models.GetModification(ctx, w.DB, item.ModificationId)
	if err != nil {
		if errors.Is(err, models.ErrModificationNotFound) {
			return w.deadLetter(ctx, item, nil, ErrorCodeModificationMissing, "modification no longer exists")
		}
		return w.transient(item, err)
	}
	if mod.SyncState == models.SyncStateSynced {
		if err := w.Queue.Complete(db, item, ErrorCodeAlreadySynced, "modification already synced"); err != nil {
			return w.transient(item, err)
		}
		return outcomeSucceeded
	}

	org, err := models.GetOrganization(ctx, w.DB, item.OrganizationId)
	if err != nil {
		return w.transient(item, err)
	}
	endpoint, err := models.FindWriteEndpoint(ctx, w.DB, item.OrganizationId)
	if err != nil {
		return w.transient(item, err)
	}
	if endpoint == nil {
		return w.skip(ctx, item, ErrorCodeNoWriteEndpoint, "organization has no write-capable endpoint")
	}
	routing, err := ResolveRouting(org, *endpoint, w.Settings, w.Decrypter)
	if err != nil {
		return w.skipOrFail(ctx, item, mod, err)
	}

	// Re-check against whatever ingestion has landed since the item was queued.
	var detection ConflictResult
	var mirror *models.MirrorRecord
	err = db.Transaction(func(tx *gorm.DB) error {
		var derr error
		detection, derr = w.Engine.detect(ctx, tx, mod)
		if derr != nil {
			return derr
		}
		if detection.HasConflict {
			return w.Queue.Complete(tx, item, ErrorCodeConflict, fmt.Sprintf("conflict %d on fields %v", detection.Conflict.ID, []string(detection.Conflict.ConflictFields)))
		}
		mirror, derr = models.GetMirrorRecord(ctx, tx, item.MirrorRecordId)
		return derr
	})
	if errors.Is(err, models.ErrMirrorRecordNotFound) {
		return w.deadLetter(ctx, item, mod, ErrorCodeMirrorMissing, fmt.Sprintf("mirror record %d no longer exists", item.MirrorRecordId))
	}
	if err != nil {
		return w.transient(item, err)
	}
	if detection.HasConflict {
		w.log(item).Info("write-back held by conflict")
		return outcomeConflicted
	}

	delta := map[string]interface{}(item.Payload)
	if verrs := w.Validator.Validate(mirror.Data, delta); len(verrs) > 0 {
		return w.deadLetter(ctx, item, mod, ErrorCodeValidationFailed, verrs.Error())
	}

	client, err := w.clients.get(w.NewClient, *endpoint, routing.APIKey)
	if err != nil {
		return w.skipOrFail(ctx, item, mod, err)
	}
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return w.transient(item, err)
		}
	}

	res, err := client.Write(ctx, WriteRequest{
		Tenant:          routing.Tenant,
		RemoteOrgCode:   routing.RemoteOrgCode,
		RemoteRecordId:  mirror.RemoteRecordId,
		Operation:       item.Operation,
		Delta:           delta,
		ExpectedVersion: mirror.Version,
	})
	if err == nil && res.NewVersion <= mirror.Version {
		err = &RemoteError{StatusCode: 200, Code: "invalid_version", Message: fmt.Sprintf("remote returned version %d, expected above %d", res.NewVersion, mirror.Version)}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.handleWriteFailure(ctx, item, mod, err)
	}

	err = w.commitSuccess(ctx, item, mod, delta, res.NewVersion)
	if errors.Is(err, models.ErrStaleMirror) {
		// Ingestion advanced the row between the read and the guarded update.
		w.log(item).Warn(fmt.Sprintf("mirror moved while recording remote version %d, retrying", res.NewVersion))
		err = w.commitSuccess(ctx, item, mod, delta, res.NewVersion)
	}
	if err != nil {
		config.LogError(w.Logger, "pfasync.worker", "processItem", "remote write confirmed, local bookkeeping pending", logrus.Fields{
			"queue_item_id":  item.ID,
			"remote_version": res.NewVersion,
		}, err)
		return w.transient(item, err)
	}
	return outcomeSucceeded
}

// commitSuccess archives the pre-write mirror, advances it to the confirmed version and
// closes the modification and item, all in one transaction.
func (w *Worker) commitSuccess(ctx context.Context, item *models.QueueItem, mod *models.Modification, delta map[string]interface{}, newVersion int64) error {
	now := w.Now()
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := models.GetMirrorRecord(ctx, tx, item.MirrorRecordId)
		if err != nil {
			return err
		}
		if current.Version < newVersion {
			data := MergeData(current.Data, delta)
			next := models.MirrorState{Data: data, Indexed: IndexedFromData(data)}
			reason := fmt.Sprintf("write-back of modification %d", mod.ID)
			if err := models.AdvanceMirror(tx, current, next, newVersion, models.ActorWriteBack, reason, now); err != nil {
				return err
			}
		} else {
			w.log(item).Warn(fmt.Sprintf("mirror already at version %d, not advancing to %d", current.Version, newVersion))
		}
		if err := tx.Model(&models.Modification{}).Where("id = ?", mod.ID).Updates(map[string]interface{}{
			"sync_state":      models.SyncStateSynced,
			"current_version": newVersion,
			"last_error":      "",
		}).Error; err != nil {
			return err
		}
		return w.Queue.Complete(tx, item, "", "")
	})
}

func (w *Worker) handleWriteFailure(ctx context.Context, item *models.QueueItem, mod *models.Modification, cause error) itemOutcome {
	code := ErrorCodeOf(cause, ErrorCodeRemoteError)

	if IsVersionConflict(cause) {
		var detection ConflictResult
		err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := w.Queue.DeadLetter(tx, item, ErrorCodeVersionConflict, cause.Error()); err != nil {
				return err
			}
			var derr error
			detection, derr = w.Engine.detect(ctx, tx, mod)
			if derr != nil {
				return derr
			}
			if !detection.HasConflict {
				return models.SetModificationState(tx, mod.ID, models.SyncStateSyncError, cause.Error())
			}
			return nil
		})
		if err != nil {
			return w.transient(item, err)
		}
		w.auditDeadLetter(ctx, item, ErrorCodeVersionConflict, cause.Error())
		return outcomeDeadLettered
	}

	switch ClassifyError(cause) {
	case ErrorClassConfiguration:
		return w.skip(ctx, item, code, cause.Error())
	case ErrorClassRetryable:
		var dead bool
		err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rerr error
			dead, rerr = w.Queue.Retry(tx, item, code, cause.Error())
			if rerr != nil {
				return rerr
			}
			if dead {
				return models.SetModificationState(tx, mod.ID, models.SyncStateSyncError, cause.Error())
			}
			return nil
		})
		if err != nil {
			return w.transient(item, err)
		}
		if dead {
			w.auditDeadLetter(ctx, item, ErrorCodeRetriesExhausted, cause.Error())
			return outcomeDeadLettered
		}
		w.log(item).Warn(fmt.Sprintf("write-back retry %d scheduled at %s: %s", item.RetryCount, item.ScheduledAt.Format(time.RFC3339), cause.Error()))
		return outcomeRetried
	default:
		return w.deadLetter(ctx, item, mod, code, cause.Error())
	}
}

func (w *Worker) skipOrFail(ctx context.Context, item *models.QueueItem, mod *models.Modification, err error) itemOutcome {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return w.skip(ctx, item, cfgErr.Code, cfgErr.Message)
	}
	return w.deadLetter(ctx, item, mod, ErrorCodeOf(err, ErrorCodeRemoteError), err.Error())
}

func (w *Worker) skip(ctx context.Context, item *models.QueueItem, code string, message string) itemOutcome {
	if err := w.Queue.Skip(w.DB.WithContext(ctx), item, code, message); err != nil {
		return w.transient(item, err)
	}
	w.log(item).WithField("reason", code).Info("write-back skipped")
	return outcomeSkipped
}

// deadLetter fails the item and, when mod is known, records the error on it.
func (w *Worker) deadLetter(ctx context.Context, item *models.QueueItem, mod *models.Modification, code string, message string) itemOutcome {
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.Queue.DeadLetter(tx, item, code, message); err != nil {
			return err
		}
		if mod == nil {
			return nil
		}
		return models.SetModificationState(tx, mod.ID, models.SyncStateSyncError, message)
	})
	if err != nil {
		return w.transient(item, err)
	}
	w.auditDeadLetter(ctx, item, code, message)
	return outcomeDeadLettered
}

func (w *Worker) auditDeadLetter(ctx context.Context, item *models.QueueItem, code string, message string) {
	w.log(item).WithField("error_code", code).Error("write-back dead-lettered: " + message)
	appendAudit(ctx, w.Audit, w.Logger, AuditEvent{
		Type:           AuditEventWriteDeadLetter,
		OrganizationId: item.OrganizationId,
		ReasonCode:     code,
		Message:        message,
		Actor:          models.ActorWriteBack,
		Data: map[string]interface{}{
			"queue_item_id":   item.ID,
			"modification_id": item.ModificationId,
			"retry_count":     item.RetryCount,
		},
	})
}

// transient covers local failures (DB, context). The item stays claimed and
// returns through ReclaimStale.
func (w *Worker) transient(item *models.QueueItem, err error) itemOutcome {
	config.LogError(w.Logger, "pfasync.worker", "processItem", "local failure", logrus.Fields{"queue_item_id": item.ID}, err)
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.mu.Unlock()
	return outcomeFailed
}
