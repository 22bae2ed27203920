package pfasync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Publisher hands an async run to the message bus.
type Publisher func(ctx context.Context, payload SyncPubSubPayload) error

// SyncService orchestrates ingestion across endpoints and organizations.
type SyncService struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Pipeline *Pipeline
	Publish  Publisher
}

func NewSyncService(db *gorm.DB, logger *logrus.Logger, pipeline *Pipeline) *SyncService {
	return &SyncService{
		DB:       db,
		Logger:   logger,
		Pipeline: pipeline,
		Publish:  PublishSyncRun,
	}
}

// SyncPfaData syncs every active endpoint of the organization. A failing endpoint does
// not stop the others; their errors are joined.
func (s *SyncService) SyncPfaData(ctx context.Context, organizationId uint, mode models.SyncMode) ([]SyncProgress, error) {
	endpoints, err := models.ListActiveEndpoints(ctx, s.DB, organizationId)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, newConfigError(ErrorCodeNoEndpoints, "organization %d has no active endpoints", organizationId)
	}

	var (
		runs []SyncProgress
		errs []error
	)
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		progress, err := s.Pipeline.SyncWithTrigger(ctx, organizationId, mode, ep, models.SyncTriggeredManual)
		if progress.RunId != 0 {
			runs = append(runs, progress)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return runs, errors.Join(errs...)
}

func (s *SyncService) SyncOrganizationData(ctx context.Context, organizationId uint, endpointId uint, mode models.SyncMode) (SyncProgress, error) {
	endpoint, err := models.GetEndpointConfig(ctx, s.DB, organizationId, endpointId)
	if err != nil {
		return SyncProgress{}, err
	}
	return s.Pipeline.SyncWithTrigger(ctx, organizationId, mode, *endpoint, models.SyncTriggeredManual)
}

// SyncAllOrganizations walks organizations in id order, in DB batches, and reports one
// outcome per organization.
func (s *SyncService) SyncAllOrganizations(ctx context.Context, mode models.SyncMode) (BatchSummary, error) {
	if mode == "" {
		mode = models.SyncModeFull
	}
	summary := BatchSummary{Mode: mode, StartedAt: time.Now().UTC()}
	batchSize := s.Pipeline.Settings.OrganizationBatchSz
	if batchSize <= 0 {
		batchSize = 50
	}

	var orgs []models.Organization
	res := s.DB.WithContext(ctx).Model(&models.Organization{}).Order("id ASC").
		FindInBatches(&orgs, batchSize, func(tx *gorm.DB, batch int) error {
			for i := range orgs {
				if err := ctx.Err(); err != nil {
					return err
				}
				summary.add(s.syncOne(ctx, orgs[i], mode))
			}
			return nil
		})
	summary.FinishedAt = time.Now().UTC()
	if res.Error != nil {
		config.LogError(s.Logger, "pfasync.service", "SyncAllOrganizations", "walk organizations", logrus.Fields{"mode": mode}, res.Error)
		return summary, res.Error
	}
	s.Logger.WithFields(logrus.Fields{
		"module":    "pfasync.service",
		"mode":      mode,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	}).Info("sync-all finished")
	return summary, nil
}

func (s *SyncService) syncOne(ctx context.Context, org models.Organization, mode models.SyncMode) OrganizationSyncResult {
	out := OrganizationSyncResult{OrganizationId: org.ID, Code: org.Code}
	if reason := organizationSkipReason(&org); reason != "" {
		out.Outcome = OrganizationOutcomeSkipped
		out.Reason = reason
		return out
	}

	runs, err := s.SyncPfaData(ctx, org.ID, mode)
	out.Runs = runs
	var cfgErr *ConfigError
	switch {
	case err != nil && errors.As(err, &cfgErr) && len(runs) == 0:
		out.Outcome = OrganizationOutcomeSkipped
		out.Reason = cfgErr.Code
	case err != nil:
		out.Outcome = OrganizationOutcomeFailed
		out.Reason = ErrorCodeOf(err, ErrorCodeRemoteError)
		if errors.Is(err, ErrSyncInProgress) {
			out.Reason = ErrorCodeSyncInProgress
		}
		out.Error = err.Error()
	default:
		out.Outcome = OrganizationOutcomeSucceeded
		allSkipped := len(runs) > 0
		for _, r := range runs {
			if !r.Skipped() {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			out.Outcome = OrganizationOutcomeSkipped
			out.Reason = runs[0].SkipReason
		}
	}
	return out
}

// TriggerSync is the HTTP entry point. Async requests create queued runs and hand them
// to Pub/Sub; the push handler executes them.
func (s *SyncService) TriggerSync(ctx context.Context, organizationId uint, req SyncRequest) ([]SyncProgress, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.SyncModeFull
	}
	if !req.Async {
		if req.EndpointId != 0 {
			progress, err := s.SyncOrganizationData(ctx, organizationId, req.EndpointId, mode)
			if progress.RunId == 0 {
				return nil, err
			}
			return []SyncProgress{progress}, err
		}
		return s.SyncPfaData(ctx, organizationId, mode)
	}

	var endpoints []models.ApiEndpointConfig
	if req.EndpointId != 0 {
		ep, err := models.GetEndpointConfig(ctx, s.DB, organizationId, req.EndpointId)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	} else {
		eps, err := models.ListActiveEndpoints(ctx, s.DB, organizationId)
		if err != nil {
			return nil, err
		}
		if len(eps) == 0 {
			return nil, newConfigError(ErrorCodeNoEndpoints, "organization %d has no active endpoints", organizationId)
		}
		endpoints = eps
	}

	var runs []SyncProgress
	for _, ep := range endpoints {
		run, err := s.Pipeline.CreateRun(ctx, organizationId, ep.ID, mode, models.SyncTriggeredPubSub, models.SyncRunStatusQueued)
		if err != nil {
			return runs, err
		}
		payload := SyncPubSubPayload{RunId: run.ID, OrganizationId: organizationId, EndpointId: ep.ID, Mode: mode}
		if err := s.Publish(ctx, payload); err != nil {
			finished := time.Now().UTC()
			_ = s.DB.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
				"status":        models.SyncRunStatusFailed,
				"error_message": "publish failed: " + err.Error(),
				"finished_at":   finished,
			}).Error
			config.LogError(s.Logger, "pfasync.service", "TriggerSync", "publish run", logrus.Fields{"run_id": run.ID}, err)
			return runs, err
		}
		runs = append(runs, progressFromRun(run))
	}
	return runs, nil
}
