package pfasync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Drift thresholds. Percentages are of the baseline field count.
const (
	DriftHighMissingPercent   = 20.0
	DriftHighNewFields        = 5
	DriftHighTypeChanges      = 3
	DriftMediumMissingPercent = 10.0
	DriftMediumNewFields      = 2
	DriftMediumTypeChanges    = 1
	DriftLookbackBatches      = 10
)

// ProtectedFieldSubstrings mark fields whose loss breaks correctness silently.
var ProtectedFieldSubstrings = []string{"id", "cost", "rate", "organization", "org"}

type TypeChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type DriftReport struct {
	EndpointId      uint                 `json:"endpointId"`
	HasBaseline     bool                 `json:"hasBaseline"`
	BaselineBatchId uint                 `json:"baselineBatchId,omitempty"`
	HasDrift        bool                 `json:"hasDrift"`
	Severity        models.DriftSeverity `json:"severity"`
	MissingFields   []string             `json:"missingFields"`
	NewFields       []string             `json:"newFields"`
	TypeChanges     []TypeChange         `json:"typeChanges"`
	MissingPercent  float64              `json:"missingPercent"`
	ProtectedLoss   []string             `json:"protectedLoss,omitempty"`
}

// Alertable reports whether the report should be persisted on its batch.
func (r DriftReport) Alertable() bool {
	return r.Severity == models.DriftSeverityMedium || r.Severity == models.DriftSeverityHigh
}

// ActiveDrift summarizes recent batches of one endpoint.
type ActiveDrift struct {
	EndpointId     uint                 `json:"endpointId"`
	Severity       models.DriftSeverity `json:"severity"`
	AlertCount     int                  `json:"alertCount"`
	BatchesScanned int                  `json:"batchesScanned"`
	LatestAlert    *models.DriftAlert   `json:"latestAlert,omitempty"`
}

type DriftDetector struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Lookback int
	Now      func() time.Time
}

func NewDriftDetector(db *gorm.DB, logger *logrus.Logger) *DriftDetector {
	return &DriftDetector{
		DB:       db,
		Logger:   logger,
		Lookback: DriftLookbackBatches,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// DetectDrift compares fp with the endpoint's last completed batch. With no baseline
// there is no drift and fp becomes the baseline once its batch completes.
func (d *DriftDetector) DetectDrift(ctx context.Context, endpointId uint, fp models.SchemaFingerprint) (DriftReport, error) {
	baseline, err := models.LatestCompletedBatch(ctx, d.DB, endpointId, 0)
	if err != nil {
		return DriftReport{}, err
	}
	if baseline == nil {
		return DriftReport{EndpointId: endpointId}, nil
	}
	report := CompareFingerprints(baseline.Fingerprint(), fp)
	report.EndpointId = endpointId
	report.BaselineBatchId = baseline.ID
	return report, nil
}

// CompareFingerprints computes missing/new/type-changed fields and grades severity.
func CompareFingerprints(baseline models.SchemaFingerprint, current models.SchemaFingerprint) DriftReport {
	report := DriftReport{HasBaseline: true}

	now := make(map[string]struct{}, len(current.Fields))
	for _, f := range current.Fields {
		now[f] = struct{}{}
	}
	before := make(map[string]struct{}, len(baseline.Fields))
	for _, f := range baseline.Fields {
		before[f] = struct{}{}
		if _, ok := now[f]; !ok {
			report.MissingFields = append(report.MissingFields, f)
			continue
		}
		from, to := baseline.FieldTypes[f], current.FieldTypes[f]
		if from != "" && to != "" && from != to {
			report.TypeChanges = append(report.TypeChanges, TypeChange{Field: f, From: from, To: to})
		}
	}
	for _, f := range current.Fields {
		if _, ok := before[f]; !ok {
			report.NewFields = append(report.NewFields, f)
		}
	}
	sort.Strings(report.MissingFields)
	sort.Strings(report.NewFields)

	if len(baseline.Fields) > 0 {
		report.MissingPercent = float64(len(report.MissingFields)) * 100 / float64(len(baseline.Fields))
	}
	for _, f := range report.MissingFields {
		if isProtectedField(f) {
			report.ProtectedLoss = append(report.ProtectedLoss, f)
		}
	}

	report.HasDrift = len(report.MissingFields) > 0 || len(report.NewFields) > 0 || len(report.TypeChanges) > 0
	if report.HasDrift {
		report.Severity = gradeDrift(report)
	}
	return report
}

func gradeDrift(r DriftReport) models.DriftSeverity {
	switch {
	case r.MissingPercent > DriftHighMissingPercent,
		len(r.NewFields) > DriftHighNewFields,
		len(r.TypeChanges) > DriftHighTypeChanges,
		len(r.ProtectedLoss) > 0:
		return models.DriftSeverityHigh
	case r.MissingPercent > DriftMediumMissingPercent,
		len(r.NewFields) > DriftMediumNewFields,
		len(r.TypeChanges) > DriftMediumTypeChanges:
		return models.DriftSeverityMedium
	}
	return models.DriftSeverityLow
}

func isProtectedField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range ProtectedFieldSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RecordDrift appends an alert to the batch for medium and high reports.
// It returns false when the report did not warrant an alert.
func (d *DriftDetector) RecordDrift(ctx context.Context, batchId uint, report DriftReport) (bool, error) {
	if !report.Alertable() {
		return false, nil
	}
	changed := make([]string, 0, len(report.TypeChanges))
	for _, tc := range report.TypeChanges {
		changed = append(changed, tc.Field+":"+tc.From+"->"+tc.To)
	}
	alert := models.DriftAlert{
		Severity:        report.Severity,
		MissingFields:   report.MissingFields,
		NewFields:       report.NewFields,
		ChangedTypes:    changed,
		MissingPercent:  report.MissingPercent,
		BaselineBatchId: report.BaselineBatchId,
		DetectedAt:      d.Now(),
	}

	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.IngestionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", batchId).
			Take(&batch).Error; err != nil {
			return err
		}
		alerts := append(datatypes.JSONSlice[models.DriftAlert]{}, batch.DriftAlerts...)
		alerts = append(alerts, alert)
		return tx.Model(&models.IngestionBatch{}).
			Where("id = ?", batchId).
			Update("drift_alerts", alerts).Error
	})
	if err != nil {
		config.LogError(d.Logger, "pfasync.drift", "RecordDrift", "append alert", logrus.Fields{"batch_id": batchId}, err)
		return false, err
	}
	return true, nil
}

// HasActiveDrift scans the endpoint's most recent batches for alerts. It informs
// operators; ingestion never consults it.
func (d *DriftDetector) HasActiveDrift(ctx context.Context, endpointId uint) (ActiveDrift, error) {
	lookback := d.Lookback
	if lookback <= 0 {
		lookback = DriftLookbackBatches
	}
	batches, err := models.RecentBatches(ctx, d.DB, endpointId, lookback)
	if err != nil {
		return ActiveDrift{}, err
	}
	out := ActiveDrift{EndpointId: endpointId, BatchesScanned: len(batches)}
	for _, b := range batches {
		for i := range b.DriftAlerts {
			a := b.DriftAlerts[i]
			out.AlertCount++
			if a.Severity.Rank() > out.Severity.Rank() {
				out.Severity = a.Severity
			}
			if out.LatestAlert == nil || a.DetectedAt.After(out.LatestAlert.DetectedAt) {
				out.LatestAlert = &a
			}
		}
	}
	return out, nil
}
