package pfasync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/pfa_mirror/models"
)

func fingerprintOf(fields ...string) models.SchemaFingerprint {
	types := map[string]string{}
	for _, f := range fields {
		types[f] = "string"
	}
	return models.SchemaFingerprint{Fields: fields, FieldTypes: types, SampleSize: 10}
}

func columns(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("col_%02d", i))
	}
	return out
}

func without(fields []string, drop ...string) []string {
	skip := map[string]bool{}
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, f := range fields {
		if !skip[f] {
			out = append(out, f)
		}
	}
	return out
}

func TestCompareFingerprintsSeverity(t *testing.T) {
	eight := []string{"category", "class", "source", "dor", "forecastStart", "forecastEnd", "actualStart", "actualEnd"}
	twenty := columns(20)

	tests := []struct {
		name      string
		baseline  models.SchemaFingerprint
		current   models.SchemaFingerprint
		severity  models.DriftSeverity
		alertable bool
	}{
		{
			name:     "identical",
			baseline: fingerprintOf(eight...),
			current:  fingerprintOf(eight...),
			severity: models.DriftSeverityNone,
		},
		{
			name:      "quarter of the fields missing",
			baseline:  fingerprintOf(eight...),
			current:   fingerprintOf(without(eight, "dor", "class")...),
			severity:  models.DriftSeverityHigh,
			alertable: true,
		},
		{
			name:     "five percent missing",
			baseline: fingerprintOf(twenty...),
			current:  fingerprintOf(without(twenty, "col_05")...),
			severity: models.DriftSeverityLow,
		},
		{
			name:      "protected field missing",
			baseline:  fingerprintOf(append(columns(19), "monthlyRate")...),
			current:   fingerprintOf(columns(19)...),
			severity:  models.DriftSeverityHigh,
			alertable: true,
		},
		{
			name:      "fifteen percent missing",
			baseline:  fingerprintOf(twenty...),
			current:   fingerprintOf(without(twenty, "col_01", "col_02", "col_03")...),
			severity:  models.DriftSeverityMedium,
			alertable: true,
		},
		{
			name:      "three new fields",
			baseline:  fingerprintOf(twenty...),
			current:   fingerprintOf(append(columns(20), "extra_a", "extra_b", "extra_c")...),
			severity:  models.DriftSeverityMedium,
			alertable: true,
		},
		{
			name:      "six new fields",
			baseline:  fingerprintOf(twenty...),
			current:   fingerprintOf(append(columns(20), "n1", "n2", "n3", "n4", "n5", "n6")...),
			severity:  models.DriftSeverityHigh,
			alertable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := CompareFingerprints(tt.baseline, tt.current)
			if report.Severity != tt.severity {
				t.Fatalf("expected severity %q, got %q (%+v)", tt.severity, report.Severity, report)
			}
			if report.Alertable() != tt.alertable {
				t.Fatalf("expected alertable=%v", tt.alertable)
			}
			if report.HasDrift != (tt.severity != models.DriftSeverityNone) {
				t.Fatalf("unexpected HasDrift %v", report.HasDrift)
			}
		})
	}
}

func TestCompareFingerprintsTypeChanges(t *testing.T) {
	baseline := fingerprintOf(columns(20)...)
	current := fingerprintOf(columns(20)...)
	current.FieldTypes["col_00"] = "number"
	current.FieldTypes["col_01"] = "boolean"

	report := CompareFingerprints(baseline, current)
	if len(report.TypeChanges) != 2 || report.Severity != models.DriftSeverityMedium {
		t.Fatalf("expected two type changes graded medium, got %+v", report)
	}
	if len(report.MissingFields) != 0 || len(report.NewFields) != 0 {
		t.Fatalf("type changes must not count as missing or new: %+v", report)
	}
}

func TestFingerprintBuilderFoldsAliases(t *testing.T) {
	b := NewFingerprintBuilder()
	b.Observe(map[string]interface{}{"PFA_ID": "A", "MONTHLY_RATE": "10", "EXTRA": nil})
	b.Observe(map[string]interface{}{"pfaId": "B", "monthly_rate": 10.0})
	fp := b.Build()

	if b.SampleSize() != 2 || fp.SampleSize != 2 {
		t.Fatalf("expected sample size 2, got %d", fp.SampleSize)
	}
	found := map[string]bool{}
	for _, f := range fp.Fields {
		found[f] = true
	}
	if !found["pfaId"] || !found["monthlyRate"] || len(fp.Fields) != 3 {
		t.Fatalf("expected aliases folded onto canonical names, got %v", fp.Fields)
	}
	if fp.FieldTypes["monthlyRate"] != "mixed" || fp.FieldTypes["pfaId"] != "string" {
		t.Fatalf("unexpected field types %v", fp.FieldTypes)
	}
	if _, ok := fp.FieldTypes[CanonicalFieldName("EXTRA")]; ok {
		t.Fatalf("null-only fields carry no type")
	}
}

func TestSyncRecordsDriftAgainstLastGoodBatch(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	audit := &recordingAudit{}
	org, ep := seedOrganization(t, db, "DR", false)
	p := newTestPipeline(db, clock, &fakeRemote{}, audit)

	sync := func(rows []map[string]interface{}) SyncProgress {
		t.Helper()
		remote := &fakeRemote{pages: [][]map[string]interface{}{rows}}
		p.NewClient = remote.factory()
		clock.Advance(time.Minute)
		progress, err := p.Sync(context.Background(), org.ID, models.SyncModeFull, ep)
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		return progress
	}

	first := sync(pfaRows("DR", 3))
	if first.Drift == nil || first.Drift.HasBaseline {
		t.Fatalf("the first batch has no baseline, got %+v", first.Drift)
	}
	// An empty run must not replace the baseline.
	if empty := sync(nil); empty.Drift != nil {
		t.Fatalf("expected no drift check on an empty run, got %+v", empty.Drift)
	}

	rows := pfaRows("DR", 3)
	for _, r := range rows {
		delete(r, "MONTHLY_RATE")
	}
	third := sync(rows)
	if third.Drift == nil || third.Drift.Severity != models.DriftSeverityHigh {
		t.Fatalf("expected high drift, got %+v", third.Drift)
	}
	if len(third.Drift.ProtectedLoss) != 1 || third.Drift.ProtectedLoss[0] != "monthlyRate" {
		t.Fatalf("expected monthlyRate as protected loss, got %v", third.Drift.ProtectedLoss)
	}
	if third.Status != models.SyncRunStatusCompleted {
		t.Fatalf("drift must not fail the run, got %s", third.Status)
	}
	if events := audit.ofType(AuditEventDriftAlert); len(events) != 1 {
		t.Fatalf("expected one drift audit event, got %d", len(events))
	}

	active, err := p.Drift.HasActiveDrift(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("HasActiveDrift: %v", err)
	}
	if active.Severity != models.DriftSeverityHigh || active.AlertCount != 1 || active.BatchesScanned != 3 {
		t.Fatalf("unexpected active drift %+v", active)
	}
	if active.LatestAlert == nil || active.LatestAlert.BaselineBatchId == 0 {
		t.Fatalf("expected the alert to name its baseline, got %+v", active.LatestAlert)
	}
}

func TestRecordDriftIgnoresLowSeverity(t *testing.T) {
	db := newTestDB(t)
	d := NewDriftDetector(db, quietLogger())
	recorded, err := d.RecordDrift(context.Background(), 1, DriftReport{HasDrift: true, Severity: models.DriftSeverityLow})
	if err != nil || recorded {
		t.Fatalf("expected low drift not to be recorded, got %v %v", recorded, err)
	}
}

func TestNewPipelineTakesDriftLookbackFromSettings(t *testing.T) {
	t.Setenv("PFA_DRIFT_LOOKBACK", "3")
	p := NewPipeline(newTestDB(t), quietLogger(), nil, &recordingAudit{})
	if p.Drift.Lookback != 3 {
		t.Fatalf("expected lookback 3, got %d", p.Drift.Lookback)
	}
}
