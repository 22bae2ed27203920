package pfasync

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/pfa_mirror/models"
	"gorm.io/gorm"
)

func newTestModifications(db *gorm.DB, clock *testClock) *ModificationService {
	queue := newTestQueue(db, clock)
	engine := NewConflictEngine(db, quietLogger(), &recordingAudit{}, queue)
	engine.Now = clock.Now
	s := NewModificationService(db, quietLogger(), engine, queue)
	s.Now = clock.Now
	return s
}

func TestSaveModificationMergesWithinSession(t *testing.T) {
	db := newTestDB(t)
	org, ep := seedOrganization(t, db, "MS", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"), map[string]interface{}{"dor": "DOR-2"})
	s := newTestModifications(db, newTestClock())
	ctx := context.Background()

	first, err := s.SaveModification(ctx, SaveModificationInput{
		OrganizationId: org.ID,
		MirrorRecordId: mirror.ID,
		SessionId:      "sess-1",
		UserId:         "u1",
		BaseVersion:    1,
		Delta:          map[string]interface{}{"MONTHLY_RATE": "1500.00"},
	})
	if err != nil {
		t.Fatalf("SaveModification: %v", err)
	}
	if first.BaseVersion != 1 || first.CurrentVersion != 2 || first.SyncState != models.SyncStateDraft || first.Version != 1 {
		t.Fatalf("unexpected first save %+v", first)
	}

	second, err := s.SaveModification(ctx, SaveModificationInput{
		MirrorRecordId: mirror.ID,
		SessionId:      "sess-1",
		BaseVersion:    2,
		Delta:          map[string]interface{}{"forecastEnd": "2024-07-31"},
	})
	if err != nil {
		t.Fatalf("second SaveModification: %v", err)
	}
	if second.ID != first.ID || second.Version != 2 || second.BaseVersion != 1 {
		t.Fatalf("expected the same edit at version 2 keeping base 1, got %+v", second)
	}
	if second.Delta["monthlyRate"] != "1500" || second.Delta["forecastEnd"] != "2024-07-31" {
		t.Fatalf("expected merged delta, got %v", second.Delta)
	}
	if len(second.ModifiedFields) != 2 || second.ModifiedFields[0] != "forecastEnd" {
		t.Fatalf("unexpected modified fields %v", second.ModifiedFields)
	}
	if second.UserId != "u1" {
		t.Fatalf("expected user kept, got %q", second.UserId)
	}

	other, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, SessionId: "sess-2", Delta: map[string]interface{}{"dor": "DOR-9"}})
	if err != nil {
		t.Fatalf("other session: %v", err)
	}
	if other.ID == first.ID || other.BaseVersion != 2 {
		t.Fatalf("expected a separate edit based on the current version, got %+v", other)
	}
}

func TestSaveModificationRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	org, ep := seedOrganization(t, db, "MB", true)
	otherOrg, _ := seedOrganization(t, db, "MB2", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	s := newTestModifications(db, newTestClock())
	ctx := context.Background()

	if _, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, Delta: map[string]interface{}{}}); !errors.Is(err, ErrEmptyDelta) {
		t.Fatalf("expected ErrEmptyDelta, got %v", err)
	}
	var verrs ValidationErrors
	if _, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, Delta: map[string]interface{}{"pfaId": "X"}}); !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if _, err := s.SaveModification(ctx, SaveModificationInput{OrganizationId: otherOrg.ID, MirrorRecordId: mirror.ID, Delta: map[string]interface{}{"dor": "X"}}); !errors.Is(err, ErrOrganizationMismatch) {
		t.Fatalf("expected ErrOrganizationMismatch, got %v", err)
	}
	if _, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: 999, Delta: map[string]interface{}{"dor": "X"}}); !errors.Is(err, models.ErrMirrorRecordNotFound) {
		t.Fatalf("expected ErrMirrorRecordNotFound, got %v", err)
	}
	generated, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, Delta: map[string]interface{}{"dor": "X"}})
	if err != nil || generated.SessionId == "" {
		t.Fatalf("expected a generated session id, got %+v %v", generated, err)
	}
}

func TestSaveModificationLifecycleStates(t *testing.T) {
	db := newTestDB(t)
	org, ep := seedOrganization(t, db, "ML", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	s := newTestModifications(db, newTestClock())
	ctx := context.Background()
	save := func(delta map[string]interface{}) (*models.Modification, error) {
		return s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, SessionId: "s", Delta: delta})
	}

	mod, err := save(map[string]interface{}{"dor": "DOR-2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	committed, err := s.CommitModification(ctx, mod.ID)
	if err != nil || committed.SyncState != models.SyncStateCommitted {
		t.Fatalf("CommitModification: %+v %v", committed, err)
	}
	if again, err := s.CommitModification(ctx, mod.ID); err != nil || again.SyncState != models.SyncStateCommitted {
		t.Fatalf("committing twice must be a no-op, got %+v %v", again, err)
	}

	submitted, err := s.SubmitModification(ctx, mod.ID, 2)
	if err != nil {
		t.Fatalf("SubmitModification: %v", err)
	}
	if submitted.Conflict != nil || submitted.QueueItem == nil || submitted.QueueItem.Priority != 2 {
		t.Fatalf("expected a queued write, got %+v", submitted)
	}
	if submitted.Modification.SyncState != models.SyncStateQueued {
		t.Fatalf("expected queued, got %s", submitted.Modification.SyncState)
	}

	if _, err := save(map[string]interface{}{"dor": "DOR-3"}); !errors.Is(err, ErrModificationNotEditable) {
		t.Fatalf("expected ErrModificationNotEditable while queued, got %v", err)
	}
	if _, err := s.CommitModification(ctx, mod.ID); !errors.Is(err, ErrModificationNotEditable) {
		t.Fatalf("expected commit of a queued edit to fail, got %v", err)
	}
	if _, err := s.SubmitModification(ctx, mod.ID, 0); !errors.Is(err, ErrModificationNotSubmittable) {
		t.Fatalf("expected ErrModificationNotSubmittable, got %v", err)
	}

	// Once pushed, a new save in the same session starts a fresh delta.
	if err := models.SetModificationState(db, mod.ID, models.SyncStateSynced, ""); err != nil {
		t.Fatalf("SetModificationState: %v", err)
	}
	fresh, err := save(map[string]interface{}{"class": "Light"})
	if err != nil {
		t.Fatalf("save after sync: %v", err)
	}
	if fresh.ID != mod.ID || len(fresh.Delta) != 1 || fresh.Delta["class"] != "Light" || fresh.SyncState != models.SyncStateDraft {
		t.Fatalf("expected a fresh draft delta, got %+v", fresh)
	}
}

func TestSubmitModificationReportsConflict(t *testing.T) {
	db := newTestDB(t)
	org, ep := seedOrganization(t, db, "MC", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	s := newTestModifications(db, newTestClock())
	ctx := context.Background()

	mod, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, SessionId: "s", Delta: map[string]interface{}{"monthlyRate": "1500"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	// The remote moves on underneath the edit.
	next := MergeData(mirror.Data, map[string]interface{}{"monthlyRate": "1100"})
	if err := models.AdvanceMirror(db, mirror, models.MirrorState{Data: next, Indexed: IndexedFromData(next)}, 2, models.ActorIngestion, "test", testEpoch); err != nil {
		t.Fatalf("AdvanceMirror: %v", err)
	}

	res, err := s.SubmitModification(ctx, mod.ID, 0)
	if err != nil {
		t.Fatalf("SubmitModification: %v", err)
	}
	if res.Conflict == nil || res.QueueItem != nil {
		t.Fatalf("expected a conflict and no queued write, got %+v", res)
	}
	if res.Modification.SyncState != models.SyncStateConflict {
		t.Fatalf("expected conflict state, got %s", res.Modification.SyncState)
	}
	var items int64
	db.Model(&models.QueueItem{}).Count(&items)
	if items != 0 {
		t.Fatalf("expected nothing queued, got %d", items)
	}
	if _, err := s.SaveModification(ctx, SaveModificationInput{MirrorRecordId: mirror.ID, SessionId: "s", Delta: map[string]interface{}{"dor": "x"}}); !errors.Is(err, ErrModificationNotEditable) {
		t.Fatalf("expected an edit in conflict not to be editable, got %v", err)
	}
}
