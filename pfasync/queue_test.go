package pfasync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		n    int
		max  time.Duration
		want time.Duration
	}{
		{n: 0, want: 5 * time.Second},
		{n: 1, want: 10 * time.Second},
		{n: 2, want: 20 * time.Second},
		{n: 3, want: 40 * time.Second},
		{n: 3, max: 30 * time.Second, want: 30 * time.Second},
		{n: -1, want: 5 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(5*time.Second, tt.max, tt.n); got != tt.want {
			t.Fatalf("n=%d max=%s: expected %s, got %s", tt.n, tt.max, tt.want, got)
		}
	}
}

func newTestQueue(db *gorm.DB, clock *testClock) *Queue {
	q := NewQueue(db, quietLogger(), config.WorkerConfig{
		BaseBackoff: 5 * time.Second,
		MaxRetries:  3,
		LockTimeout: 5 * time.Minute,
		SkipDelay:   10 * time.Minute,
	})
	q.Now = clock.Now
	return q
}

func seedModification(t *testing.T, db *gorm.DB, mirror *models.MirrorRecord, session string, delta map[string]interface{}) *models.Modification {
	t.Helper()
	mod := &models.Modification{
		OrganizationId: mirror.OrganizationId,
		MirrorRecordId: mirror.ID,
		SessionId:      session,
		BaseVersion:    mirror.Version,
		CurrentVersion: mirror.Version,
		Delta:          datatypes.JSONMap(delta),
		ModifiedFields: datatypes.JSONSlice[string](utils.SortedKeys(delta)),
		SyncState:      models.SyncStateDraft,
		Version:        1,
	}
	if err := db.Create(mod).Error; err != nil {
		t.Fatalf("create modification: %v", err)
	}
	return mod
}

func TestClaimOrdersByPriorityThenSchedule(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "ORD", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))

	var ids []uint
	for i, priority := range []int{0, 5, 0, 5} {
		mod := seedModification(t, db, mirror, string(rune('a'+i)), map[string]interface{}{"monthlyRate": "1"})
		item, err := q.Enqueue(db, mod, priority)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, item.ID)
		clock.Advance(time.Second)
	}
	// Not yet due.
	future := seedModification(t, db, mirror, "future", map[string]interface{}{"monthlyRate": "2"})
	item, err := q.Enqueue(db, future, 9)
	if err != nil {
		t.Fatalf("Enqueue future: %v", err)
	}
	if err := db.Model(&models.QueueItem{}).Where("id = ?", item.ID).Update("scheduled_at", clock.Now().Add(time.Hour)).Error; err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	claimed, err := q.Claim(context.Background(), "w1", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	want := []uint{ids[1], ids[3], ids[0], ids[2]}
	if len(claimed) != len(want) {
		t.Fatalf("expected %d claimed, got %d", len(want), len(claimed))
	}
	for i := range want {
		if claimed[i].ID != want[i] {
			t.Fatalf("position %d: expected item %d, got %d", i, want[i], claimed[i].ID)
		}
		if claimed[i].Status != models.QueueStatusProcessing || claimed[i].LockedBy == nil {
			t.Fatalf("item %d not held: %+v", claimed[i].ID, claimed[i])
		}
	}

	again, err := q.Claim(context.Background(), "w2", 10)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing left to claim, got %d", len(again))
	}
}

func TestEnqueueRefreshesPendingItem(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "DUP", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	mod := seedModification(t, db, mirror, "s", map[string]interface{}{"monthlyRate": "1"})

	first, err := q.Enqueue(db, mod, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mod.Delta = datatypes.JSONMap{"monthlyRate": "2"}
	second, err := q.Enqueue(db, mod, 3)
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the pending item to be reused")
	}
	var count int64
	db.Model(&models.QueueItem{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one queue item, got %d", count)
	}
	stored, err := models.GetQueueItem(context.Background(), db, first.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if stored.Payload["monthlyRate"] != "2" || stored.Priority != 3 {
		t.Fatalf("expected refreshed payload and priority, got %+v", stored)
	}
}

func TestRetryBacksOffThenDeadLetters(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "RTY", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	mod := seedModification(t, db, mirror, "s", map[string]interface{}{"monthlyRate": "1"})
	if _, err := q.Enqueue(db, mod, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt, wantDelay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		claimed, err := q.Claim(context.Background(), "w", 1)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: claim got %d items, err %v", attempt, len(claimed), err)
		}
		item := claimed[0]
		dead, err := q.Retry(db, &item, ErrorCodeRemoteError, "503")
		if err != nil || dead {
			t.Fatalf("attempt %d: dead=%v err=%v", attempt, dead, err)
		}
		if item.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt+1, item.RetryCount)
		}
		if got := item.ScheduledAt.Sub(clock.Now()); got != wantDelay {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt, wantDelay, got)
		}
		clock.Advance(wantDelay)
	}

	claimed, err := q.Claim(context.Background(), "w", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("final claim got %d items, err %v", len(claimed), err)
	}
	item := claimed[0]
	dead, err := q.Retry(db, &item, ErrorCodeRemoteError, "503")
	if err != nil || !dead {
		t.Fatalf("expected dead letter, dead=%v err=%v", dead, err)
	}
	stored, _ := models.GetQueueItem(context.Background(), db, item.ID)
	if stored.Status != models.QueueStatusFailed || stored.ErrorCode == nil || *stored.ErrorCode != ErrorCodeRetriesExhausted {
		t.Fatalf("expected failed with retries_exhausted, got %+v", stored)
	}
	if stored.RetryCount != 4 {
		t.Fatalf("expected retry count 4, got %d", stored.RetryCount)
	}
}

func TestReclaimStaleAndClaimGuard(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "RCL", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	mod := seedModification(t, db, mirror, "s", map[string]interface{}{"monthlyRate": "1"})
	if _, err := q.Enqueue(db, mod, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _ := q.Claim(context.Background(), "slow", 1)
	if len(claimed) != 1 {
		t.Fatalf("expected one claim")
	}
	stale := claimed[0]

	clock.Advance(4 * time.Minute)
	if n, err := q.ReclaimStale(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected nothing reclaimed yet, n=%d err=%v", n, err)
	}
	clock.Advance(2 * time.Minute)
	if n, err := q.ReclaimStale(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one reclaimed, n=%d err=%v", n, err)
	}

	fresh, _ := q.Claim(context.Background(), "fast", 1)
	if len(fresh) != 1 {
		t.Fatalf("expected reclaimed item to be claimable")
	}
	if err := q.Complete(db, &stale, "", ""); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for the stale holder, got %v", err)
	}
	if err := q.Complete(db, &fresh[0], "", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestSkipKeepsRetryBudget(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "SKP", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	mod := seedModification(t, db, mirror, "s", map[string]interface{}{"monthlyRate": "1"})
	if _, err := q.Enqueue(db, mod, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _ := q.Claim(context.Background(), "w", 1)
	item := claimed[0]
	if err := q.Skip(db, &item, ErrorCodeNoWriteEndpoint, "none"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	stored, _ := models.GetQueueItem(context.Background(), db, item.ID)
	if stored.Status != models.QueueStatusPending || stored.RetryCount != 0 {
		t.Fatalf("expected pending with no retry consumed, got %+v", stored)
	}
	if !stored.ScheduledAt.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("expected skip delay, scheduled at %s", stored.ScheduledAt)
	}
}

func TestRequeueDeadLetterRestoresModification(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	q := newTestQueue(db, clock)
	org, ep := seedOrganization(t, db, "RQ", true)
	mirror := seedMirror(t, db, org, ep.ID, "PFA-1", pfaRow("PFA-1", "1000"))
	mod := seedModification(t, db, mirror, "s", map[string]interface{}{"monthlyRate": "1"})
	if _, err := q.Enqueue(db, mod, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _ := q.Claim(context.Background(), "w", 1)
	item := claimed[0]
	if err := q.DeadLetter(db, &item, ErrorCodeValidationFailed, "bad"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if err := models.SetModificationState(db, mod.ID, models.SyncStateSyncError, "bad"); err != nil {
		t.Fatalf("SetModificationState: %v", err)
	}

	requeued, err := q.RequeueDeadLetter(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}
	if requeued.Status != models.QueueStatusPending || requeued.RetryCount != 0 || requeued.ErrorCode != nil {
		t.Fatalf("unexpected requeued item: %+v", requeued)
	}
	stored, _ := models.GetModification(context.Background(), db, mod.ID)
	if stored.SyncState != models.SyncStateQueued || stored.LastError != "" {
		t.Fatalf("expected modification queued again, got %s %q", stored.SyncState, stored.LastError)
	}
	if _, err := q.RequeueDeadLetter(context.Background(), item.ID); !errors.Is(err, models.ErrQueueItemNotFound) {
		t.Fatalf("expected not found for a pending item, got %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil || stats.Pending != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v err %v", stats, err)
	}
}
