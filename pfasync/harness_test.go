package pfasync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testEpoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAudit) Append(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) ofType(eventType string) []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEvent
	for _, e := range a.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type writeStep struct {
	result WriteResult
	err    error
}

// fakeRemote serves scripted pages and write answers.
type fakeRemote struct {
	mu       sync.Mutex
	total    *int
	countErr error
	pages    [][]map[string]interface{}
	queries  []QueryRequest
	onQuery  func(call int) error
	steps    []writeStep
	onWrite  func()
	writes   []WriteRequest
	writeAt  []time.Time
	clock    *testClock
}

func (f *fakeRemote) Count(ctx context.Context, req QueryRequest) (*int, error) {
	if f.countErr != nil {
		return nil, f.countErr
	}
	return f.total, nil
}

func (f *fakeRemote) Query(ctx context.Context, req QueryRequest) (QueryPage, error) {
	f.mu.Lock()
	call := len(f.queries)
	f.queries = append(f.queries, req)
	f.mu.Unlock()
	if f.onQuery != nil {
		if err := f.onQuery(call); err != nil {
			return QueryPage{}, err
		}
	}
	if call >= len(f.pages) {
		return QueryPage{Total: f.total}, nil
	}
	return QueryPage{Rows: f.pages[call], Total: f.total}, nil
}

func (f *fakeRemote) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.writes)
	f.writes = append(f.writes, req)
	if f.clock != nil {
		f.writeAt = append(f.writeAt, f.clock.Now())
	}
	if call >= len(f.steps) {
		return WriteResult{NewVersion: req.ExpectedVersion + 1}, nil
	}
	return f.steps[call].result, f.steps[call].err
}

func (f *fakeRemote) factory() ClientFactory {
	return func(endpoint models.ApiEndpointConfig, apiKey string) (RemoteClient, error) {
		return f, nil
	}
}

func intPtr(n int) *int { return &n }

// seedOrganization creates an active organization with one endpoint using a plain secret.
func seedOrganization(t *testing.T, db *gorm.DB, code string, writable bool) (models.Organization, models.ApiEndpointConfig) {
	t.Helper()
	org := models.Organization{Code: code, Name: code + " Ltd", Status: models.OrganizationStatusActive, SyncEnabled: true}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("create organization: %v", err)
	}
	ep := models.ApiEndpointConfig{
		OrganizationId:  org.ID,
		EndpointKey:     "pfa",
		BaseURL:         "https://pfa.example.test",
		QueryPath:       "/pfa/query",
		EncryptedSecret: "plain:key-" + code,
		GridId:          "grid-" + code,
		IsActive:        true,
	}
	if writable {
		ep.WriteEnabled = true
		ep.WritePath = "/pfa/write"
	}
	if err := db.Create(&ep).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return org, ep
}

func pfaRow(id string, monthlyRate string) map[string]interface{} {
	return map[string]interface{}{
		"PFA_ID":         id,
		"ORGANIZATION":   "RIO",
		"CATEGORY":       "Cranes",
		"CLASS":          "Heavy",
		"SOURCE":         "Rental",
		"DOR":            "DOR-1",
		"MONTHLY_RATE":   monthlyRate,
		"FORECAST_START": "2024-01-01",
		"FORECAST_END":   "2024-06-30",
	}
}

func pfaRows(prefix string, n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, pfaRow(fmt.Sprintf("%s-%03d", prefix, i), "1000"))
	}
	return rows
}

func newTestPipeline(db *gorm.DB, clock *testClock, remote *fakeRemote, audit AuditSink) *Pipeline {
	p := NewPipeline(db, quietLogger(), &config.SecretBox{}, audit)
	p.Settings = config.SyncConfig{PageSize: 50, ChunkSize: 20, LockTTL: 15 * time.Minute}
	p.NewClient = remote.factory()
	p.Locker = nil
	p.Now = clock.Now
	p.Drift.Now = clock.Now
	return p
}

// seedMirror ingests data at version 1 and then advances it once per entry of changes.
func seedMirror(t *testing.T, db *gorm.DB, org models.Organization, endpointId uint, remoteId string, data map[string]interface{}, changes ...map[string]interface{}) *models.MirrorRecord {
	t.Helper()
	row, err := NormalizeRow(MergeData(map[string]interface{}{"pfaId": remoteId}, data))
	if err != nil {
		t.Fatalf("normalize seed: %v", err)
	}
	rec := &models.MirrorRecord{
		OrganizationId: org.ID,
		RemoteRecordId: remoteId,
		EndpointId:     endpointId,
		Data:           datatypes.JSONMap(row.Data),
		IndexedFields:  row.Indexed,
		LastSyncedAt:   testEpoch,
	}
	created, err := models.CreateMirrorIfAbsent(db, rec)
	if err != nil || !created {
		t.Fatalf("create mirror: created=%v err=%v", created, err)
	}
	for i, change := range changes {
		delta, verrs := NormalizeDelta(change)
		if len(verrs) > 0 {
			t.Fatalf("normalize change %d: %v", i, verrs)
		}
		next := MergeData(rec.Data, delta)
		state := models.MirrorState{Data: next, Indexed: IndexedFromData(next)}
		if err := models.AdvanceMirror(db, rec, state, rec.Version+1, models.ActorIngestion, "seed", testEpoch); err != nil {
			t.Fatalf("advance mirror %d: %v", i, err)
		}
	}
	return rec
}
