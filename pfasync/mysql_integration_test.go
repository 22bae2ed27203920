package pfasync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// openIntegrationDB connects to the MySQL database named by DB_* and recreates every table.
func openIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 with DB_* pointing at a disposable MySQL database")
	}
	db, err := gorm.Open(mysql.Open(config.DatabaseDSN()), config.GormConfig())
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrator().DropTable(models.AllModels()...); err != nil {
		t.Fatalf("drop tables: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMySQLConcurrentClaimsAreDisjoint(t *testing.T) {
	db := openIntegrationDB(t)
	clock := newTestClock()
	org, ep := seedOrganization(t, db, "INT", true)
	queue := newTestQueue(db, clock)

	const items = 20
	for i := 0; i < items; i++ {
		mirror := seedMirror(t, db, org, ep.ID, fmt.Sprintf("INT-%03d", i), pfaRow(fmt.Sprintf("INT-%03d", i), "1000"))
		mod := seedModification(t, db, mirror, "s", map[string]interface{}{"dor": "DOR-2"})
		if _, err := queue.Enqueue(db, mod, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claimedBy := map[uint]string{}
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 4; w++ {
		workerId := fmt.Sprintf("worker-%d", w)
		g.Go(func() error {
			for {
				claimed, err := queue.Claim(ctx, workerId, 3)
				if err != nil {
					return err
				}
				if len(claimed) == 0 {
					return nil
				}
				mu.Lock()
				for _, item := range claimed {
					if other, ok := claimedBy[item.ID]; ok {
						mu.Unlock()
						return fmt.Errorf("item %d claimed by %s and %s", item.ID, other, workerId)
					}
					claimedBy[item.ID] = workerId
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimedBy) != items {
		t.Fatalf("expected every item claimed once, got %d", len(claimedBy))
	}
}

func TestMySQLConcurrentAdvanceKeepsOneWinner(t *testing.T) {
	db := openIntegrationDB(t)
	org, ep := seedOrganization(t, db, "ADV", false)
	mirror := seedMirror(t, db, org, ep.ID, "ADV-1", pfaRow("ADV-1", "1000"))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := *mirror
			next := MergeData(rec.Data, map[string]interface{}{"monthlyRate": fmt.Sprint(1100 + i)})
			errs[i] = models.AdvanceMirror(db, &rec, models.MirrorState{Data: next, Indexed: IndexedFromData(next)}, 2, models.ActorIngestion, "race", testEpoch)
		}(i)
	}
	wg.Wait()

	var won, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, models.ErrStaleMirror):
			stale++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 || stale != 1 {
		t.Fatalf("expected one winner and one stale writer, got %d/%d", won, stale)
	}
	var history int64
	db.Model(&models.HistoryRecord{}).Where("mirror_record_id = ?", mirror.ID).Count(&history)
	if history != 1 {
		t.Fatalf("expected exactly one archived version, got %d", history)
	}
}
