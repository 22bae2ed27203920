package models

import (
	"log"

	"github.com/mmdatafocus/pfa_mirror/config"
	"gorm.io/gorm"
)

// AllModels lists every table owned by this service.
func AllModels() []interface{} {
	return []interface{}{
		&Organization{}, &ApiEndpointConfig{},
		&MirrorRecord{}, &HistoryRecord{},
		&Modification{}, &Conflict{},
		&QueueItem{},
		&SyncRun{}, &SyncRowError{}, &IngestionBatch{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

func MigrateTable() {
	db := config.GetDB()

	if err := Migrate(db); err != nil {
		log.Fatal(err)
	}
}
