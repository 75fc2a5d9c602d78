package services

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tosin-A/Cora-Lockin/models"
)

var testDBSeq atomic.Int64

// newTestDB opens a fresh in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// One connection serializes concurrent access; shared-cache sqlite
	// returns lock errors otherwise.
	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(
		&models.User{},
		&models.CoachSession{},
		&models.Turn{},
		&models.Message{},
		&models.QuotaRecord{},
		&models.AICallLog{},
		&models.AbuseLog{},
		&models.RateLimitWindow{},
		&models.UserMemory{},
		&models.NotificationEvent{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
