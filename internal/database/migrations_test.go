package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/stocklink/internal/pushqueue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsCreatesOpenDedupIndex(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&pushqueue.PushJob{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	first := pushqueue.PushJob{
		JobID:       "job-1",
		SiteID:      1,
		ProductID:   42,
		TargetQty:   10,
		Origin:      "local",
		Status:      pushqueue.StatusPending,
		PayloadHash: "abc123",
	}
	if err := database.Create(&first).Error; err != nil {
		testContext.Fatalf("failed to insert first job: %v", err)
	}

	duplicate := first
	duplicate.JobID = "job-2"
	if err := database.Create(&duplicate).Error; err == nil {
		testContext.Fatalf("expected second open job with same payload hash to be rejected")
	}

	closed := first
	closed.JobID = "job-3"
	closed.Status = pushqueue.StatusDone
	if err := database.Create(&closed).Error; err != nil {
		testContext.Fatalf("expected closed job with same payload hash to insert: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPushJobOpenDedupIndex).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-applying migrations to be a no-op: %v", err)
	}
}
