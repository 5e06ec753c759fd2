package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/stocklink/internal/bulkrun"
	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/propagate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/pushqueue"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&catalog.Product{},
		&channel.SiteConnection{},
		&ledger.StockRecord{},
		&ledger.StockMove{},
		&syncstate.EventLock{},
		&syncstate.SyncState{},
		&mapping.ChannelMapping{},
		&pushqueue.PushJob{},
		&propagate.Record{},
		&bulkrun.BulkRun{},
		&bulkrun.BulkRow{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
