package database

import (
	"fmt"

	"github.com/ksred/folio-api/internal/database/migrations"
	"github.com/ksred/folio-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddEquitySnapshots(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddRealizedGains(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Sandbox{},
		&types.Lot{},
		&types.Share{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
