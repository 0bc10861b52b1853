package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/database/migrations"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/settlement"
	"github.com/ksred/darkpool-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "darkpool.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Order{},
		&orderbook.IdempotencyRecord{},
		&commitment.Record{},
		&commitment.ConsumedNullifier{},
		&settlement.Settlement{},
		&settlement.SettlementLeg{},
		&settlement.Balance{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
