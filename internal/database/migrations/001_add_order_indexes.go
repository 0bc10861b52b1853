package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the query-path indexes the batch loop depends on.
func AddOrderIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// The coordinator snapshots Pending orders every batch window
		`CREATE INDEX IF NOT EXISTS idx_orders_status
		 ON orders(status)`,

		// Status listings are FIFO by submission time
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at
		 ON orders(status, created_at)`,

		// Match group lookups from settlement records
		`CREATE INDEX IF NOT EXISTS idx_orders_match_group
		 ON orders(match_group)`,

		// Settlement legs are read per settlement for audit
		`CREATE INDEX IF NOT EXISTS idx_settlement_legs_settlement_id
		 ON settlement_legs(settlement_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
