package migrations

import (
	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
)

// AddEquitySnapshots creates the equity snapshot table. The composite unique
// index on (sandbox_id, snapshot_date) is what makes snapshot writes upserts.
func AddEquitySnapshots(db *gorm.DB) error {
	return db.AutoMigrate(&types.EquitySnapshot{})
}
