package history

import (
	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertSnapshot inserts or replaces the snapshot keyed by
// (sandbox_id, snapshot_date). Latest write wins; a second write for the
// same day never produces a second row.
func (d *Database) UpsertSnapshot(snapshot *types.EquitySnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sandbox_id"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_equity", "cash_balance", "holdings_value", "written_at", "updated_at",
		}),
	}).Create(snapshot).Error
}

// GetSnapshots returns a sandbox's snapshots ordered by calendar date
func (d *Database) GetSnapshots(sandboxID string) ([]types.EquitySnapshot, error) {
	var snapshots []types.EquitySnapshot
	if err := d.db.Where("sandbox_id = ?", sandboxID).
		Order("snapshot_date ASC").
		Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

// DeleteSnapshots removes all snapshots for a sandbox, as part of sandbox
// cascade deletion. Hard delete so the (sandbox, date) keys are freed.
func (d *Database) DeleteSnapshots(sandboxID string) error {
	return d.db.Unscoped().
		Where("sandbox_id = ?", sandboxID).
		Delete(&types.EquitySnapshot{}).Error
}
