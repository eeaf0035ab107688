package migrations

import (
	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
)

// AddRealizedGains adds the realized_gain column to the transaction log.
// Existing rows keep a zero gain; the value is only computed at execution
// time for sells.
func AddRealizedGains(db *gorm.DB) error {
	return db.AutoMigrate(&types.Transaction{})
}
