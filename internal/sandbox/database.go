package sandbox

import (
	"errors"
	"sync"
	"time"

	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB

	// One mutex per sandbox id. Trades on the same sandbox serialize here so
	// a read-compute-write cycle never interleaves with another trade;
	// different sandboxes stay fully independent.
	locks sync.Map
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) lockFor(sandboxID string) *sync.Mutex {
	lock, _ := d.locks.LoadOrStore(sandboxID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// ExecuteTrade runs fn under the sandbox's mutex inside a database
// transaction. fn receives the current sandbox row; any error rolls the
// whole trade back, so no partial mutation is ever committed.
func (d *Database) ExecuteTrade(sandboxID string, fn func(tx *gorm.DB, sandbox *types.Sandbox) error) error {
	lock := d.lockFor(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	return d.db.Transaction(func(tx *gorm.DB) error {
		var sandbox types.Sandbox
		if err := tx.Where("sandbox_id = ?", sandboxID).First(&sandbox).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ErrSandboxNotFound
			}
			return err
		}
		return fn(tx, &sandbox)
	})
}

func (d *Database) CreateSandbox(sandbox *types.Sandbox) error {
	return d.db.Create(sandbox).Error
}

func (d *Database) GetSandbox(sandboxID string) (*types.Sandbox, error) {
	var sandbox types.Sandbox
	if err := d.db.Where("sandbox_id = ?", sandboxID).First(&sandbox).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrSandboxNotFound
		}
		return nil, err
	}
	return &sandbox, nil
}

func (d *Database) GetSandboxesForUser(userID string) ([]types.Sandbox, error) {
	var sandboxes []types.Sandbox
	if err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sandboxes).Error; err != nil {
		return nil, err
	}
	return sandboxes, nil
}

func (d *Database) GetLots(sandboxID string) ([]types.Lot, error) {
	var lots []types.Lot
	if err := d.db.Where("sandbox_id = ?", sandboxID).Find(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

// GetLotsForSandboxes fetches every lot of the given sandboxes in one query,
// so list valuation does not go N+1.
func (d *Database) GetLotsForSandboxes(sandboxIDs []string) ([]types.Lot, error) {
	if len(sandboxIDs) == 0 {
		return nil, nil
	}
	var lots []types.Lot
	if err := d.db.Where("sandbox_id IN ?", sandboxIDs).Find(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

// GetTransactions returns the sandbox's transaction log, newest first.
func (d *Database) GetTransactions(sandboxID string) ([]types.Transaction, error) {
	var transactions []types.Transaction
	if err := d.db.Where("sandbox_id = ?", sandboxID).
		Order("executed_at DESC, id DESC").
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (d *Database) GetTransaction(transactionID string) (*types.Transaction, error) {
	var transaction types.Transaction
	if err := d.db.Where("transaction_id = ?", transactionID).First(&transaction).Error; err != nil {
		return nil, err
	}
	return &transaction, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key, nil when absent
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteExpiredIdempotencyRecords removes records past their expiry
func (d *Database) DeleteExpiredIdempotencyRecords(now time.Time) (int64, error) {
	result := d.db.Unscoped().
		Where("expires_at < ?", now).
		Delete(&types.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

// DeleteSandboxCascade removes the sandbox with its transaction log, lots
// and shares in one transaction. Hard deletes throughout so natural keys
// are freed for reuse.
func (d *Database) DeleteSandboxCascade(sandboxID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("sandbox_id = ?", sandboxID).Delete(&types.Transaction{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("sandbox_id = ?", sandboxID).Delete(&types.Lot{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("sandbox_id = ?", sandboxID).Delete(&types.Share{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("sandbox_id = ?", sandboxID).Delete(&types.Sandbox{}).Error
	})
}
