package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Share permissions
const (
	PermissionWatch = "watch"
	PermissionEdit  = "edit"
)

// LotEpsilon is the dust threshold shared by the trade engine and the ledger
// replay: a holding whose quantity falls to or below it is deleted, not kept
// at ~zero.
var LotEpsilon = decimal.New(1, -6)

// Sandbox is a simulated brokerage account owned by a single user.
// Balance is only ever mutated by the trade engine.
type Sandbox struct {
	gorm.Model     `json:"-"`
	SandboxID      string          `gorm:"uniqueIndex" json:"sandbox_id"`
	UserID         string          `gorm:"index" json:"user_id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `gorm:"type:decimal(20,8)" json:"balance"`
	InitialBalance decimal.Decimal `gorm:"type:decimal(20,8)" json:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Lot is a sandbox's current holding of one symbol. A lot whose quantity
// drops to ~zero is deleted rather than kept at zero.
type Lot struct {
	gorm.Model      `json:"-"`
	SandboxID       string          `gorm:"uniqueIndex:idx_lot_sandbox_symbol" json:"sandbox_id"`
	Symbol          string          `gorm:"uniqueIndex:idx_lot_sandbox_symbol" json:"symbol"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	AverageBuyPrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"average_buy_price"`
}

// Transaction is one executed trade. Rows are append-only and are the sole
// source of truth for ledger replay; ordering is executed_at, ties broken by
// insertion order.
type Transaction struct {
	gorm.Model    `json:"-"`
	TransactionID string          `gorm:"uniqueIndex" json:"transaction_id"`
	SandboxID     string          `gorm:"index" json:"sandbox_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // BUY or SELL
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	RealizedGain  decimal.Decimal `gorm:"type:decimal(20,8)" json:"realized_gain"`
	ExecutedAt    time.Time       `gorm:"index" json:"executed_at"`
}

// Share grants a non-owner watch or edit access to a sandbox.
type Share struct {
	gorm.Model `json:"-"`
	SandboxID  string    `gorm:"uniqueIndex:idx_share_sandbox_grantee" json:"sandbox_id"`
	OwnerID    string    `json:"owner_id"`
	GranteeID  string    `gorm:"uniqueIndex:idx_share_sandbox_grantee" json:"grantee_id"`
	Permission string    `json:"permission"` // watch or edit
	CreatedAt  time.Time `json:"created_at"`
}

// EquitySnapshot is one reconstructed (sandbox, calendar day) equity sample.
// At most one row exists per (sandbox_id, snapshot_date); writes upsert.
type EquitySnapshot struct {
	gorm.Model    `json:"-"`
	SandboxID     string          `gorm:"uniqueIndex:idx_snapshot_sandbox_date" json:"sandbox_id"`
	SnapshotDate  string          `gorm:"uniqueIndex:idx_snapshot_sandbox_date" json:"snapshot_date"` // YYYY-MM-DD
	TotalEquity   decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_equity"`
	CashBalance   decimal.Decimal `gorm:"type:decimal(20,8)" json:"cash_balance"`
	HoldingsValue decimal.Decimal `gorm:"type:decimal(20,8)" json:"holdings_value"`
	WrittenAt     time.Time       `json:"written_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
