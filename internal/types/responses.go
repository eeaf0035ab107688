package types

import "github.com/shopspring/decimal"

// TradeRequest is the body of a trade call. Callers supply either a share
// quantity or a cash amount; when only an amount is given the engine derives
// the quantity from the execution price.
type TradeRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"` // BUY or SELL
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

// TradeResponse reports an executed trade.
type TradeResponse struct {
	TransactionID  string          `json:"transaction_id"`
	Side           string          `json:"side"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Total          decimal.Decimal `json:"total"`
	RealizedGain   decimal.Decimal `json:"realized_gain"`
	NewCashBalance decimal.Decimal `json:"new_balance"`
}

// SandboxSummary is one row of the sandbox list, valued at current prices.
type SandboxSummary struct {
	SandboxID      string          `json:"sandbox_id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	CreatedAt      string          `json:"created_at"`
}

// PositionView is one lot with live valuation attached.
type PositionView struct {
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	GainLoss        decimal.Decimal `json:"gain_loss"`
	GainLossPercent decimal.Decimal `json:"gain_loss_percent"`
}

// EquityPoint is one sample of the equity curve. Timestamp is unix
// milliseconds for direct charting.
type EquityPoint struct {
	Timestamp int64           `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// PortfolioResponse is the full portfolio view. HistoryError is set when the
// equity curve is a degraded fallback rather than a real reconstruction.
type PortfolioResponse struct {
	Positions      []PositionView  `json:"portfolio"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	EquityHistory  []EquityPoint   `json:"equity_history"`
	Permission     string          `json:"permission"`
	HistoryError   string          `json:"history_error,omitempty"`
}
