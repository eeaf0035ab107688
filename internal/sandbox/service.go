package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/folio-api/internal/access"
	"github.com/ksred/folio-api/internal/history"
	"github.com/ksred/folio-api/internal/prices"
	"github.com/ksred/folio-api/internal/types"
)

var defaultInitialBalance = decimal.NewFromInt(10000)

// Service owns the sandbox ledger: cash, lots and the append-only
// transaction log, plus the trade engine that mutates them.
type Service struct {
	db      *Database
	guard   *access.Guard
	prices  *prices.Cache
	history *history.Service
}

// NewService creates a new sandbox service with the given database
// connection and collaborators
func NewService(gormDB *gorm.DB, guard *access.Guard, priceCache *prices.Cache, historyService *history.Service) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		guard:   guard,
		prices:  priceCache,
		history: historyService,
	}
}

// GetDB returns the underlying sandbox database accessor
func (s *Service) GetDB() *Database {
	return s.db
}

// ListSandboxes returns the caller's sandboxes with total equity valued at
// current prices. Missing quotes fall back to each lot's average cost.
func (s *Service) ListSandboxes(ctx context.Context, userID string) ([]types.SandboxSummary, error) {
	sandboxes, err := s.db.GetSandboxesForUser(userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(sandboxes))
	for i, sb := range sandboxes {
		ids[i] = sb.SandboxID
	}

	lots, err := s.db.GetLotsForSandboxes(ids)
	if err != nil {
		return nil, err
	}

	lotsBySandbox := make(map[string][]types.Lot)
	var symbols []string
	seen := make(map[string]bool)
	for _, lot := range lots {
		lotsBySandbox[lot.SandboxID] = append(lotsBySandbox[lot.SandboxID], lot)
		if !seen[lot.Symbol] {
			seen[lot.Symbol] = true
			symbols = append(symbols, lot.Symbol)
		}
	}

	quotes := s.prices.CurrentPrices(ctx, symbols, nil)

	summaries := make([]types.SandboxSummary, 0, len(sandboxes))
	for _, sb := range sandboxes {
		holdingsValue := decimal.Zero
		for _, lot := range lotsBySandbox[sb.SandboxID] {
			price := quotes[lot.Symbol]
			if price.IsZero() {
				price = lot.AverageBuyPrice
			}
			holdingsValue = holdingsValue.Add(price.Mul(lot.Quantity))
		}

		summaries = append(summaries, types.SandboxSummary{
			SandboxID:      sb.SandboxID,
			Name:           sb.Name,
			Balance:        sb.Balance,
			InitialBalance: sb.InitialBalance,
			TotalEquity:    sb.Balance.Add(holdingsValue),
			CreatedAt:      sb.CreatedAt.Format(time.RFC3339),
		})
	}
	return summaries, nil
}

// CreateSandbox creates a new sandbox for the user. A zero initial balance
// takes the default.
func (s *Service) CreateSandbox(ctx context.Context, userID, name string, initialBalance decimal.Decimal) (*types.Sandbox, error) {
	if !initialBalance.IsPositive() {
		initialBalance = defaultInitialBalance
	}

	sandbox := &types.Sandbox{
		SandboxID:      uuid.New().String(),
		UserID:         userID,
		Name:           name,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := s.db.CreateSandbox(sandbox); err != nil {
		return nil, err
	}

	log.Info().
		Str("sandbox_id", sandbox.SandboxID).
		Str("user_id", userID).
		Str("initial_balance", initialBalance.String()).
		Msg("sandbox created")

	return sandbox, nil
}

// DeleteSandbox removes a sandbox with all its lots, transactions and
// snapshots. Only the owner may delete.
func (s *Service) DeleteSandbox(ctx context.Context, userID, sandboxID string) error {
	_, permission, err := s.guard.Resolve(sandboxID, userID)
	if err != nil {
		return err
	}
	if permission != access.PermissionOwner {
		return types.ErrPermissionDenied
	}

	if err := s.db.DeleteSandboxCascade(sandboxID); err != nil {
		return err
	}
	if err := s.history.PurgeSandbox(sandboxID); err != nil {
		return err
	}

	log.Info().Str("sandbox_id", sandboxID).Msg("sandbox deleted")
	return nil
}

// GetPortfolio returns the sandbox's lots with live valuation, cash, total
// equity and the equity curve. Watch access suffices. The view always
// returns something usable: missing quotes degrade to cost basis, a failed
// history seed degrades to a flat curve with an advisory.
func (s *Service) GetPortfolio(ctx context.Context, callerID, sandboxID string) (*types.PortfolioResponse, error) {
	_, permission, err := s.guard.Resolve(sandboxID, callerID)
	if err != nil {
		return nil, err
	}

	sandbox, err := s.db.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}

	lots, err := s.db.GetLots(sandboxID)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, len(lots))
	fallbacks := make(map[string]decimal.Decimal, len(lots))
	for i, lot := range lots {
		symbols[i] = lot.Symbol
		fallbacks[lot.Symbol] = lot.AverageBuyPrice
	}
	quotes := s.prices.CurrentPrices(ctx, symbols, fallbacks)

	positions := make([]types.PositionView, 0, len(lots))
	holdingsValue := decimal.Zero
	for _, lot := range lots {
		price := quotes[lot.Symbol]
		value := price.Mul(lot.Quantity)
		holdingsValue = holdingsValue.Add(value)

		gainLoss := price.Sub(lot.AverageBuyPrice).Mul(lot.Quantity)
		gainLossPercent := decimal.Zero
		if lot.AverageBuyPrice.IsPositive() {
			gainLossPercent = price.Sub(lot.AverageBuyPrice).
				Div(lot.AverageBuyPrice).
				Mul(decimal.NewFromInt(100))
		}

		positions = append(positions, types.PositionView{
			Symbol:          lot.Symbol,
			Quantity:        lot.Quantity,
			AverageBuyPrice: lot.AverageBuyPrice,
			CurrentPrice:    price,
			CurrentValue:    value,
			GainLoss:        gainLoss,
			GainLossPercent: gainLossPercent,
		})
	}

	totalEquity := sandbox.Balance.Add(holdingsValue)

	transactions, err := s.db.GetTransactions(sandboxID)
	if err != nil {
		return nil, err
	}

	curve, historyErr := s.history.EquityCurve(ctx, sandbox, transactions)

	// The read path writes today's snapshot so the curve gains one point per
	// viewed calendar day; the upsert keeps it one row per day
	if err := s.history.WriteDailySnapshot(sandboxID, totalEquity, sandbox.Balance, holdingsValue); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to write daily snapshot on view")
	}

	response := &types.PortfolioResponse{
		Positions:      positions,
		CashBalance:    sandbox.Balance,
		InitialBalance: sandbox.InitialBalance,
		TotalEquity:    totalEquity,
		EquityHistory:  appendLivePoint(curve, totalEquity, historyErr == nil),
		Permission:     string(permission),
	}
	if historyErr != nil {
		response.HistoryError = historyErr.Error()
	}
	return response, nil
}

// appendLivePoint replaces the curve's final point with the live valuation
// when it falls on today, or appends one otherwise. Fallback curves are left
// untouched.
func appendLivePoint(curve []types.EquityPoint, totalEquity decimal.Decimal, seeded bool) []types.EquityPoint {
	if !seeded || len(curve) == 0 {
		return curve
	}

	now := time.Now()
	live := types.EquityPoint{Timestamp: now.UnixMilli(), Value: totalEquity}

	// The curve may share its backing array with the history cache; never
	// mutate it in place
	points := make([]types.EquityPoint, len(curve), len(curve)+1)
	copy(points, curve)

	last := points[len(points)-1]
	if prices.DayKey(time.UnixMilli(last.Timestamp)) == prices.DayKey(now) {
		points[len(points)-1] = live
		return points
	}
	return append(points, live)
}

// GetTransactions returns the ordered transaction log. Watch access suffices.
func (s *Service) GetTransactions(ctx context.Context, callerID, sandboxID string) ([]types.Transaction, error) {
	if _, _, err := s.guard.Resolve(sandboxID, callerID); err != nil {
		return nil, err
	}
	return s.db.GetTransactions(sandboxID)
}

// Trade validates and executes a buy or sell order at the current market
// price. Edit permission is required. All cash and lot mutations commit as
// one atomic unit; every rejection happens before any mutation.
func (s *Service) Trade(ctx context.Context, callerID, sandboxID string, req *types.TradeRequest, idempotencyKey string) (*types.TradeResponse, error) {
	logger := log.With().
		Str("sandbox_id", sandboxID).
		Str("caller_id", callerID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	_, permission, err := s.guard.Resolve(sandboxID, callerID)
	if err != nil {
		return nil, err
	}
	if !permission.CanTrade() {
		logger.Warn().Str("permission", string(permission)).Msg("trade rejected: caller cannot trade")
		return nil, types.ErrPermissionDenied
	}

	// Replay of a known idempotency key returns the recorded trade
	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			return s.replayTrade(record)
		}
	}

	price, err := s.prices.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("trade rejected: no quote")
		return nil, err
	}

	quantity := req.Quantity
	if !quantity.IsPositive() && req.Amount.IsPositive() {
		quantity = req.Amount.Div(price)
	}
	if !quantity.IsPositive() {
		return nil, types.ErrInvalidQuantity
	}

	var (
		executed   types.Transaction
		newBalance decimal.Decimal
	)

	err = s.db.ExecuteTrade(sandboxID, func(tx *gorm.DB, sandbox *types.Sandbox) error {
		total := price.Mul(quantity)
		realized := decimal.Zero

		switch req.Side {
		case types.SideBuy:
			if sandbox.Balance.LessThan(total) {
				return &types.InsufficientFundsError{Available: sandbox.Balance, Required: total}
			}
			if err := applyBuy(tx, sandboxID, req.Symbol, quantity, price); err != nil {
				return err
			}
			sandbox.Balance = sandbox.Balance.Sub(total)

		case types.SideSell:
			gain, err := applySell(tx, sandboxID, req.Symbol, quantity, price)
			if err != nil {
				return err
			}
			realized = gain
			sandbox.Balance = sandbox.Balance.Add(total)

		default:
			return types.ErrInvalidSide
		}

		sandbox.UpdatedAt = time.Now()
		if err := tx.Save(sandbox).Error; err != nil {
			return err
		}

		transaction := types.Transaction{
			TransactionID: uuid.New().String(),
			SandboxID:     sandboxID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      quantity,
			Price:         price,
			RealizedGain:  realized,
			ExecutedAt:    time.Now(),
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}

		if idempotencyKey != "" {
			record := types.IdempotencyRecord{
				IdempotencyKey: idempotencyKey,
				ResourceID:     transaction.TransactionID,
				ResourceType:   "transaction",
				ExpiresAt:      time.Now().Add(24 * time.Hour),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}

		executed = transaction
		newBalance = sandbox.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("transaction_id", executed.TransactionID).
		Str("price", price.String()).
		Str("quantity", quantity.String()).
		Str("new_balance", newBalance.String()).
		Msg("trade executed")

	s.recordPostTradeSnapshot(ctx, sandboxID, newBalance)

	return &types.TradeResponse{
		TransactionID:  executed.TransactionID,
		Side:           executed.Side,
		Symbol:         executed.Symbol,
		Price:          executed.Price,
		Quantity:       executed.Quantity,
		Total:          executed.Price.Mul(executed.Quantity),
		RealizedGain:   executed.RealizedGain,
		NewCashBalance: newBalance,
	}, nil
}

// applyBuy updates or creates the symbol's lot. An existing lot's average
// cost becomes the quantity-weighted average of old and new shares; sells
// never touch it.
func applyBuy(tx *gorm.DB, sandboxID, symbol string, quantity, price decimal.Decimal) error {
	var lot types.Lot
	err := tx.Where("sandbox_id = ? AND symbol = ?", sandboxID, symbol).First(&lot).Error
	switch {
	case err == nil:
		newQuantity := lot.Quantity.Add(quantity)
		lot.AverageBuyPrice = lot.Quantity.Mul(lot.AverageBuyPrice).
			Add(quantity.Mul(price)).
			Div(newQuantity)
		lot.Quantity = newQuantity
		return tx.Save(&lot).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&types.Lot{
			SandboxID:       sandboxID,
			Symbol:          symbol,
			Quantity:        quantity,
			AverageBuyPrice: price,
		}).Error
	default:
		return err
	}
}

// applySell reduces the lot, deleting it once the remainder is within
// epsilon of zero, and returns the realized gain against average cost.
func applySell(tx *gorm.DB, sandboxID, symbol string, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	var lot types.Lot
	err := tx.Where("sandbox_id = ? AND symbol = ?", sandboxID, symbol).First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, &types.InsufficientSharesError{Owned: decimal.Zero, Requested: quantity}
	}
	if err != nil {
		return decimal.Zero, err
	}

	if lot.Quantity.LessThan(quantity) {
		return decimal.Zero, &types.InsufficientSharesError{Owned: lot.Quantity, Requested: quantity}
	}

	realized := quantity.Mul(price.Sub(lot.AverageBuyPrice))

	remaining := lot.Quantity.Sub(quantity)
	if remaining.LessThanOrEqual(types.LotEpsilon) {
		if err := tx.Unscoped().Delete(&lot).Error; err != nil {
			return decimal.Zero, err
		}
		return realized, nil
	}

	lot.Quantity = remaining
	return realized, tx.Save(&lot).Error
}

// replayTrade reconstructs the response for a previously executed trade
func (s *Service) replayTrade(record *types.IdempotencyRecord) (*types.TradeResponse, error) {
	transaction, err := s.db.GetTransaction(record.ResourceID)
	if err != nil {
		return nil, err
	}
	sandbox, err := s.db.GetSandbox(transaction.SandboxID)
	if err != nil {
		return nil, err
	}
	return &types.TradeResponse{
		TransactionID:  transaction.TransactionID,
		Side:           transaction.Side,
		Symbol:         transaction.Symbol,
		Price:          transaction.Price,
		Quantity:       transaction.Quantity,
		Total:          transaction.Price.Mul(transaction.Quantity),
		RealizedGain:   transaction.RealizedGain,
		NewCashBalance: sandbox.Balance,
	}, nil
}

// recordPostTradeSnapshot writes today's snapshot right after a trade and
// drops the cached curve so the next view reflects the jump. Best effort:
// the trade has already committed.
func (s *Service) recordPostTradeSnapshot(ctx context.Context, sandboxID string, cash decimal.Decimal) {
	lots, err := s.db.GetLots(sandboxID)
	if err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("post-trade snapshot: failed to load lots")
		s.history.Invalidate(sandboxID)
		return
	}

	symbols := make([]string, len(lots))
	fallbacks := make(map[string]decimal.Decimal, len(lots))
	for i, lot := range lots {
		symbols[i] = lot.Symbol
		fallbacks[lot.Symbol] = lot.AverageBuyPrice
	}
	quotes := s.prices.CurrentPrices(ctx, symbols, fallbacks)

	holdingsValue := decimal.Zero
	for _, lot := range lots {
		holdingsValue = holdingsValue.Add(quotes[lot.Symbol].Mul(lot.Quantity))
	}

	if err := s.history.WriteDailySnapshot(sandboxID, cash.Add(holdingsValue), cash, holdingsValue); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("post-trade snapshot write failed")
	}
	s.history.Invalidate(sandboxID)
}
