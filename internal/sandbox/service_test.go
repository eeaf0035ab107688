package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/folio-api/internal/access"
	"github.com/ksred/folio-api/internal/history"
	"github.com/ksred/folio-api/internal/marketdata"
	"github.com/ksred/folio-api/internal/prices"
	"github.com/ksred/folio-api/internal/types"
)

// stubProvider serves fixed prices for tests. Symbols absent from the map
// report ErrNoQuote.
type stubProvider struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	histErr error
}

func (p *stubProvider) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, marketdata.ErrNoQuote
	}
	return price, nil
}

func (p *stubProvider) HistoricalDailyCloses(ctx context.Context, symbols []string, from time.Time) (map[string][]marketdata.Close, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.histErr != nil {
		return nil, p.histErr
	}
	return map[string][]marketdata.Close{}, nil
}

func (p *stubProvider) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	return nil, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&types.Sandbox{},
		&types.Lot{},
		&types.Transaction{},
		&types.Share{},
		&types.EquitySnapshot{},
		&types.IdempotencyRecord{},
	))

	// A single connection keeps in-memory SQLite deterministic under
	// concurrent trades
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func setupTestService(t *testing.T, provider marketdata.Provider) (*Service, *gorm.DB) {
	t.Helper()

	db := setupTestDB(t)
	priceCache := prices.NewCache(provider)
	guard := access.NewGuard(db)
	historyService := history.NewService(db, priceCache)
	return NewService(db, guard, priceCache, historyService), db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateSandboxDefaultBalance(t *testing.T) {
	service, _ := setupTestService(t, &stubProvider{})

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "My Sandbox", decimal.Zero)
	require.NoError(t, err)

	assert.NotEmpty(t, sandbox.SandboxID)
	assert.True(t, sandbox.Balance.Equal(dec("10000")), "balance %s", sandbox.Balance)
	assert.True(t, sandbox.InitialBalance.Equal(dec("10000")))
}

func TestTradeBuyThenSellConservesCash(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("150")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	buy, err := service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("10"),
	}, "key-buy")
	require.NoError(t, err)

	assert.True(t, buy.Price.Equal(dec("150")))
	assert.True(t, buy.Total.Equal(dec("1500")))
	assert.True(t, buy.NewCashBalance.Equal(dec("8500")), "balance %s", buy.NewCashBalance)

	var lot types.Lot
	require.NoError(t, db.Where("sandbox_id = ? AND symbol = ?", sandbox.SandboxID, "AAPL").First(&lot).Error)
	assert.True(t, lot.Quantity.Equal(dec("10")))
	assert.True(t, lot.AverageBuyPrice.Equal(dec("150")))

	sell, err := service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Quantity: dec("10"),
	}, "key-sell")
	require.NoError(t, err)

	// Same price in and out: cash is back where it started, nothing realized
	assert.True(t, sell.NewCashBalance.Equal(dec("10000")), "balance %s", sell.NewCashBalance)
	assert.True(t, sell.RealizedGain.IsZero(), "realized %s", sell.RealizedGain)

	err = db.Where("sandbox_id = ? AND symbol = ?", sandbox.SandboxID, "AAPL").First(&lot).Error
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "lot should be deleted after full sell")

	var count int64
	require.NoError(t, db.Model(&types.Transaction{}).Where("sandbox_id = ?", sandbox.SandboxID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestApplyBuyWeightedAverage(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, applyBuy(db, "sb-1", "AAPL", dec("10"), dec("100")))
	require.NoError(t, applyBuy(db, "sb-1", "AAPL", dec("10"), dec("200")))

	var lot types.Lot
	require.NoError(t, db.Where("sandbox_id = ? AND symbol = ?", "sb-1", "AAPL").First(&lot).Error)

	assert.True(t, lot.Quantity.Equal(dec("20")))
	// (10*100 + 10*200) / 20 = 150
	diff := lot.AverageBuyPrice.Sub(dec("150")).Abs()
	assert.True(t, diff.LessThanOrEqual(dec("0.000001")), "average %s", lot.AverageBuyPrice)
}

func TestApplySellRealizedGainAndEpsilon(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, applyBuy(db, "sb-1", "AAPL", dec("10"), dec("100")))

	realized, err := applySell(db, "sb-1", "AAPL", dec("4"), dec("110"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(dec("40")), "realized %s", realized)

	var lot types.Lot
	require.NoError(t, db.Where("sandbox_id = ? AND symbol = ?", "sb-1", "AAPL").First(&lot).Error)
	assert.True(t, lot.Quantity.Equal(dec("6")))
	// Sells never move the average
	assert.True(t, lot.AverageBuyPrice.Equal(dec("100")))

	// Selling down to a dust remainder deletes the lot entirely
	_, err = applySell(db, "sb-1", "AAPL", dec("5.9999995"), dec("110"))
	require.NoError(t, err)

	err = db.Where("sandbox_id = ? AND symbol = ?", "sb-1", "AAPL").First(&lot).Error
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestTradeInsufficientFunds(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("500"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("10"),
	}, "key-1")

	var fundsErr *types.InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.True(t, fundsErr.Available.Equal(dec("500")))
	assert.True(t, fundsErr.Required.Equal(dec("1000")))

	// Rejection must leave the ledger untouched
	current, err := service.GetDB().GetSandbox(sandbox.SandboxID)
	require.NoError(t, err)
	assert.True(t, current.Balance.Equal(dec("500")))

	var count int64
	require.NoError(t, db.Model(&types.Transaction{}).Where("sandbox_id = ?", sandbox.SandboxID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestTradeInsufficientShares(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{
		"AAPL": dec("100"),
		"MSFT": dec("300"),
	}}
	service, _ := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("5"),
	}, "key-buy")
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Quantity: dec("6"),
	}, "key-sell")

	var sharesErr *types.InsufficientSharesError
	require.True(t, errors.As(err, &sharesErr))
	assert.True(t, sharesErr.Owned.Equal(dec("5")))
	assert.True(t, sharesErr.Requested.Equal(dec("6")))

	// Selling a symbol never owned is the same rejection with zero owned
	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "MSFT",
		Side:     types.SideSell,
		Quantity: dec("1"),
	}, "key-sell-2")
	require.True(t, errors.As(err, &sharesErr))
	assert.True(t, sharesErr.Owned.IsZero())
}

func TestTradeAmountBasedQuantity(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("200")}}
	service, _ := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	result, err := service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol: "AAPL",
		Side:   types.SideBuy,
		Amount: dec("1000"),
	}, "key-1")
	require.NoError(t, err)

	assert.True(t, result.Quantity.Equal(dec("5")), "quantity %s", result.Quantity)
	assert.True(t, result.Total.Equal(dec("1000")))
}

func TestTradeInvalidQuantity(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, _ := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol: "AAPL",
		Side:   types.SideBuy,
	}, "key-1")
	assert.True(t, errors.Is(err, types.ErrInvalidQuantity))
}

func TestTradeRejectsUnknownSide(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     "HOLD",
		Quantity: dec("1"),
	}, "key-1")
	assert.True(t, errors.Is(err, types.ErrInvalidSide))

	// No phantom ledger entry, no balance movement
	current, err := service.GetDB().GetSandbox(sandbox.SandboxID)
	require.NoError(t, err)
	assert.True(t, current.Balance.Equal(dec("10000")))

	var count int64
	require.NoError(t, db.Model(&types.Transaction{}).Where("sandbox_id = ?", sandbox.SandboxID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestTradeQuoteUnavailable(t *testing.T) {
	service, _ := setupTestService(t, &stubProvider{})

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "UNKNOWN",
		Side:     types.SideBuy,
		Quantity: dec("1"),
	}, "key-1")
	assert.True(t, errors.Is(err, types.ErrQuoteUnavailable))
}

func TestTradeIdempotencyReplay(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	first, err := service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("5"),
	}, "same-key")
	require.NoError(t, err)

	second, err := service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("5"),
	}, "same-key")
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.NewCashBalance.Equal(dec("9500")), "replay must not execute again")

	var count int64
	require.NoError(t, db.Model(&types.Transaction{}).Where("sandbox_id = ?", sandbox.SandboxID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestTradePermissions(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	require.NoError(t, db.Create(&types.Share{
		SandboxID:  sandbox.SandboxID,
		OwnerID:    "alice",
		GranteeID:  "bob",
		Permission: types.PermissionWatch,
	}).Error)
	require.NoError(t, db.Create(&types.Share{
		SandboxID:  sandbox.SandboxID,
		OwnerID:    "alice",
		GranteeID:  "carol",
		Permission: types.PermissionEdit,
	}).Error)

	// Watch access can view but not trade
	_, err = service.GetPortfolio(context.Background(), "bob", sandbox.SandboxID)
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "bob", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("1"),
	}, "key-bob")
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	// Edit access trades on someone else's sandbox
	_, err = service.Trade(context.Background(), "carol", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("1"),
	}, "key-carol")
	require.NoError(t, err)

	// A stranger cannot even learn the sandbox exists
	_, err = service.GetPortfolio(context.Background(), "mallory", sandbox.SandboxID)
	assert.True(t, errors.Is(err, types.ErrSandboxNotFound))
}

func TestGetPortfolioValuation(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, _ := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("10"),
	}, "key-1")
	require.NoError(t, err)

	portfolio, err := service.GetPortfolio(context.Background(), "alice", sandbox.SandboxID)
	require.NoError(t, err)

	assert.Equal(t, "owner", portfolio.Permission)
	assert.True(t, portfolio.CashBalance.Equal(dec("9000")))
	assert.True(t, portfolio.TotalEquity.Equal(dec("10000")), "equity %s", portfolio.TotalEquity)
	require.Len(t, portfolio.Positions, 1)

	position := portfolio.Positions[0]
	assert.Equal(t, "AAPL", position.Symbol)
	assert.True(t, position.CurrentValue.Equal(dec("1000")))
	assert.True(t, position.GainLoss.IsZero())

	assert.NotEmpty(t, portfolio.EquityHistory)
	assert.Empty(t, portfolio.HistoryError)
}

func TestAppendLivePointLeavesInputIntact(t *testing.T) {
	yesterday := time.Now().Add(-24 * time.Hour)
	curve := []types.EquityPoint{
		{Timestamp: yesterday.UnixMilli(), Value: dec("10000")},
		{Timestamp: time.Now().UnixMilli(), Value: dec("10000")},
	}

	out := appendLivePoint(curve, dec("10500"), true)
	require.Len(t, out, 2)
	assert.True(t, out[1].Value.Equal(dec("10500")))

	// The input may share its backing array with the curve cache and must
	// never be written through
	assert.True(t, curve[1].Value.Equal(dec("10000")), "cached curve mutated: %s", curve[1].Value)
}

func TestConcurrentPortfolioViews(t *testing.T) {
	service, db := setupTestService(t, &stubProvider{})

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	// Two persisted days put the curve on the snapshot fast path, so every
	// view below serves the same cached slice
	yesterday := time.Now().Add(-24 * time.Hour)
	for _, day := range []time.Time{yesterday, time.Now()} {
		require.NoError(t, db.Create(&types.EquitySnapshot{
			SandboxID:    sandbox.SandboxID,
			SnapshotDate: prices.DayKey(day),
			TotalEquity:  dec("10000"),
			CashBalance:  dec("10000"),
			WrittenAt:    day,
		}).Error)
	}

	_, err = service.GetPortfolio(context.Background(), "alice", sandbox.SandboxID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			portfolio, err := service.GetPortfolio(context.Background(), "alice", sandbox.SandboxID)
			if err == nil && len(portfolio.EquityHistory) != 2 {
				err = errors.New("unexpected curve length")
			}
			results[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
}

func TestGetPortfolioHistoryFallback(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, _ := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("10"),
	}, "key-1")
	require.NoError(t, err)

	provider.mu.Lock()
	provider.histErr = errors.New("upstream down")
	provider.mu.Unlock()

	portfolio, err := service.GetPortfolio(context.Background(), "alice", sandbox.SandboxID)
	require.NoError(t, err, "a failed history seed must not fail the view")

	assert.NotEmpty(t, portfolio.HistoryError)
	require.Len(t, portfolio.EquityHistory, 2)
	assert.True(t, portfolio.EquityHistory[0].Value.Equal(dec("10000")))
	assert.True(t, portfolio.EquityHistory[1].Value.Equal(dec("10000")))
}

func TestDeleteSandboxCascade(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("10000"))
	require.NoError(t, err)

	_, err = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: dec("5"),
	}, "key-1")
	require.NoError(t, err)

	// Only the owner may delete
	require.NoError(t, db.Create(&types.Share{
		SandboxID:  sandbox.SandboxID,
		OwnerID:    "alice",
		GranteeID:  "carol",
		Permission: types.PermissionEdit,
	}).Error)
	err = service.DeleteSandbox(context.Background(), "carol", sandbox.SandboxID)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	require.NoError(t, service.DeleteSandbox(context.Background(), "alice", sandbox.SandboxID))

	_, err = service.GetDB().GetSandbox(sandbox.SandboxID)
	assert.True(t, errors.Is(err, types.ErrSandboxNotFound))

	for _, model := range []interface{}{&types.Lot{}, &types.Transaction{}, &types.Share{}, &types.EquitySnapshot{}} {
		var count int64
		require.NoError(t, db.Model(model).Where("sandbox_id = ?", sandbox.SandboxID).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	}
}

func TestConcurrentBuysSerialize(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("100")}}
	service, db := setupTestService(t, provider)

	// Cash for exactly one of the two buys
	sandbox, err := service.CreateSandbox(context.Background(), "alice", "Test", dec("1000"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = service.Trade(context.Background(), "alice", sandbox.SandboxID, &types.TradeRequest{
				Symbol:   "AAPL",
				Side:     types.SideBuy,
				Quantity: dec("10"),
			}, "concurrent-key-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	var fundsErr *types.InsufficientFundsError
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &fundsErr):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	current, err := service.GetDB().GetSandbox(sandbox.SandboxID)
	require.NoError(t, err)
	assert.True(t, current.Balance.IsZero(), "balance %s", current.Balance)

	var lot types.Lot
	require.NoError(t, db.Where("sandbox_id = ? AND symbol = ?", sandbox.SandboxID, "AAPL").First(&lot).Error)
	assert.True(t, lot.Quantity.Equal(dec("10")))
}

func TestIdempotencySweep(t *testing.T) {
	service, db := setupTestService(t, &stubProvider{})

	require.NoError(t, db.Create(&types.IdempotencyRecord{
		IdempotencyKey: "expired",
		ResourceID:     "t-1",
		ResourceType:   "transaction",
		ExpiresAt:      time.Now().Add(-time.Hour),
	}).Error)
	require.NoError(t, db.Create(&types.IdempotencyRecord{
		IdempotencyKey: "live",
		ResourceID:     "t-2",
		ResourceType:   "transaction",
		ExpiresAt:      time.Now().Add(time.Hour),
	}).Error)

	removed, err := service.GetDB().DeleteExpiredIdempotencyRecords(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	record, err := service.GetDB().GetIdempotencyRecord("live")
	require.NoError(t, err)
	assert.NotNil(t, record)
}
