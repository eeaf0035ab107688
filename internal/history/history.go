package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/folio-api/internal/prices"
	"github.com/ksred/folio-api/internal/types"
)

// CurveTTL is how long a reconstructed equity curve is served from the
// process-local cache. A trade invalidates the entry immediately.
const CurveTTL = 900 * time.Second

// cachedCurve is one cached reconstruction result, advisory included so a
// degraded fallback stays flagged for its whole cache lifetime.
type cachedCurve struct {
	points   []types.EquityPoint
	advisory error
}

// Service reconstructs day-by-day equity curves from the transaction ledger
// and historical closes, persisting them as snapshots so steady-state reads
// never replay history.
type Service struct {
	db     *Database
	prices *prices.Cache
	curves *gocache.Cache

	// now is injectable for deterministic reconstruction tests
	now func() time.Time
}

// NewService creates a new history service with the given database connection
// and price cache
func NewService(gormDB *gorm.DB, priceCache *prices.Cache) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		prices: priceCache,
		curves: gocache.New(CurveTTL, 10*time.Minute),
		now:    time.Now,
	}
}

// EquityCurve returns the sandbox's day-by-day equity curve.
//
// Steady state: two or more persisted snapshots exist and are returned
// directly. Cold start: the full curve is reconstructed by replaying the
// transaction log against gap-filled historical closes, persisting every
// day's snapshot along the way. If seeding fails the curve degrades to a
// flat two-point fallback and the returned error is a non-fatal
// *types.HistorySeedError advisory; the caller's view must not fail on it.
func (s *Service) EquityCurve(ctx context.Context, sandbox *types.Sandbox, transactions []types.Transaction) ([]types.EquityPoint, error) {
	if entry, ok := s.curves.Get(sandbox.SandboxID); ok {
		cached := entry.(cachedCurve)
		return cached.points, cached.advisory
	}

	logger := log.With().
		Str("component", "history").
		Str("sandbox_id", sandbox.SandboxID).
		Logger()

	snapshots, err := s.db.GetSnapshots(sandbox.SandboxID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read snapshots")
		return s.fallbackCurve(sandbox, &types.HistorySeedError{Cause: err})
	}

	if len(snapshots) >= 2 {
		points := snapshotPoints(snapshots)
		s.curves.Set(sandbox.SandboxID, cachedCurve{points: points}, CurveTTL)
		logger.Debug().Int("snapshots", len(snapshots)).Msg("serving equity curve from snapshots")
		return points, nil
	}

	points, err := s.seed(ctx, sandbox, transactions)
	if err != nil {
		logger.Warn().Err(err).Msg("history seeding failed, serving fallback curve")
		return s.fallbackCurve(sandbox, &types.HistorySeedError{Cause: err})
	}

	s.curves.Set(sandbox.SandboxID, cachedCurve{points: points}, CurveTTL)
	logger.Info().Int("days", len(points)).Msg("equity history seeded")
	return points, nil
}

// seed replays the full transaction log day by day from the reconstruction
// start date to today, valuing holdings at each day's gap-filled close and
// persisting every day's snapshot. Deterministic for a fixed log and series.
func (s *Service) seed(ctx context.Context, sandbox *types.Sandbox, transactions []types.Transaction) ([]types.EquityPoint, error) {
	sorted := make([]types.Transaction, len(transactions))
	copy(sorted, transactions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ExecutedAt.Equal(sorted[j].ExecutedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].ExecutedAt.Before(sorted[j].ExecutedAt)
	})

	start := sandbox.CreatedAt
	if len(sorted) > 0 && sorted[0].ExecutedAt.Before(start) {
		start = sorted[0].ExecutedAt
	}
	today := s.now()

	symbols := tradedSymbols(sorted)

	closes := make(map[string]map[string]decimal.Decimal)
	if len(symbols) > 0 {
		var err error
		closes, err = s.prices.HistoricalCloses(ctx, symbols, start, today)
		if err != nil {
			return nil, err
		}
	}

	// Group transactions by execution day, preserving execution order
	byDay := make(map[string][]types.Transaction)
	for _, tx := range sorted {
		key := prices.DayKey(tx.ExecutedAt)
		byDay[key] = append(byDay[key], tx)
	}

	cash := sandbox.InitialBalance
	holdings := make(map[string]decimal.Decimal)

	var points []types.EquityPoint
	startDay := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	endDay := time.Date(today.UTC().Year(), today.UTC().Month(), today.UTC().Day(), 0, 0, 0, 0, time.UTC)

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		key := prices.DayKey(day)

		for _, tx := range byDay[key] {
			amount := tx.Price.Mul(tx.Quantity)
			switch tx.Side {
			case types.SideBuy:
				cash = cash.Sub(amount)
				holdings[tx.Symbol] = holdings[tx.Symbol].Add(tx.Quantity)
			case types.SideSell:
				cash = cash.Add(amount)
				remaining := holdings[tx.Symbol].Sub(tx.Quantity)
				if remaining.LessThanOrEqual(types.LotEpsilon) {
					delete(holdings, tx.Symbol)
				} else {
					holdings[tx.Symbol] = remaining
				}
			}
		}

		// Value the day's holdings at the gap-filled close; symbols with no
		// price data contribute zero for the day
		holdingsValue := decimal.Zero
		for symbol, quantity := range holdings {
			series, ok := closes[symbol]
			if !ok {
				continue
			}
			price, ok := series[key]
			if !ok {
				continue
			}
			holdingsValue = holdingsValue.Add(price.Mul(quantity))
		}

		total := cash.Add(holdingsValue)

		if err := s.db.UpsertSnapshot(&types.EquitySnapshot{
			SandboxID:     sandbox.SandboxID,
			SnapshotDate:  key,
			TotalEquity:   total,
			CashBalance:   cash,
			HoldingsValue: holdingsValue,
			WrittenAt:     s.now(),
		}); err != nil {
			return nil, fmt.Errorf("failed to persist snapshot for %s: %w", key, err)
		}

		points = append(points, types.EquityPoint{
			Timestamp: day.UnixMilli(),
			Value:     total,
		})
	}

	return points, nil
}

// WriteDailySnapshot upserts today's equity snapshot. Called after every
// executed trade and once per portfolio view, so the curve reflects
// trade-time jumps between daily views. Idempotent: latest write wins.
func (s *Service) WriteDailySnapshot(sandboxID string, total, cash, holdingsValue decimal.Decimal) error {
	return s.db.UpsertSnapshot(&types.EquitySnapshot{
		SandboxID:     sandboxID,
		SnapshotDate:  prices.DayKey(s.now()),
		TotalEquity:   total,
		CashBalance:   cash,
		HoldingsValue: holdingsValue,
		WrittenAt:     s.now(),
	})
}

// Invalidate drops the cached curve for a sandbox so the next view reflects
// a just-executed trade.
func (s *Service) Invalidate(sandboxID string) {
	s.curves.Delete(sandboxID)
}

// PurgeSandbox removes all persisted history for a deleted sandbox.
func (s *Service) PurgeSandbox(sandboxID string) error {
	s.curves.Delete(sandboxID)
	return s.db.DeleteSnapshots(sandboxID)
}

// fallbackCurve is the degraded result when seeding is impossible: a flat
// two-point line from creation to now at the initial balance, plus the
// advisory. Cached like a real curve so a flapping provider is not hammered.
func (s *Service) fallbackCurve(sandbox *types.Sandbox, advisory *types.HistorySeedError) ([]types.EquityPoint, error) {
	points := []types.EquityPoint{
		{Timestamp: sandbox.CreatedAt.UnixMilli(), Value: sandbox.InitialBalance},
		{Timestamp: s.now().UnixMilli(), Value: sandbox.InitialBalance},
	}
	s.curves.Set(sandbox.SandboxID, cachedCurve{points: points, advisory: advisory}, CurveTTL)
	return points, advisory
}

func snapshotPoints(snapshots []types.EquitySnapshot) []types.EquityPoint {
	points := make([]types.EquityPoint, 0, len(snapshots))
	for _, snap := range snapshots {
		day, err := time.ParseInLocation("2006-01-02", snap.SnapshotDate, time.UTC)
		if err != nil {
			continue
		}
		points = append(points, types.EquityPoint{
			Timestamp: day.UnixMilli(),
			Value:     snap.TotalEquity,
		})
	}
	return points
}

func tradedSymbols(transactions []types.Transaction) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, tx := range transactions {
		if !seen[tx.Symbol] {
			seen[tx.Symbol] = true
			symbols = append(symbols, tx.Symbol)
		}
	}
	return symbols
}
