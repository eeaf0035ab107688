package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor sweeps expired idempotency records in the background. Trade
// idempotency keys live for 24 hours; without the sweep the table grows
// unbounded.
type Processor struct {
	db            *Database
	sweepInterval time.Duration
}

func NewProcessor(db *Database) *Processor {
	return &Processor{
		db:            db,
		sweepInterval: 5 * time.Minute, // Configurable sweep interval
	}
}

// Start begins the sweep loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_sweeper").Logger()
	logger.Info().Msg("starting idempotency sweeper")

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency sweeper")
			return
		case <-ticker.C:
			removed, err := p.db.DeleteExpiredIdempotencyRecords(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("failed to sweep expired idempotency records")
				continue
			}
			if removed > 0 {
				logger.Info().Int64("removed", removed).Msg("swept expired idempotency records")
			}
		}
	}
}
