package reconciliation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/ledger"
)

// OpenRecords lists trade records still waiting for a terminal state.
type OpenRecords interface {
	OpenOlderThan(ctx context.Context, t time.Time) ([]ledger.Record, error)
}

// Resolver polls the broker for one open record and finalizes it when possible.
type Resolver interface {
	Resolve(ctx context.Context, rec ledger.Record) error
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Timestamp time.Time
	Checked   int
	Errors    int
}

// Sweeper periodically resolves trade records that outlived the engine's poll
// budget, so pending outcomes do not wait for the next signal on that bot.
type Sweeper struct {
	records  OpenRecords
	resolver Resolver
	interval time.Duration
	minAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. Records younger than minAge are left to the
// cycle that created them.
func NewSweeper(records OpenRecords, resolver Resolver, interval, minAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		records:  records,
		resolver: resolver,
		interval: interval,
		minAge:   minAge,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins periodic sweeping until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("sweep failed", zap.Error(err))
					continue
				}
				if report.Checked > 0 {
					s.logger.Info("sweep completed",
						zap.Int("checked", report.Checked),
						zap.Int("errors", report.Errors),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("reconciliation sweeper started", zap.Duration("interval", s.interval))
}

// Sweep resolves every open record older than minAge once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Timestamp: s.now()}
	recs, err := s.records.OpenOlderThan(ctx, report.Timestamp.Add(-s.minAge))
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if err := s.resolver.Resolve(ctx, rec); err != nil {
			report.Errors++
			s.logger.Warn("resolve open trade",
				zap.String("trade_id", rec.ID),
				zap.String("bot_id", rec.BotID),
				zap.String("broker_order_id", rec.BrokerOrderID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}
