// Package expiry runs the background sweep that retires time-limited state:
// tier upgrades past their expiry fall back to the standard tier, and point
// earns past their expires_at are clawed back with an expire transaction.
//
// The sweep is idempotent. Every individual retirement re-checks its
// precondition under the account lock, so a sweep racing a redemption or a
// second sweeper process never double-expires.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchcardhq/punchcard/internal/ledger"
)

// Sweeper periodically expires tiers and point earns.
type Sweeper struct {
	led      *ledger.Ledger
	interval time.Duration
	log      *slog.Logger
}

// New creates a sweeper that runs every interval.
func New(led *ledger.Ledger, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{led: led, interval: interval, log: log}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("expiry sweeper started", "interval", s.interval)

	s.Sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep performs one pass at the given instant. Per-item failures are logged
// and skipped; the remaining work of the pass still runs.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.sweepTiers(ctx, now)
	s.sweepPoints(ctx, now)
}

func (s *Sweeper) sweepTiers(ctx context.Context, now time.Time) {
	customers, err := s.led.ExpiredTierAccounts(ctx, now)
	if err != nil {
		s.log.Error("expired tier scan failed", "error", err)
		return
	}
	for _, customer := range customers {
		reset, err := s.led.ResetExpiredTier(ctx, customer, now)
		if err != nil {
			s.log.Error("tier reset failed", "customer_id", customer, "error", err)
			continue
		}
		if reset {
			s.log.Info("tier expired", "customer_id", customer)
		}
	}
}

func (s *Sweeper) sweepPoints(ctx context.Context, now time.Time) {
	earns, err := s.led.ExpirablePointEarns(ctx, now)
	if err != nil {
		s.log.Error("expirable earn scan failed", "error", err)
		return
	}
	for _, earn := range earns {
		txn, err := s.led.ExpirePointEarn(ctx, earn)
		if err != nil {
			s.log.Error("point expiry failed",
				"customer_id", earn.CustomerID, "earn_tx_id", earn.TxID, "error", err)
			continue
		}
		if txn != nil {
			s.log.Info("points expired",
				"customer_id", earn.CustomerID, "earn_tx_id", earn.TxID, "points", -txn.PointsChange)
		}
	}
}
