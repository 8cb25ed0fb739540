package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

/*
 * Aggregate reads for the trigger evaluator.
 *
 * The engine keeps its own copy of consumed order events (order_events) so
 * counts and spend windows are derivable without reaching back into the
 * host application's order store. The table's primary key doubles as the
 * intake idempotency barrier.
 *
 * Ledger implements rules.Aggregates.
 */

// RecordOrderEvent stores a consumed OrderCompleted event. Returns false when
// the order was already recorded; callers must then skip evaluation, which is
// what makes reward issuance at-most-once per event.
func (l *Ledger) RecordOrderEvent(ctx context.Context, ev types.OrderCompleted) (bool, error) {
	res, err := l.q.Exec(ctx, "insert-order-event",
		ev.OrderID, ev.CustomerID, ev.Amount, ev.Pieces,
		ev.Timestamp.UTC(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record order event %s: %w", ev.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record order event %s: %w", ev.OrderID, err)
	}
	return n == 1, nil
}

// OrderCount returns the customer's lifetime completed-order count.
func (l *Ledger) OrderCount(ctx context.Context, customer types.CustomerID) (int64, error) {
	var n int64
	if err := l.q.Get(ctx, "order-count", &n, customer); err != nil {
		return 0, fmt.Errorf("order count: %w", err)
	}
	return n, nil
}

// OrderCountSince returns the order count in the trailing window [since, now].
func (l *Ledger) OrderCountSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error) {
	var n int64
	if err := l.q.Get(ctx, "order-count-since", &n, customer, since.UTC()); err != nil {
		return 0, fmt.Errorf("order count since: %w", err)
	}
	return n, nil
}

// LifetimeSpend returns cumulative spend in minor units.
func (l *Ledger) LifetimeSpend(ctx context.Context, customer types.CustomerID) (int64, error) {
	var total int64
	if err := l.q.Get(ctx, "lifetime-spend", &total, customer); err != nil {
		return 0, fmt.Errorf("lifetime spend: %w", err)
	}
	return total, nil
}

// SpendSince returns spend in the trailing window [since, now].
func (l *Ledger) SpendSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error) {
	var total int64
	if err := l.q.Get(ctx, "spend-since", &total, customer, since.UTC()); err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// RuleMark reads the per-rule per-customer firing state. A missing row is
// the zero mark, not an error.
func (l *Ledger) RuleMark(ctx context.Context, rule types.RuleID, customer types.CustomerID) (rules.Mark, error) {
	var row struct {
		HighWater      int64      `db:"high_water"`
		LastRewardedAt *time.Time `db:"last_rewarded_at"`
	}
	err := l.q.Get(ctx, "rule-mark", &row, rule, customer)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Mark{}, nil
	}
	if err != nil {
		return rules.Mark{}, fmt.Errorf("rule mark: %w", err)
	}
	return rules.Mark{HighWater: row.HighWater, LastRewardedAt: row.LastRewardedAt}, nil
}

// MonthlyIssueCount counts earn transactions for a rule and customer in the
// calendar month containing at. Used for cap enforcement; the issuer re-runs
// it inside the account critical section.
func (l *Ledger) MonthlyIssueCount(ctx context.Context, rule types.RuleID, customer types.CustomerID, at time.Time) (int64, error) {
	start, end := MonthRange(at)
	var n int64
	if err := l.q.Get(ctx, "monthly-issue-count", &n, rule, customer, start, end); err != nil {
		return 0, fmt.Errorf("monthly issue count: %w", err)
	}
	return n, nil
}

// MonthRange returns the UTC calendar month boundaries containing at.
func MonthRange(at time.Time) (start, end time.Time) {
	at = at.UTC()
	start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
