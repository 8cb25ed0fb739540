// internal/rules/evaluate.go
package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchcardhq/punchcard/internal/types"
)

/*
 * Rule evaluation orchestration.
 *
 * Evaluates a consistent rule snapshot against an incoming event using
 * read-only aggregate state. Produces zero or more Matches; issuing the
 * rewards (and re-validating caps under the account lock) is the issuer's
 * job.
 *
 * Evaluation flow:
 *   1. Select the snapshot slice for the event's trigger types
 *   2. Per rule: read the aggregates the trigger needs, apply its predicate
 *   3. Record the mark update the issuer must commit alongside the reward
 *      (spend high-water-mark, frequency last-rewarded timestamp)
 *
 * Isolation: a rule failing to evaluate (missing aggregate, storage error)
 * is logged and skipped; it never blocks the remaining rules or the order.
 *
 * Determinism: for a fixed snapshot and fixed aggregate state the result is
 * fully determined. Rules are visited in creation order (snapshot order),
 * the only tie-break the contract specifies.
 */

// Event kinds consumed by the evaluator.
const (
	EventOrderCompleted    = "order_completed"
	EventReferralCompleted = "referral_completed"
)

// ReferralContext carries the referral tracker's completion report into
// evaluation and through to issuance.
type ReferralContext struct {
	ReferralID  types.ReferralID
	ReferrerID  types.CustomerID
	RefereeID   types.CustomerID
	OrderID     types.OrderID
	OrderAmount int64
}

// Event is one evaluation input. Order is always the triggering order;
// Referral is set only for referral_completed events.
type Event struct {
	Kind     string
	Order    types.OrderCompleted
	Referral *ReferralContext
}

// Mark is the per-rule per-customer firing state read from storage.
type Mark struct {
	HighWater      int64
	LastRewardedAt *time.Time
}

// Aggregates is read access to the running per-customer state the trigger
// predicates evaluate against. Implemented by the ledger's order-event store.
type Aggregates interface {
	OrderCount(ctx context.Context, customer types.CustomerID) (int64, error)
	OrderCountSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error)
	LifetimeSpend(ctx context.Context, customer types.CustomerID) (int64, error)
	SpendSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error)
	RuleMark(ctx context.Context, rule types.RuleID, customer types.CustomerID) (Mark, error)
	MonthlyIssueCount(ctx context.Context, rule types.RuleID, customer types.CustomerID, at time.Time) (int64, error)
}

// Match is one rule that fired for an event. Target is the account that
// receives the reward (the referrer for REFERRAL rules, otherwise the
// ordering customer). Mark updates ride along so the issuer can commit them
// atomically with the reward.
type Match struct {
	Rule   *CompiledRule
	Target types.CustomerID

	SetHighWater   bool
	NewHighWater   int64
	SetRewardedAt  bool
	RewardedAt     time.Time
	Referral       *ReferralContext
}

// Evaluator applies a rule snapshot to events.
type Evaluator struct {
	agg Aggregates
	log *slog.Logger
}

// NewEvaluator creates an evaluator over the given aggregate reader.
func NewEvaluator(agg Aggregates, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{agg: agg, log: log}
}

// Evaluate returns the matches for one event against one rule snapshot.
// Never returns an error: per-rule failures are logged and skipped.
func (e *Evaluator) Evaluate(ctx context.Context, snap *Snapshot, ev Event) []Match {
	var matches []Match

	var triggerTypes []string
	switch ev.Kind {
	case EventOrderCompleted:
		triggerTypes = []string{types.TriggerOrderCount, types.TriggerFrequency, types.TriggerSpend}
	case EventReferralCompleted:
		triggerTypes = []string{types.TriggerReferral}
	default:
		e.log.Warn("unknown event kind, skipping evaluation", "kind", ev.Kind)
		return nil
	}

	for _, tt := range triggerTypes {
		for _, rule := range snap.ForTrigger(tt) {
			m, ok, err := e.evaluateRule(ctx, rule, ev)
			if err != nil {
				e.log.Warn("rule evaluation failed, skipping rule",
					"rule_id", rule.ID, "rule_name", rule.Name, "error", err)
				continue
			}
			if ok {
				matches = append(matches, m)
			}
		}
	}

	return matches
}

// evaluateRule applies one rule's predicate to the event.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *CompiledRule, ev Event) (Match, bool, error) {
	switch rule.TriggerType {
	case types.TriggerOrderCount:
		return e.evalOrderCount(ctx, rule, ev)
	case types.TriggerFrequency:
		return e.evalFrequency(ctx, rule, ev)
	case types.TriggerSpend:
		return e.evalSpend(ctx, rule, ev)
	case types.TriggerReferral:
		return e.evalReferral(ctx, rule, ev)
	default:
		return Match{}, false, nil
	}
}

// evalOrderCount matches on the Nth, 2Nth, ... lifetime order.
// The intake records the triggering order before evaluation, so the count
// includes the current order.
func (e *Evaluator) evalOrderCount(ctx context.Context, rule *CompiledRule, ev Event) (Match, bool, error) {
	n, err := e.agg.OrderCount(ctx, ev.Order.CustomerID)
	if err != nil {
		return Match{}, false, err
	}
	if n <= 0 || n%rule.OrderCount.Threshold != 0 {
		return Match{}, false, nil
	}
	return Match{Rule: rule, Target: ev.Order.CustomerID}, true, nil
}

// evalFrequency matches when the trailing window holds enough orders and the
// rule has not already rewarded inside that window.
func (e *Evaluator) evalFrequency(ctx context.Context, rule *CompiledRule, ev Event) (Match, bool, error) {
	windowStart := ev.Order.Timestamp.Add(-time.Duration(rule.Frequency.NDays) * 24 * time.Hour)

	count, err := e.agg.OrderCountSince(ctx, ev.Order.CustomerID, windowStart)
	if err != nil {
		return Match{}, false, err
	}
	if count < rule.Frequency.NOrders {
		return Match{}, false, nil
	}

	mark, err := e.agg.RuleMark(ctx, rule.ID, ev.Order.CustomerID)
	if err != nil {
		return Match{}, false, err
	}
	// At most one reward per qualifying window.
	if mark.LastRewardedAt != nil && !mark.LastRewardedAt.Before(windowStart) {
		return Match{}, false, nil
	}

	return Match{
		Rule:          rule,
		Target:        ev.Order.CustomerID,
		SetRewardedAt: true,
		RewardedAt:    ev.Order.Timestamp,
	}, true, nil
}

// evalSpend matches when cumulative spend first reaches the threshold.
// The high-water-mark is monotonic: once spend has crossed, the rule never
// re-fires for the same customer, even if a windowed sum later falls and
// rises again.
func (e *Evaluator) evalSpend(ctx context.Context, rule *CompiledRule, ev Event) (Match, bool, error) {
	var total int64
	var err error
	if rule.Spend.WindowDays == 0 {
		total, err = e.agg.LifetimeSpend(ctx, ev.Order.CustomerID)
	} else {
		since := ev.Order.Timestamp.Add(-time.Duration(rule.Spend.WindowDays) * 24 * time.Hour)
		total, err = e.agg.SpendSince(ctx, ev.Order.CustomerID, since)
	}
	if err != nil {
		return Match{}, false, err
	}
	if total < rule.Spend.Amount {
		return Match{}, false, nil
	}

	mark, err := e.agg.RuleMark(ctx, rule.ID, ev.Order.CustomerID)
	if err != nil {
		return Match{}, false, err
	}
	if mark.HighWater >= rule.Spend.Amount {
		return Match{}, false, nil
	}

	return Match{
		Rule:         rule,
		Target:       ev.Order.CustomerID,
		SetHighWater: true,
		NewHighWater: total,
	}, true, nil
}

// evalReferral matches a completed referral against minimum order value and
// the referrer's monthly cap. The cap is re-checked by the issuer under the
// referrer's account lock; this check only avoids pointless issuance work.
func (e *Evaluator) evalReferral(ctx context.Context, rule *CompiledRule, ev Event) (Match, bool, error) {
	ref := ev.Referral
	if ref == nil {
		return Match{}, false, nil
	}
	if ref.OrderAmount < rule.Referral.MinimumOrderValue {
		return Match{}, false, nil
	}

	granted, err := e.agg.MonthlyIssueCount(ctx, rule.ID, ref.ReferrerID, ev.Order.Timestamp)
	if err != nil {
		return Match{}, false, err
	}
	if granted >= rule.Referral.CapMonthly {
		return Match{}, false, nil
	}

	return Match{
		Rule:     rule,
		Target:   ref.ReferrerID,
		Referral: ref,
	}, true, nil
}
