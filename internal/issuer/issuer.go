// Package issuer converts evaluator matches into committed rewards.
//
// One Issue call is one atomic unit: cap re-check, referral grant
// transition, balance/tier mutation, mark update and ledger row all commit in
// a single database transaction under the target account's lock. Any failure
// rolls the whole unit back, so a reward either fully exists with its audit
// row or never happened.
package issuer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/referral"
	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Issuer commits matched rewards to the ledger.
type Issuer struct {
	led     *ledger.Ledger
	q       *db.Queries
	tracker *referral.Tracker
	log     *slog.Logger
}

// New creates an issuer.
func New(led *ledger.Ledger, q *db.Queries, tracker *referral.Tracker, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{led: led, q: q, tracker: tracker, log: log}
}

// Issue commits one match. Returns the earn transaction written to the
// ledger, or nil when a concurrent delivery already granted the underlying
// referral. Returns types.ErrCapExceeded, with no mutation at all, when the
// rule's monthly cap for this customer is already reached.
func (i *Issuer) Issue(ctx context.Context, match rules.Match) (*types.LoyaltyTransaction, error) {
	rule := match.Rule
	now := time.Now().UTC()

	var txn *types.LoyaltyTransaction
	err := i.led.WithAccount(ctx, match.Target, func(tx *sqlx.Tx) error {
		// Evaluation ran outside the lock; the cap count can have moved.
		if err := i.checkCap(tx, rule, match.Target, now); err != nil {
			return err
		}

		// The once-only mark can have moved too: two concurrent orders may
		// both evaluate against the zero mark. Re-read it here and drop the
		// loser, the same way a lost referral grant is dropped below.
		needsMark := match.SetHighWater || match.SetRewardedAt
		var cur markState
		markExists := false
		if needsMark {
			var err error
			cur, markExists, err = i.readMark(tx, rule.ID, match.Target)
			if err != nil {
				return err
			}
			if markSuppressed(rule, match, cur) {
				i.log.Info("rule already rewarded for this state, skipping",
					"rule_id", rule.ID, "customer_id", match.Target)
				return nil
			}
		}

		if match.Referral != nil {
			granted, err := i.tracker.GrantTx(tx, match.Referral.ReferralID)
			if err != nil {
				return err
			}
			if !granted {
				// Another delivery of the same referral won the transition.
				i.log.Info("referral reward already granted, skipping",
					"referral_id", match.Referral.ReferralID, "rule_id", rule.ID)
				return nil
			}
		}

		var err error
		txn, err = i.applyReward(tx, rule, match, now)
		if err != nil {
			return err
		}

		if needsMark {
			if err := i.writeMark(tx, rule.ID, match, cur, markExists); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if txn != nil {
		i.log.Info("reward issued",
			"rule_id", rule.ID, "rule_name", rule.Name, "customer_id", match.Target,
			"reward_type", rule.Reward.Type, "points", txn.PointsChange, "tx_id", txn.TxID)
	}
	return txn, nil
}

// checkCap enforces the rule's monthly issuance cap inside the account
// critical section. The effective cap is the reward's cap_monthly and, for
// referral rules, the trigger's cap_monthly; the tighter one wins.
func (i *Issuer) checkCap(tx *sqlx.Tx, rule *rules.CompiledRule, customer types.CustomerID, now time.Time) error {
	limit := rule.Reward.CapMonthly
	if rule.Referral != nil && rule.Referral.CapMonthly > 0 && (limit == 0 || rule.Referral.CapMonthly < limit) {
		limit = rule.Referral.CapMonthly
	}
	if limit <= 0 {
		return nil
	}

	text, err := i.q.Raw("monthly-issue-count")
	if err != nil {
		return err
	}
	start, end := ledger.MonthRange(now)
	var issued int64
	if err := tx.Get(&issued, text, rule.ID, customer, start, end); err != nil {
		return fmt.Errorf("monthly issue count: %w", err)
	}
	if issued >= limit {
		return fmt.Errorf("%w: rule %q issued %d of %d this month for customer %s",
			types.ErrCapExceeded, rule.Name, issued, limit, customer)
	}
	return nil
}

// applyReward mutates the account per the reward variant and appends the
// earn row that records the issuance.
func (i *Issuer) applyReward(tx *sqlx.Tx, rule *rules.CompiledRule, match rules.Match, now time.Time) (*types.LoyaltyTransaction, error) {
	reward := rule.Reward
	ruleID := rule.ID

	txn := &types.LoyaltyTransaction{
		CustomerID: match.Target,
		RuleID:     &ruleID,
		Kind:       types.TxKindEarn,
		RewardType: reward.Type,
	}
	meta := map[string]interface{}{}

	switch reward.Type {
	case types.RewardPoints:
		if err := i.led.ApplyBalance(tx, match.Target, reward.Amount); err != nil {
			return nil, err
		}
		txn.PointsChange = reward.Amount
		txn.Description = fmt.Sprintf("Earned %d points (%s)", reward.Amount, rule.Name)
		if reward.ExpiresAfterDays > 0 {
			exp := now.AddDate(0, 0, int(reward.ExpiresAfterDays))
			txn.ExpiresAt = &exp
		}

	case types.RewardCoupon:
		txn.Description = fmt.Sprintf("Coupon %s (%s)", reward.Code, rule.Name)
		meta["code"] = reward.Code
		meta["discount"] = reward.Discount

	case types.RewardFreeService:
		txn.Description = fmt.Sprintf("Free service: %s (%s)", reward.Service, rule.Name)
		meta["service"] = reward.Service

	case types.RewardTierUpgrade:
		var expiry *time.Time
		if reward.DurationDays > 0 {
			e := now.AddDate(0, 0, int(reward.DurationDays))
			expiry = &e
		}
		if err := i.led.SetTier(tx, match.Target, reward.Tier, expiry); err != nil {
			return nil, err
		}
		txn.Description = fmt.Sprintf("Upgraded to %s tier (%s)", reward.Tier, rule.Name)
		meta["tier"] = reward.Tier
		if reward.DurationDays > 0 {
			meta["duration_days"] = reward.DurationDays
		}

	default:
		return nil, fmt.Errorf("%w: reward type %q", types.ErrUnknownReward, reward.Type)
	}

	if reward.Description != "" {
		txn.Description = reward.Description
	}

	if match.Referral != nil {
		orderID := match.Referral.OrderID
		txn.OrderID = &orderID
		meta["referral_id"] = match.Referral.ReferralID
		meta["referee_id"] = match.Referral.RefereeID
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode reward metadata: %w", err)
		}
		txn.Metadata = raw
	}

	if err := i.led.Append(tx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// markState is the persisted firing state of one rule for one customer.
type markState struct {
	HighWater      int64      `db:"high_water"`
	LastRewardedAt *time.Time `db:"last_rewarded_at"`
}

// readMark loads the mark row inside the issuing transaction. The second
// return reports whether the row exists.
func (i *Issuer) readMark(tx *sqlx.Tx, ruleID types.RuleID, customer types.CustomerID) (markState, bool, error) {
	var cur markState
	read, err := i.q.Raw("rule-mark")
	if err != nil {
		return cur, false, err
	}
	if err := tx.Get(&cur, read, ruleID, customer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cur, false, nil
		}
		return cur, false, fmt.Errorf("read rule mark: %w", err)
	}
	return cur, true, nil
}

// markSuppressed re-applies the evaluator's once-only predicates against the
// mark as read under the account lock. A match whose mark has already been
// claimed by a concurrent issuance loses.
func markSuppressed(rule *rules.CompiledRule, match rules.Match, cur markState) bool {
	if match.SetHighWater && rule.Spend != nil && cur.HighWater >= rule.Spend.Amount {
		return true
	}
	if match.SetRewardedAt && rule.Frequency != nil && cur.LastRewardedAt != nil {
		windowStart := match.RewardedAt.Add(-time.Duration(rule.Frequency.NDays) * 24 * time.Hour)
		if !cur.LastRewardedAt.Before(windowStart) {
			return true
		}
	}
	return false
}

// writeMark persists the firing state the evaluator asked to record, merged
// over the mark read earlier in the same transaction, so the mark and the
// reward commit together.
func (i *Issuer) writeMark(tx *sqlx.Tx, ruleID types.RuleID, match rules.Match, cur markState, exists bool) error {
	highWater := cur.HighWater
	if match.SetHighWater && match.NewHighWater > highWater {
		highWater = match.NewHighWater
	}
	rewardedAt := cur.LastRewardedAt
	if match.SetRewardedAt {
		t := match.RewardedAt.UTC()
		rewardedAt = &t
	}

	name := "insert-rule-mark"
	args := []interface{}{ruleID, match.Target, highWater, rewardedAt, time.Now().UTC()}
	if exists {
		name = "update-rule-mark"
		args = []interface{}{highWater, rewardedAt, time.Now().UTC(), ruleID, match.Target}
	}
	text, err := i.q.Raw(name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(text, args...); err != nil {
		return fmt.Errorf("write rule mark: %w", err)
	}
	return nil
}
