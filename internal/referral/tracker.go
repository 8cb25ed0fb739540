// Package referral tracks the referral state machine: a code link is
// created, completed by the referee's first qualifying order, and marked
// reward_granted when the referrer's reward is issued. Each transition is a
// guarded UPDATE so it happens at most once no matter how often an event is
// redelivered.
package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Tracker manages referral links and their state transitions.
type Tracker struct {
	led *ledger.Ledger
	q   *db.Queries
	log *slog.Logger
}

// NewTracker creates a referral tracker.
func NewTracker(led *ledger.Ledger, q *db.Queries, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{led: led, q: q, log: log}
}

// Link records that the referee signed up through the given referral code.
//
// Abuse guards, all surfaced as types.ErrReferralAbuseDetected: self-referral,
// a referee who is already linked to any referral, and a referee whose contact
// fingerprint matches the referrer's (same person behind a fresh customer ID).
// An unknown code returns types.ErrCodeInvalid.
func (t *Tracker) Link(ctx context.Context, code string, referee types.CustomerID) (*types.Referral, error) {
	referrer, err := t.led.AccountByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrer.CustomerID == referee {
		return nil, fmt.Errorf("%w: customer %s used their own code", types.ErrReferralAbuseDetected, referee)
	}

	refereeAcct, err := t.led.GetAccount(ctx, referee)
	if err != nil {
		return nil, err
	}
	if refereeAcct.ContactFingerprint != "" && refereeAcct.ContactFingerprint == referrer.ContactFingerprint {
		return nil, fmt.Errorf("%w: referee %s shares a contact identity with referrer %s",
			types.ErrReferralAbuseDetected, referee, referrer.CustomerID)
	}

	var existing types.Referral
	err = t.q.Get(ctx, "referral-by-referee", &existing, referee)
	if err == nil {
		return nil, fmt.Errorf("%w: customer %s is already linked to referral %s",
			types.ErrReferralAbuseDetected, referee, existing.ReferralID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup referral for %s: %w", referee, err)
	}

	now := time.Now().UTC()
	ref := &types.Referral{
		ReferralID: types.NewReferralID(),
		Code:       code,
		ReferrerID: referrer.CustomerID,
		RefereeID:  referee,
		State:      types.ReferralStateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := t.q.Exec(ctx, "insert-referral",
		ref.ReferralID, ref.Code, ref.ReferrerID, ref.RefereeID, ref.CreatedAt, ref.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert referral: %w", err)
	}

	t.log.Info("referral linked",
		"referral_id", ref.ReferralID, "referrer_id", ref.ReferrerID, "referee_id", ref.RefereeID)
	return ref, nil
}

// OnOrderCompleted checks whether the order qualifies a pending referral and,
// if so, transitions it created -> completed and returns the evaluation
// context for the referrer's reward. Returns nil when the order's customer is
// not a referee, the referral already completed, or the order is below every
// active referral rule's minimum.
//
// The qualifying threshold is the lowest minimum_order_value among active
// referral rules in the snapshot; per-rule minimums are re-checked by the
// evaluator when the completed referral is scored.
func (t *Tracker) OnOrderCompleted(ctx context.Context, snap *rules.Snapshot, ev types.OrderCompleted) (*rules.ReferralContext, error) {
	var ref types.Referral
	err := t.q.Get(ctx, "referral-by-referee", &ref, ev.CustomerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup referral for %s: %w", ev.CustomerID, err)
	}
	if ref.State != types.ReferralStateCreated {
		return nil, nil
	}

	qualifies := false
	for _, rule := range snap.ForTrigger(types.TriggerReferral) {
		if ev.Amount >= rule.Referral.MinimumOrderValue {
			qualifies = true
			break
		}
	}
	if !qualifies {
		return nil, nil
	}

	res, err := t.q.Exec(ctx, "complete-referral", ev.OrderID, time.Now().UTC(), ref.ReferralID)
	if err != nil {
		return nil, fmt.Errorf("complete referral %s: %w", ref.ReferralID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("complete referral %s: %w", ref.ReferralID, err)
	}
	if n == 0 {
		// Lost the race with a concurrent delivery of the same order.
		return nil, nil
	}

	t.log.Info("referral completed",
		"referral_id", ref.ReferralID, "referrer_id", ref.ReferrerID,
		"referee_id", ref.RefereeID, "order_id", ev.OrderID)
	return &rules.ReferralContext{
		ReferralID:  ref.ReferralID,
		ReferrerID:  ref.ReferrerID,
		RefereeID:   ref.RefereeID,
		OrderID:     ev.OrderID,
		OrderAmount: ev.Amount,
	}, nil
}

// GrantTx transitions a completed referral to reward_granted inside the
// issuer's transaction. Returns false when the referral is not in the
// completed state or the reward was already granted, in which case the issuer
// must abort without writing a reward.
func (t *Tracker) GrantTx(tx *sqlx.Tx, referralID types.ReferralID) (bool, error) {
	text, err := t.q.Raw("grant-referral")
	if err != nil {
		return false, err
	}
	res, err := tx.Exec(text, time.Now().UTC(), referralID)
	if err != nil {
		return false, fmt.Errorf("grant referral %s: %w", referralID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("grant referral %s: %w", referralID, err)
	}
	return n == 1, nil
}

// List returns all referrals in creation order.
func (t *Tracker) List(ctx context.Context) ([]types.Referral, error) {
	var refs []types.Referral
	if err := t.q.Select(ctx, "list-referrals", &refs); err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	return refs, nil
}
