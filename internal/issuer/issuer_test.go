package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/referral"
	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

var seq atomic.Int64

type fixture struct {
	iss     *Issuer
	led     *ledger.Ledger
	tracker *referral.Tracker
}

func testIssuer(t *testing.T) *fixture {
	t.Helper()

	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queries, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("load queries: %v", err)
	}

	newCode := func() string {
		return fmt.Sprintf("TESTC%03d", seq.Add(1))
	}
	led := ledger.New(conn, queries, newCode, nil)
	tracker := referral.NewTracker(led, queries, nil)
	return &fixture{
		iss:     New(led, queries, tracker, nil),
		led:     led,
		tracker: tracker,
	}
}

func mustAccount(t *testing.T, f *fixture, customer types.CustomerID) {
	t.Helper()
	if _, err := f.led.GetAccount(context.Background(), customer); err != nil {
		t.Fatal(err)
	}
}

func compileRule(t *testing.T, trigger string, triggerConfig, rewardConfig string) *rules.CompiledRule {
	t.Helper()
	compiled, err := rules.Compile(&types.LoyaltyRule{
		ID:            types.NewRuleID(),
		Name:          fmt.Sprintf("test-rule-%d", seq.Add(1)),
		TriggerType:   trigger,
		TriggerConfig: json.RawMessage(triggerConfig),
		RewardConfig:  json.RawMessage(rewardConfig),
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	return compiled
}

// completedReferral links and completes a referral so that a grant is the
// only remaining transition.
func completedReferral(t *testing.T, f *fixture, rule *rules.CompiledRule, referrer, referee types.CustomerID) *rules.ReferralContext {
	t.Helper()
	ctx := context.Background()

	acct, err := f.led.GetAccount(ctx, referrer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.tracker.Link(ctx, acct.ReferralCode, referee); err != nil {
		t.Fatalf("Link() error = %v, want nil", err)
	}
	snap := rules.NewSnapshot([]*rules.CompiledRule{rule})
	refCtx, err := f.tracker.OnOrderCompleted(ctx, snap, types.OrderCompleted{
		OrderID:    types.OrderID(fmt.Sprintf("order-%d", seq.Add(1))),
		CustomerID: referee,
		Amount:     5000,
		Pieces:     1,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if refCtx == nil {
		t.Fatal("referral did not complete")
	}
	return refCtx
}

func TestIssue_Points(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerOrderCount,
		`{"threshold": 5}`,
		`{"type": "POINTS", "amount": 100, "expires_after_days": 30}`)

	txn, err := f.iss.Issue(ctx, rules.Match{
		Rule:         rule,
		Target:       "cust-1",
		SetHighWater: true,
		NewHighWater: 5,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v, want nil", err)
	}
	if txn == nil {
		t.Fatal("Issue() returned nil transaction")
	}
	if txn.PointsChange != 100 || txn.Kind != types.TxKindEarn {
		t.Errorf("txn = %d points kind %q, want 100 earn", txn.PointsChange, txn.Kind)
	}
	if txn.RuleID == nil || *txn.RuleID != rule.ID {
		t.Errorf("RuleID = %v, want %s", txn.RuleID, rule.ID)
	}
	if txn.ExpiresAt == nil {
		t.Error("ExpiresAt = nil, want ~30 days out")
	} else if d := time.Until(*txn.ExpiresAt); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("ExpiresAt %v is not ~30 days out", txn.ExpiresAt)
	}

	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 100 {
		t.Errorf("PointsBalance = %d, want 100", acct.PointsBalance)
	}

	mark, err := f.led.RuleMark(ctx, rule.ID, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if mark.HighWater != 5 {
		t.Errorf("HighWater = %d, want 5", mark.HighWater)
	}
}

func TestIssue_CouponAndFreeService(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	coupon := compileRule(t, types.TriggerSpend,
		`{"amount": 2000}`,
		`{"type": "COUPON", "code": "SAVE10", "discount": 10}`)
	service := compileRule(t, types.TriggerOrderCount,
		`{"threshold": 10}`,
		`{"type": "FREE_SERVICE", "service": "express-pressing"}`)

	for _, rule := range []*rules.CompiledRule{coupon, service} {
		if _, err := f.iss.Issue(ctx, rules.Match{Rule: rule, Target: "cust-1"}); err != nil {
			t.Fatalf("Issue(%s) error = %v, want nil", rule.Reward.Type, err)
		}
	}

	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 0 {
		t.Errorf("PointsBalance = %d, want 0 for non-point rewards", acct.PointsBalance)
	}

	rewards, err := f.led.EligibleRewards(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rewards) != 2 {
		t.Fatalf("len(EligibleRewards) = %d, want 2", len(rewards))
	}

	var meta map[string]interface{}
	for _, r := range rewards {
		if r.RewardType != types.RewardCoupon {
			continue
		}
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
	}
	if meta["code"] != "SAVE10" {
		t.Errorf("coupon metadata code = %v, want SAVE10", meta["code"])
	}
}

func TestIssue_TierUpgrade(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerSpend,
		`{"amount": 50000}`,
		`{"type": "TIER_UPGRADE", "tier": "Gold", "duration_days": 365}`)

	if _, err := f.iss.Issue(ctx, rules.Match{Rule: rule, Target: "cust-1"}); err != nil {
		t.Fatalf("Issue() error = %v, want nil", err)
	}

	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tier != "Gold" {
		t.Errorf("Tier = %q, want Gold", acct.Tier)
	}
	if acct.TierExpiry == nil {
		t.Error("TierExpiry = nil, want ~365 days out")
	}
}

func TestIssue_MonthlyCap(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerOrderCount,
		`{"threshold": 1}`,
		`{"type": "POINTS", "amount": 50, "cap_monthly": 2}`)
	match := rules.Match{Rule: rule, Target: "cust-1"}

	for i := 0; i < 2; i++ {
		if _, err := f.iss.Issue(ctx, match); err != nil {
			t.Fatalf("Issue() #%d error = %v, want nil", i+1, err)
		}
	}

	_, err := f.iss.Issue(ctx, match)
	if !errors.Is(err, types.ErrCapExceeded) {
		t.Fatalf("Issue() over cap error = %v, want ErrCapExceeded", err)
	}

	// The refusal writes nothing.
	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 100 {
		t.Errorf("PointsBalance = %d, want 100", acct.PointsBalance)
	}
	txns, err := f.led.AccountTransactions(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Errorf("len(transactions) = %d, want 2", len(txns))
	}
}

func TestIssue_ReferralCapLeavesGrantPending(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	rule := compileRule(t, types.TriggerReferral,
		`{"minimum_order_value": 0, "cap_monthly": 1}`,
		`{"type": "POINTS", "amount": 250}`)

	first := completedReferral(t, f, rule, "referrer-1", "referee-1")
	second := completedReferral(t, f, rule, "referrer-1", "referee-2")

	if _, err := f.iss.Issue(ctx, rules.Match{Rule: rule, Target: "referrer-1", Referral: first}); err != nil {
		t.Fatalf("Issue() error = %v, want nil", err)
	}

	_, err := f.iss.Issue(ctx, rules.Match{Rule: rule, Target: "referrer-1", Referral: second})
	if !errors.Is(err, types.ErrCapExceeded) {
		t.Fatalf("Issue() over cap error = %v, want ErrCapExceeded", err)
	}

	// The capped referral is refused before the grant transition: it stays
	// completed with reward_granted false. Completed referrals are never
	// re-evaluated, so no reward is ever issued for it.
	refs, err := f.tracker.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range refs {
		switch ref.ReferralID {
		case first.ReferralID:
			if !ref.RewardGranted || ref.State != types.ReferralStateRewardGranted {
				t.Errorf("first referral = %+v, want reward_granted", ref)
			}
		case second.ReferralID:
			if ref.RewardGranted || ref.State != types.ReferralStateCompleted {
				t.Errorf("capped referral = %+v, want completed with reward_granted false", ref)
			}
		}
	}

	acct, err := f.led.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 250 {
		t.Errorf("PointsBalance = %d, want 250", acct.PointsBalance)
	}
}

func TestIssue_ReferralGrantAtMostOnce(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	rule := compileRule(t, types.TriggerReferral,
		`{"minimum_order_value": 0, "cap_monthly": 10}`,
		`{"type": "POINTS", "amount": 250}`)
	refCtx := completedReferral(t, f, rule, "referrer-1", "referee-1")
	match := rules.Match{Rule: rule, Target: "referrer-1", Referral: refCtx}

	txn, err := f.iss.Issue(ctx, match)
	if err != nil || txn == nil {
		t.Fatalf("first Issue() = (%v, %v), want transaction", txn, err)
	}
	if txn.OrderID == nil || *txn.OrderID != refCtx.OrderID {
		t.Errorf("OrderID = %v, want the qualifying order %s", txn.OrderID, refCtx.OrderID)
	}

	// Redelivery of the same match is absorbed without a second reward.
	txn, err = f.iss.Issue(ctx, match)
	if err != nil {
		t.Fatalf("second Issue() error = %v, want nil", err)
	}
	if txn != nil {
		t.Errorf("second Issue() = %+v, want nil", txn)
	}

	acct, err := f.led.GetAccount(ctx, "referrer-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 250 {
		t.Errorf("PointsBalance = %d, want 250", acct.PointsBalance)
	}
}

func TestIssue_MarkRecordsRewardedAt(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerFrequency,
		`{"n_orders": 3, "n_days": 30}`,
		`{"type": "POINTS", "amount": 75}`)

	rewardedAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if _, err := f.iss.Issue(ctx, rules.Match{
		Rule:          rule,
		Target:        "cust-1",
		SetRewardedAt: true,
		RewardedAt:    rewardedAt,
	}); err != nil {
		t.Fatalf("Issue() error = %v, want nil", err)
	}

	mark, err := f.led.RuleMark(ctx, rule.ID, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if mark.LastRewardedAt == nil || !mark.LastRewardedAt.Equal(rewardedAt) {
		t.Errorf("LastRewardedAt = %v, want %v", mark.LastRewardedAt, rewardedAt)
	}

	// Description override from the rule applies when set.
	txns, err := f.led.AccountTransactions(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("len(transactions) = %d, want 1", len(txns))
	}
}

// Two evaluations of a once-only SPEND rule can race: both read the zero
// high-water-mark outside the lock and produce the same match. Only the
// first commit may award.
func TestIssue_SpendMarkAtMostOnce(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerSpend,
		`{"amount": 2000}`,
		`{"type": "POINTS", "amount": 500}`)
	match := rules.Match{
		Rule:         rule,
		Target:       "cust-1",
		SetHighWater: true,
		NewHighWater: 2100,
	}

	txn, err := f.iss.Issue(ctx, match)
	if err != nil || txn == nil {
		t.Fatalf("first Issue() = (%v, %v), want transaction", txn, err)
	}

	txn, err = f.iss.Issue(ctx, match)
	if err != nil {
		t.Fatalf("second Issue() error = %v, want nil", err)
	}
	if txn != nil {
		t.Errorf("second Issue() = %+v, want nil", txn)
	}

	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 500 {
		t.Errorf("PointsBalance = %d, want 500 after one award", acct.PointsBalance)
	}
	txns, err := f.led.AccountTransactions(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Errorf("len(transactions) = %d, want 1", len(txns))
	}
}

// The frequency mark gets the same treatment: a second match inside the
// already-rewarded window is dropped under the lock.
func TestIssue_FrequencyMarkAtMostOncePerWindow(t *testing.T) {
	f := testIssuer(t)
	ctx := context.Background()

	mustAccount(t, f, "cust-1")

	rule := compileRule(t, types.TriggerFrequency,
		`{"n_orders": 3, "n_days": 30}`,
		`{"type": "POINTS", "amount": 75}`)

	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	match := rules.Match{
		Rule:          rule,
		Target:        "cust-1",
		SetRewardedAt: true,
		RewardedAt:    at,
	}

	if txn, err := f.iss.Issue(ctx, match); err != nil || txn == nil {
		t.Fatalf("first Issue() = (%v, %v), want transaction", txn, err)
	}

	// Same window, slightly later order.
	match.RewardedAt = at.Add(2 * time.Hour)
	txn, err := f.iss.Issue(ctx, match)
	if err != nil {
		t.Fatalf("second Issue() error = %v, want nil", err)
	}
	if txn != nil {
		t.Errorf("second Issue() inside the window = %+v, want nil", txn)
	}

	// A match whose window has moved past the mark awards again.
	match.RewardedAt = at.Add(31 * 24 * time.Hour)
	if txn, err := f.iss.Issue(ctx, match); err != nil || txn == nil {
		t.Fatalf("Issue() in a new window = (%v, %v), want transaction", txn, err)
	}

	acct, err := f.led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PointsBalance != 150 {
		t.Errorf("PointsBalance = %d, want 150 after two windows", acct.PointsBalance)
	}
}
