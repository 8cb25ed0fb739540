// internal/rules/evaluate_test.go
package rules

import (
	"context"
	"testing"
	"time"

	"github.com/punchcardhq/punchcard/internal/types"
)

// fakeAggregates returns fixed values; marks and monthly counts are per rule.
type fakeAggregates struct {
	orderCount      int64
	orderCountSince int64
	lifetimeSpend   int64
	spendSince      int64
	marks           map[types.RuleID]Mark
	monthlyIssued   map[types.RuleID]int64
}

func (f *fakeAggregates) OrderCount(ctx context.Context, customer types.CustomerID) (int64, error) {
	return f.orderCount, nil
}

func (f *fakeAggregates) OrderCountSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error) {
	return f.orderCountSince, nil
}

func (f *fakeAggregates) LifetimeSpend(ctx context.Context, customer types.CustomerID) (int64, error) {
	return f.lifetimeSpend, nil
}

func (f *fakeAggregates) SpendSince(ctx context.Context, customer types.CustomerID, since time.Time) (int64, error) {
	return f.spendSince, nil
}

func (f *fakeAggregates) RuleMark(ctx context.Context, rule types.RuleID, customer types.CustomerID) (Mark, error) {
	return f.marks[rule], nil
}

func (f *fakeAggregates) MonthlyIssueCount(ctx context.Context, rule types.RuleID, customer types.CustomerID, at time.Time) (int64, error) {
	return f.monthlyIssued[rule], nil
}

func newFakeAggregates() *fakeAggregates {
	return &fakeAggregates{
		marks:         make(map[types.RuleID]Mark),
		monthlyIssued: make(map[types.RuleID]int64),
	}
}

func compileOne(t *testing.T, rule *types.LoyaltyRule) *CompiledRule {
	t.Helper()
	compiled, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	return compiled
}

func orderEvent(customer types.CustomerID, amount int64, at time.Time) Event {
	return Event{
		Kind: EventOrderCompleted,
		Order: types.OrderCompleted{
			OrderID:    "order-001",
			CustomerID: customer,
			Amount:     amount,
			Pieces:     3,
			Timestamp:  at,
		},
	}
}

var evalTime = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func TestEvaluate_OrderCountMultiples(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerOrderCount,
		`{"threshold": 5}`, `{"type": "POINTS", "amount": 100}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	e := NewEvaluator(agg, nil)

	cases := []struct {
		count int64
		want  int
	}{
		{0, 0}, {1, 0}, {4, 0}, {5, 1}, {6, 0}, {10, 1}, {12, 0},
	}
	for _, tc := range cases {
		agg.orderCount = tc.count
		matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime))
		if len(matches) != tc.want {
			t.Errorf("count %d: matches = %d, want %d", tc.count, len(matches), tc.want)
		}
	}
}

// Twelve consecutive orders against threshold 5 produce rewards after the
// 5th and 10th order only.
func TestEvaluate_OrderCountTwelveOrders(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerOrderCount,
		`{"threshold": 5}`, `{"type": "POINTS", "amount": 100}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	e := NewEvaluator(agg, nil)

	total := 0
	for n := int64(1); n <= 12; n++ {
		agg.orderCount = n
		total += len(e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime)))
	}
	if total != 2 {
		t.Errorf("rewards over 12 orders = %d, want 2", total)
	}
}

func TestEvaluate_FrequencyOncePerWindow(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerFrequency,
		`{"n_orders": 3, "n_days": 30}`, `{"type": "POINTS", "amount": 150}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	agg.orderCountSince = 3
	e := NewEvaluator(agg, nil)

	matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime))
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if !matches[0].SetRewardedAt {
		t.Error("SetRewardedAt = false, want true")
	}
	if !matches[0].RewardedAt.Equal(evalTime) {
		t.Errorf("RewardedAt = %v, want %v", matches[0].RewardedAt, evalTime)
	}

	// Already rewarded inside the window: no match.
	inWindow := evalTime.Add(-10 * 24 * time.Hour)
	agg.marks[rule.ID] = Mark{LastRewardedAt: &inWindow}
	matches = e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime))
	if len(matches) != 0 {
		t.Errorf("matches = %d, want 0 after reward inside window", len(matches))
	}

	// Last reward before this window: matches again.
	before := evalTime.Add(-45 * 24 * time.Hour)
	agg.marks[rule.ID] = Mark{LastRewardedAt: &before}
	matches = e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime))
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1 for a fresh window", len(matches))
	}
}

func TestEvaluate_FrequencyBelowCount(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerFrequency,
		`{"n_orders": 3, "n_days": 30}`, `{"type": "POINTS", "amount": 150}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	agg.orderCountSince = 2
	e := NewEvaluator(agg, nil)

	matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1500, evalTime))
	if len(matches) != 0 {
		t.Errorf("matches = %d, want 0 below n_orders", len(matches))
	}
}

// Lifetime spend crossing the threshold fires exactly once; the recorded
// high-water-mark suppresses every later event.
func TestEvaluate_SpendCrossesOnce(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerSpend,
		`{"amount": 2000, "window_days": 0}`, `{"type": "POINTS", "amount": 500}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	e := NewEvaluator(agg, nil)

	// Orders 1-6 keep spend under the threshold.
	agg.lifetimeSpend = 1990
	if n := len(e.Evaluate(context.Background(), snap, orderEvent("cust-1", 300, evalTime))); n != 0 {
		t.Errorf("matches below threshold = %d, want 0", n)
	}

	// Order 7 crosses.
	agg.lifetimeSpend = 2150
	matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 160, evalTime))
	if len(matches) != 1 {
		t.Fatalf("matches at crossing = %d, want 1", len(matches))
	}
	if !matches[0].SetHighWater || matches[0].NewHighWater != 2150 {
		t.Errorf("high water = (%v, %d), want (true, 2150)", matches[0].SetHighWater, matches[0].NewHighWater)
	}

	// Mark recorded: later orders never re-fire.
	agg.marks[rule.ID] = Mark{HighWater: 2150}
	agg.lifetimeSpend = 9000
	if n := len(e.Evaluate(context.Background(), snap, orderEvent("cust-1", 500, evalTime))); n != 0 {
		t.Errorf("matches after crossing = %d, want 0", n)
	}
}

func TestEvaluate_SpendWindowed(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerSpend,
		`{"amount": 1000, "window_days": 30}`, `{"type": "POINTS", "amount": 50}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	agg.lifetimeSpend = 50000 // ignored for windowed rules
	agg.spendSince = 900
	e := NewEvaluator(agg, nil)

	if n := len(e.Evaluate(context.Background(), snap, orderEvent("cust-1", 100, evalTime))); n != 0 {
		t.Errorf("matches = %d, want 0 when window sum is below amount", n)
	}

	agg.spendSince = 1100
	if n := len(e.Evaluate(context.Background(), snap, orderEvent("cust-1", 200, evalTime))); n != 1 {
		t.Errorf("matches = %d, want 1 when window sum crosses", n)
	}
}

func TestEvaluate_ReferralTargetsReferrer(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerReferral,
		`{"minimum_order_value": 3000, "cap_monthly": 5}`, `{"type": "POINTS", "amount": 250}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	e := NewEvaluator(agg, nil)

	ev := orderEvent("referee-1", 3500, evalTime)
	ev.Kind = EventReferralCompleted
	ev.Referral = &ReferralContext{
		ReferralID:  "ref-001",
		ReferrerID:  "referrer-1",
		RefereeID:   "referee-1",
		OrderID:     ev.Order.OrderID,
		OrderAmount: 3500,
	}

	matches := e.Evaluate(context.Background(), snap, ev)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Target != "referrer-1" {
		t.Errorf("Target = %v, want referrer-1", matches[0].Target)
	}
	if matches[0].Referral == nil {
		t.Error("Referral context not carried into the match")
	}
}

func TestEvaluate_ReferralBelowMinimum(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerReferral,
		`{"minimum_order_value": 3000, "cap_monthly": 5}`, `{"type": "POINTS", "amount": 250}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	e := NewEvaluator(newFakeAggregates(), nil)

	ev := orderEvent("referee-1", 2999, evalTime)
	ev.Kind = EventReferralCompleted
	ev.Referral = &ReferralContext{
		ReferralID: "ref-001", ReferrerID: "referrer-1", RefereeID: "referee-1",
		OrderID: ev.Order.OrderID, OrderAmount: 2999,
	}

	if n := len(e.Evaluate(context.Background(), snap, ev)); n != 0 {
		t.Errorf("matches = %d, want 0 below minimum order value", n)
	}
}

func TestEvaluate_ReferralMonthlyCapReached(t *testing.T) {
	rule := compileOne(t, mkRule(types.TriggerReferral,
		`{"minimum_order_value": 0, "cap_monthly": 2}`, `{"type": "POINTS", "amount": 250}`))
	snap := NewSnapshot([]*CompiledRule{rule})
	agg := newFakeAggregates()
	agg.monthlyIssued[rule.ID] = 2
	e := NewEvaluator(agg, nil)

	ev := orderEvent("referee-1", 5000, evalTime)
	ev.Kind = EventReferralCompleted
	ev.Referral = &ReferralContext{
		ReferralID: "ref-001", ReferrerID: "referrer-1", RefereeID: "referee-1",
		OrderID: ev.Order.OrderID, OrderAmount: 5000,
	}

	if n := len(e.Evaluate(context.Background(), snap, ev)); n != 0 {
		t.Errorf("matches = %d, want 0 when the monthly cap is reached", n)
	}
}

func TestEvaluate_EventKindSelectsTriggers(t *testing.T) {
	orderRule := compileOne(t, mkRule(types.TriggerOrderCount,
		`{"threshold": 1}`, `{"type": "POINTS", "amount": 10}`))
	refRule := compileOne(t, mkRule(types.TriggerReferral,
		`{"minimum_order_value": 0, "cap_monthly": 5}`, `{"type": "POINTS", "amount": 250}`))
	refRule.ID = "rule-002"
	snap := NewSnapshot([]*CompiledRule{orderRule, refRule})

	agg := newFakeAggregates()
	agg.orderCount = 1
	e := NewEvaluator(agg, nil)

	// Order event evaluates only order-derived triggers.
	matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1000, evalTime))
	if len(matches) != 1 || matches[0].Rule.ID != orderRule.ID {
		t.Errorf("order event matched %d rules, want just the ORDER_COUNT rule", len(matches))
	}

	// Unknown kinds match nothing.
	if n := len(e.Evaluate(context.Background(), snap, Event{Kind: "order_refunded"})); n != 0 {
		t.Errorf("unknown kind matches = %d, want 0", n)
	}
}

func TestEvaluate_CreationOrder(t *testing.T) {
	first := compileOne(t, mkRule(types.TriggerOrderCount,
		`{"threshold": 1}`, `{"type": "POINTS", "amount": 10}`))
	second := compileOne(t, mkRule(types.TriggerOrderCount,
		`{"threshold": 1}`, `{"type": "POINTS", "amount": 20}`))
	second.ID = "rule-002"
	second.CreatedAt = first.CreatedAt.Add(time.Hour)

	// Insert newest first; the snapshot must still evaluate by creation time.
	snap := NewSnapshot([]*CompiledRule{second, first})
	agg := newFakeAggregates()
	agg.orderCount = 1
	e := NewEvaluator(agg, nil)

	matches := e.Evaluate(context.Background(), snap, orderEvent("cust-1", 1000, evalTime))
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Rule.ID != first.ID || matches[1].Rule.ID != second.ID {
		t.Errorf("match order = [%s, %s], want creation order [%s, %s]",
			matches[0].Rule.ID, matches[1].Rule.ID, first.ID, second.ID)
	}
}
