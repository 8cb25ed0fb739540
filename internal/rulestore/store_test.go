package rulestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/types"
)

func testStore(t *testing.T) *Store {
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
	return New(queries, nil)
}

func pointsRule(name string, threshold int) *types.LoyaltyRule {
	cfg, _ := json.Marshal(map[string]int{"threshold": threshold})
	return &types.LoyaltyRule{
		Name:          name,
		TriggerType:   types.TriggerOrderCount,
		TriggerConfig: cfg,
		RewardConfig:  json.RawMessage(`{"type": "POINTS", "amount": 100}`),
		IsActive:      true,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rule := pointsRule("fifth-order", 5)
	if err := s.Create(ctx, rule); err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
	if rule.ID == "" {
		t.Error("Create did not assign an ID")
	}
	if rule.Revision != 1 {
		t.Errorf("Revision = %d, want 1", rule.Revision)
	}

	got, err := s.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if got.Name != "fifth-order" || got.TriggerType != types.TriggerOrderCount {
		t.Errorf("Get() = %+v, want the stored rule", got)
	}

	if _, err := s.Get(ctx, types.NewRuleID()); !errors.Is(err, types.ErrRuleNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrRuleNotFound", err)
	}
}

func TestCreate_RejectsInvalid(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rule := pointsRule("bad", 0)
	if err := s.Create(ctx, rule); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("Create(invalid) error = %v, want ErrValidation", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("invalid rule was stored: %v", list)
	}
}

func TestUpdate_BumpsRevision(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rule := pointsRule("fifth-order", 5)
	if err := s.Create(ctx, rule); err != nil {
		t.Fatal(err)
	}

	rule.Name = "tenth-order"
	rule.TriggerConfig = json.RawMessage(`{"threshold": 10}`)
	if err := s.Update(ctx, rule); err != nil {
		t.Fatalf("Update() error = %v, want nil", err)
	}

	got, err := s.Get(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 2 {
		t.Errorf("Revision = %d, want 2", got.Revision)
	}
	if got.Name != "tenth-order" {
		t.Errorf("Name = %q, want tenth-order", got.Name)
	}

	// Invalid replacement never reaches storage.
	rule.RewardConfig = json.RawMessage(`{"type": "POINTS", "amount": -1}`)
	if err := s.Update(ctx, rule); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Update(invalid) error = %v, want ErrValidation", err)
	}

	missing := pointsRule("ghost", 5)
	missing.ID = types.NewRuleID()
	if err := s.Update(ctx, missing); !errors.Is(err, types.ErrRuleNotFound) {
		t.Errorf("Update(unknown) error = %v, want ErrRuleNotFound", err)
	}
}

// Deactivation removes a rule from snapshots (no future matches) but keeps
// it listed and resolvable for history.
func TestDeactivate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rule := pointsRule("fifth-order", 5)
	if err := s.Create(ctx, rule); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 1 {
		t.Fatalf("Snapshot.Len() = %d, want 1", snap.Len())
	}

	if err := s.Deactivate(ctx, rule.ID); err != nil {
		t.Fatalf("Deactivate() error = %v, want nil", err)
	}

	snap, err = s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 0 {
		t.Errorf("Snapshot.Len() after deactivation = %d, want 0", snap.Len())
	}

	got, err := s.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() after deactivation error = %v, want nil", err)
	}
	if got.IsActive {
		t.Error("IsActive = true, want false")
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("List() = %d rules, want 1 (history preserved)", len(list))
	}

	if err := s.Deactivate(ctx, types.NewRuleID()); !errors.Is(err, types.ErrRuleNotFound) {
		t.Errorf("Deactivate(unknown) error = %v, want ErrRuleNotFound", err)
	}
}

func TestActiveRulesByTrigger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pointsRule("order-rule", 5)); err != nil {
		t.Fatal(err)
	}
	refRule := &types.LoyaltyRule{
		Name:          "referral-rule",
		TriggerType:   types.TriggerReferral,
		TriggerConfig: json.RawMessage(`{"minimum_order_value": 1000, "cap_monthly": 5}`),
		RewardConfig:  json.RawMessage(`{"type": "POINTS", "amount": 250}`),
		IsActive:      true,
	}
	if err := s.Create(ctx, refRule); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveRules(ctx, types.TriggerReferral)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Name != "referral-rule" {
		t.Errorf("ActiveRules(REFERRAL) = %v, want just the referral rule", active)
	}
}
