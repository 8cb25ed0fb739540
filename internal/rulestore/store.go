// Package rulestore persists loyalty rule definitions and serves immutable
// snapshots of the active set to the evaluator.
//
// Write-time validation: every create/update compiles the rule first, so a
// definition whose JSON config does not match its declared trigger or reward
// type is rejected with types.ErrValidation and never stored.
//
// Soft delete only: Deactivate is the single removal path, preserving rule
// references held by historical transactions.
package rulestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Store provides rule persistence over named queries.
type Store struct {
	q   *db.Queries
	log *slog.Logger
}

// New creates a rule store.
func New(q *db.Queries, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{q: q, log: log}
}

// Snapshot compiles the current active rule set into an immutable snapshot.
// One snapshot serves one event evaluation; rules edited concurrently become
// visible only to later events. A stored rule that fails to compile (written
// before a validation tightening) is logged and skipped, never fatal.
func (s *Store) Snapshot(ctx context.Context) (*rules.Snapshot, error) {
	var rows []types.LoyaltyRule
	if err := s.q.Select(ctx, "active-rules", &rows); err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}

	compiled := make([]*rules.CompiledRule, 0, len(rows))
	for i := range rows {
		c, err := rules.Compile(&rows[i])
		if err != nil {
			s.log.Warn("stored rule failed to compile, skipping",
				"rule_id", rows[i].ID, "rule_name", rows[i].Name, "error", err)
			continue
		}
		compiled = append(compiled, c)
	}
	return rules.NewSnapshot(compiled), nil
}

// ActiveRules returns active rules for one trigger type in creation order.
func (s *Store) ActiveRules(ctx context.Context, triggerType string) ([]types.LoyaltyRule, error) {
	var rows []types.LoyaltyRule
	if err := s.q.Select(ctx, "active-rules-by-trigger", &rows, triggerType); err != nil {
		return nil, fmt.Errorf("active rules for %s: %w", triggerType, err)
	}
	return rows, nil
}

// List returns every rule, active and deactivated, in creation order.
func (s *Store) List(ctx context.Context) ([]types.LoyaltyRule, error) {
	var rows []types.LoyaltyRule
	if err := s.q.Select(ctx, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rows, nil
}

// Get returns one rule by ID. Returns types.ErrRuleNotFound when absent.
func (s *Store) Get(ctx context.Context, id types.RuleID) (*types.LoyaltyRule, error) {
	var rule types.LoyaltyRule
	err := s.q.Get(ctx, "get-rule", &rule, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return &rule, nil
}

// Create validates and stores a new rule. Assigns the ID and timestamps;
// the stored rule starts at revision 1.
func (s *Store) Create(ctx context.Context, rule *types.LoyaltyRule) error {
	if rule.ID == "" {
		rule.ID = types.NewRuleID()
	}
	now := time.Now().UTC()
	rule.Revision = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if _, err := rules.Compile(rule); err != nil {
		return err
	}

	_, err := s.q.Exec(ctx, "insert-rule",
		rule.ID, rule.Name, rule.TriggerType, []byte(rule.TriggerConfig),
		[]byte(rule.RewardConfig), rule.IsActive, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// Update validates and replaces a rule's definition, bumping its revision.
// Returns types.ErrRuleNotFound when the rule does not exist.
func (s *Store) Update(ctx context.Context, rule *types.LoyaltyRule) error {
	if _, err := rules.Compile(rule); err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()
	res, err := s.q.Exec(ctx, "update-rule",
		rule.Name, rule.TriggerType, []byte(rule.TriggerConfig),
		[]byte(rule.RewardConfig), rule.IsActive, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", rule.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rule %s: %w", rule.ID, err)
	}
	if n == 0 {
		return types.ErrRuleNotFound
	}
	return nil
}

// Deactivate sets is_active=false. No physical deletion is ever performed.
// Returns types.ErrRuleNotFound when the rule does not exist.
func (s *Store) Deactivate(ctx context.Context, id types.RuleID) error {
	res, err := s.q.Exec(ctx, "deactivate-rule", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate rule %s: %w", id, err)
	}
	if n == 0 {
		return types.ErrRuleNotFound
	}
	return nil
}
