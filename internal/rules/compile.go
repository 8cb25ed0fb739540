// internal/rules/compile.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchcardhq/punchcard/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles a persisted types.LoyaltyRule (raw JSON trigger/reward columns)
 * into a CompiledRule with exactly one typed trigger arm and a validated
 * reward variant.
 *
 * Compilation workflow:
 *   1. Strict-decode trigger_config into the arm declared by trigger_type
 *      (unknown fields rejected)
 *   2. Validate trigger bounds (positive thresholds, non-negative windows)
 *   3. Strict-decode reward_config and validate fields against reward type
 *
 * Why compile-time validation: enforcing shape at rule write time moves
 * error detection to the admin surface rather than the order hot path. A
 * rule that compiles never produces a shape error during evaluation.
 */

// CompiledRule is a fully validated rule ready for evaluation.
// Exactly one of the trigger arms is non-nil, matching TriggerType.
type CompiledRule struct {
	ID          types.RuleID
	Revision    int64
	Name        string
	TriggerType string
	OrderCount  *types.OrderCountTrigger
	Frequency   *types.FrequencyTrigger
	Spend       *types.SpendTrigger
	Referral    *types.ReferralTrigger
	Reward      types.RewardConfig
	CreatedAt   time.Time
}

// Compile validates a rule definition and pre-processes it for evaluation.
// All failures wrap types.ErrValidation.
func Compile(rule *types.LoyaltyRule) (*CompiledRule, error) {
	compiled := &CompiledRule{
		ID:          rule.ID,
		Revision:    rule.Revision,
		Name:        rule.Name,
		TriggerType: rule.TriggerType,
		CreatedAt:   rule.CreatedAt,
	}

	switch rule.TriggerType {
	case types.TriggerOrderCount:
		var t types.OrderCountTrigger
		if err := strictDecode(rule.TriggerConfig, &t); err != nil {
			return nil, fmt.Errorf("%w: ORDER_COUNT config: %v", types.ErrValidation, err)
		}
		if t.Threshold <= 0 {
			return nil, fmt.Errorf("%w: ORDER_COUNT threshold must be positive", types.ErrValidation)
		}
		compiled.OrderCount = &t

	case types.TriggerFrequency:
		var t types.FrequencyTrigger
		if err := strictDecode(rule.TriggerConfig, &t); err != nil {
			return nil, fmt.Errorf("%w: FREQUENCY config: %v", types.ErrValidation, err)
		}
		if t.NOrders <= 0 || t.NDays <= 0 {
			return nil, fmt.Errorf("%w: FREQUENCY n_orders and n_days must be positive", types.ErrValidation)
		}
		compiled.Frequency = &t

	case types.TriggerSpend:
		var t types.SpendTrigger
		if err := strictDecode(rule.TriggerConfig, &t); err != nil {
			return nil, fmt.Errorf("%w: SPEND config: %v", types.ErrValidation, err)
		}
		if t.Amount <= 0 {
			return nil, fmt.Errorf("%w: SPEND amount must be positive", types.ErrValidation)
		}
		if t.WindowDays < 0 {
			return nil, fmt.Errorf("%w: SPEND window_days must not be negative", types.ErrValidation)
		}
		compiled.Spend = &t

	case types.TriggerReferral:
		var t types.ReferralTrigger
		if err := strictDecode(rule.TriggerConfig, &t); err != nil {
			return nil, fmt.Errorf("%w: REFERRAL config: %v", types.ErrValidation, err)
		}
		if t.MinimumOrderValue < 0 {
			return nil, fmt.Errorf("%w: REFERRAL minimum_order_value must not be negative", types.ErrValidation)
		}
		if t.CapMonthly <= 0 {
			return nil, fmt.Errorf("%w: REFERRAL cap_monthly must be positive", types.ErrValidation)
		}
		compiled.Referral = &t

	default:
		return nil, fmt.Errorf("%w: unknown trigger_type %q", types.ErrValidation, rule.TriggerType)
	}

	reward, err := compileReward(rule.RewardConfig)
	if err != nil {
		return nil, err
	}
	compiled.Reward = reward

	return compiled, nil
}

// compileReward strict-decodes and validates the reward variant.
// Fields belonging to a different reward type are rejected rather than
// silently ignored, so admin typos surface at write time.
func compileReward(raw json.RawMessage) (types.RewardConfig, error) {
	var r types.RewardConfig
	if err := strictDecode(raw, &r); err != nil {
		return r, fmt.Errorf("%w: reward config: %v", types.ErrValidation, err)
	}
	if r.CapMonthly < 0 {
		return r, fmt.Errorf("%w: reward cap_monthly must not be negative", types.ErrValidation)
	}

	switch r.Type {
	case types.RewardPoints:
		if r.Amount <= 0 {
			return r, fmt.Errorf("%w: POINTS amount must be positive", types.ErrValidation)
		}
		if r.ExpiresAfterDays < 0 {
			return r, fmt.Errorf("%w: POINTS expires_after_days must not be negative", types.ErrValidation)
		}
		if err := rejectForeignFields(&r, r.Code != "", r.Discount != 0, r.Service != "", r.Tier != "", r.DurationDays != 0); err != nil {
			return r, err
		}

	case types.RewardCoupon:
		if r.Code == "" {
			return r, fmt.Errorf("%w: COUPON code is required", types.ErrValidation)
		}
		if r.Discount <= 0 {
			return r, fmt.Errorf("%w: COUPON discount must be positive", types.ErrValidation)
		}
		if err := rejectForeignFields(&r, r.Amount != 0, r.ExpiresAfterDays != 0, r.Service != "", r.Tier != "", r.DurationDays != 0); err != nil {
			return r, err
		}

	case types.RewardFreeService:
		if r.Service == "" {
			return r, fmt.Errorf("%w: FREE_SERVICE service is required", types.ErrValidation)
		}
		if err := rejectForeignFields(&r, r.Amount != 0, r.ExpiresAfterDays != 0, r.Code != "", r.Discount != 0, r.Tier != "", r.DurationDays != 0); err != nil {
			return r, err
		}

	case types.RewardTierUpgrade:
		if r.Tier == "" {
			return r, fmt.Errorf("%w: TIER_UPGRADE tier is required", types.ErrValidation)
		}
		if r.DurationDays <= 0 {
			return r, fmt.Errorf("%w: TIER_UPGRADE duration_days must be positive", types.ErrValidation)
		}
		if err := rejectForeignFields(&r, r.Amount != 0, r.ExpiresAfterDays != 0, r.Code != "", r.Discount != 0, r.Service != ""); err != nil {
			return r, err
		}

	default:
		return r, fmt.Errorf("%w: unknown reward type %q", types.ErrValidation, r.Type)
	}

	return r, nil
}

// rejectForeignFields fails when any field belonging to another reward type
// is set. The booleans are pre-evaluated "field is set" checks.
func rejectForeignFields(r *types.RewardConfig, set ...bool) error {
	for _, s := range set {
		if s {
			return fmt.Errorf("%w: reward config has fields not belonging to type %s", types.ErrValidation, r.Type)
		}
	}
	return nil
}

// strictDecode unmarshals JSON rejecting unknown fields.
// Empty or null input decodes to the zero value (bounds checks catch it).
func strictDecode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
