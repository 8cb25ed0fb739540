// internal/types/rules.go
package types

/*
 * Domain types for loyalty rule definitions.
 *
 * A LoyaltyRule pairs a trigger (when to consider the rule) with a reward
 * (what to issue when it matches). Both sides are stored as JSON columns and
 * validated against their declared discriminant at write time by
 * internal/rules; nothing duck-typed reaches evaluation.
 *
 * Key types:
 *   - LoyaltyRule: persisted rule row with raw JSON config columns
 *   - OrderCountTrigger / FrequencyTrigger / SpendTrigger / ReferralTrigger
 *   - RewardConfig: tagged reward variant (POINTS, COUPON, FREE_SERVICE,
 *     TIER_UPGRADE)
 */

import (
	"encoding/json"
	"time"
)

// Trigger type discriminants.
const (
	TriggerOrderCount = "ORDER_COUNT"
	TriggerFrequency  = "FREQUENCY"
	TriggerSpend      = "SPEND"
	TriggerReferral   = "REFERRAL"
)

// Reward type discriminants.
const (
	RewardPoints      = "POINTS"
	RewardCoupon      = "COUPON"
	RewardFreeService = "FREE_SERVICE"
	RewardTierUpgrade = "TIER_UPGRADE"
)

// LoyaltyRule is a persisted rule definition. Rules are never hard-deleted;
// IsActive=false is the only removal path so historical transactions keep a
// resolvable rule reference.
type LoyaltyRule struct {
	ID            RuleID          `db:"rule_id" json:"rule_id"`
	Revision      int64           `db:"revision" json:"revision"`
	Name          string          `db:"name" json:"name"`
	TriggerType   string          `db:"trigger_type" json:"trigger_type"`
	TriggerConfig json.RawMessage `db:"trigger_config" json:"trigger_config"`
	RewardConfig  json.RawMessage `db:"reward_config" json:"reward_config"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderCountTrigger fires on every positive multiple of Threshold lifetime
// completed orders (the Nth, 2Nth, ... order, not continuously once reached).
type OrderCountTrigger struct {
	Threshold int64 `json:"threshold"`
}

// FrequencyTrigger fires when the customer has placed at least NOrders orders
// within the trailing NDays window, at most once per qualifying window.
type FrequencyTrigger struct {
	NOrders int64 `json:"n_orders"`
	NDays   int64 `json:"n_days"`
}

// SpendTrigger fires when cumulative spend crosses Amount for the first time.
// WindowDays == 0 means lifetime spend; otherwise a trailing window sum.
// A per-customer high-water-mark prevents repeated firing while spend stays
// above the threshold.
type SpendTrigger struct {
	Amount     int64 `json:"amount"`
	WindowDays int64 `json:"window_days"`
}

// ReferralTrigger fires when a referee's first paid order reaches
// MinimumOrderValue, as long as the referrer's granted-referral count for the
// calendar month is below CapMonthly.
type ReferralTrigger struct {
	MinimumOrderValue int64 `json:"minimum_order_value"`
	CapMonthly        int64 `json:"cap_monthly"`
}

// RewardConfig is the tagged reward variant. Type selects which of the
// remaining fields apply; internal/rules rejects configs whose fields do not
// match the declared type.
type RewardConfig struct {
	Type string `json:"type"`

	// POINTS
	Amount           int64 `json:"amount,omitempty"`
	ExpiresAfterDays int64 `json:"expires_after_days,omitempty"`

	// COUPON
	Code     string `json:"code,omitempty"`
	Discount int64  `json:"discount,omitempty"` // minor currency units

	// FREE_SERVICE
	Service string `json:"service,omitempty"`

	// TIER_UPGRADE
	Tier         string `json:"tier,omitempty"`
	DurationDays int64  `json:"duration_days,omitempty"`

	// Optional per-rule-per-customer monthly issuance cap. REFERRAL rules are
	// additionally capped by their trigger's cap_monthly.
	CapMonthly int64 `json:"cap_monthly,omitempty"`

	Description string `json:"description,omitempty"`
}
