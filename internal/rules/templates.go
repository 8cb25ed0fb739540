package rules

import "encoding/json"

// Template is a pre-canned rule definition served to the admin UI so
// operators can start from a working configuration instead of raw JSON.
type Template struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	RewardConfig  json.RawMessage `json:"reward_config"`
	Example       string          `json:"example"`
}

// Templates returns the built-in rule templates. Every template compiles
// cleanly, which TestTemplatesCompile enforces.
func Templates() []Template {
	return []Template{
		{
			ID:            "fifth-order-bonus",
			Name:          "Fifth Order Bonus",
			Description:   "Rewards repeat business with bonus points on every fifth completed order.",
			TriggerType:   "ORDER_COUNT",
			TriggerConfig: json.RawMessage(`{"threshold": 5}`),
			RewardConfig:  json.RawMessage(`{"type": "POINTS", "amount": 100}`),
			Example:       "A customer places their 5th order and receives 100 points; the same again on the 10th.",
		},
		{
			ID:            "frequent-visitor",
			Name:          "Frequent Visitor Bonus",
			Description:   "Rewards customers who order several times within a period.",
			TriggerType:   "FREQUENCY",
			TriggerConfig: json.RawMessage(`{"n_orders": 3, "n_days": 30}`),
			RewardConfig:  json.RawMessage(`{"type": "POINTS", "amount": 150}`),
			Example:       "3 orders inside 30 days earn a one-time 150 point bonus for that window.",
		},
		{
			ID:            "spend-milestone",
			Name:          "Spend Milestone",
			Description:   "Issues a coupon when lifetime spend crosses a threshold.",
			TriggerType:   "SPEND",
			TriggerConfig: json.RawMessage(`{"amount": 200000, "window_days": 0}`),
			RewardConfig:  json.RawMessage(`{"type": "COUPON", "code": "MILESTONE", "discount": 5000}`),
			Example:       "Cumulative spend reaching 2000.00 issues a 50.00 discount coupon, once.",
		},
		{
			ID:            "refer-a-friend",
			Name:          "Refer-a-Friend",
			Description:   "Rewards the referrer once the referred customer's first qualifying order is paid.",
			TriggerType:   "REFERRAL",
			TriggerConfig: json.RawMessage(`{"minimum_order_value": 30000, "cap_monthly": 10}`),
			RewardConfig:  json.RawMessage(`{"type": "POINTS", "amount": 250}`),
			Example:       "Alice refers Bob; after Bob's first paid order of at least 300.00, Alice gets 250 points.",
		},
		{
			ID:            "gold-tier-upgrade",
			Name:          "Gold Tier Upgrade",
			Description:   "Upgrades big spenders to Gold for a limited period.",
			TriggerType:   "SPEND",
			TriggerConfig: json.RawMessage(`{"amount": 500000, "window_days": 365}`),
			RewardConfig:  json.RawMessage(`{"type": "TIER_UPGRADE", "tier": "Gold", "duration_days": 365}`),
			Example:       "Spending 5000.00 inside a year upgrades the customer to Gold for 365 days.",
		},
	}
}
