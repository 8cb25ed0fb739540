// Package types provides domain models shared across Punchcard components.
//
// Zero-dependency design: types.go and errors.go use only the standard
// library so the event-producing host application can embed them without
// pulling in the engine's persistence stack. ID utilities in ids.go import
// uuid but are isolated for selective inclusion.
package types

import "time"

// CustomerID identifies a customer in the host application.
// String alias enables type safety while maintaining JSON string serialization.
type CustomerID string

// OrderID identifies an order in the host application. Orders may be deleted
// upstream; ledger rows keep the ID as a weak reference.
type OrderID string

// TierStandard is the tier every account starts in and falls back to when a
// tier upgrade expires.
const TierStandard = "Standard"

// OrderCompleted is the event published by the order collaborator when an
// order reaches a terminal paid state. Amount is in minor currency units.
type OrderCompleted struct {
	OrderID    OrderID    `json:"order_id"`
	CustomerID CustomerID `json:"customer_id"`
	Amount     int64      `json:"amount"`
	Pieces     int64      `json:"pieces"`
	Timestamp  time.Time  `json:"timestamp"`
}

// CustomerCreated is published when the host application registers a customer.
// ContactFingerprint is an optional opaque hash of the customer's contact
// identity (phone/email), supplied by the host app and used only for
// duplicate-identity referral detection. The engine never sees raw contacts.
type CustomerCreated struct {
	CustomerID         CustomerID `json:"customer_id"`
	ContactFingerprint string     `json:"contact_fingerprint,omitempty"`
}

// LoyaltyAccount is the derived per-customer aggregate over the transaction
// log. PointsBalance never goes negative; all mutations are serialized per
// account by the ledger.
type LoyaltyAccount struct {
	CustomerID         CustomerID `db:"customer_id" json:"customer_id"`
	PointsBalance      int64      `db:"points_balance" json:"points_balance"`
	Tier               string     `db:"tier" json:"tier"`
	TierExpiry         *time.Time `db:"tier_expiry" json:"tier_expiry,omitempty"`
	ReferralCode       string     `db:"referral_code" json:"referral_code"`
	ContactFingerprint string     `db:"contact_fingerprint" json:"-"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Transaction kinds. The log is append-only; corrections are new rows.
const (
	TxKindEarn   = "earn"   // reward issuance (points or zero-point credit)
	TxKindRedeem = "redeem" // point deduction or credit consumption
	TxKindExpire = "expire" // sweep-authored point expiry
	TxKindSystem = "system" // tier resets and other sweep bookkeeping
)

// LoyaltyTransaction is one immutable row of the audit trail.
//
// OrderID and RuleID are weak references: the order or rule may be deleted or
// deactivated upstream without invalidating the row. RedeemsTxID links a
// redemption to the earn credit it consumes; a unique index makes that
// consumption at-most-once. ExpiresAt is set on point earns whose rule
// declares an expiry policy.
type LoyaltyTransaction struct {
	Seq          int64      `db:"seq" json:"seq"`
	TxID         TxID       `db:"tx_id" json:"tx_id"`
	CustomerID   CustomerID `db:"customer_id" json:"customer_id"`
	OrderID      *OrderID   `db:"order_id" json:"order_id,omitempty"`
	RuleID       *RuleID    `db:"rule_id" json:"rule_id,omitempty"`
	Kind         string     `db:"kind" json:"kind"`
	RewardType   string     `db:"reward_type" json:"reward_type,omitempty"`
	PointsChange int64      `db:"points_change" json:"points_change"`
	Description  string     `db:"description" json:"description"`
	Metadata     []byte     `db:"metadata" json:"metadata,omitempty"`
	RedeemsTxID  *TxID      `db:"redeems_tx_id" json:"redeems_tx_id,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Referral state machine: created -> completed -> reward_granted.
// Transitions are one-way and happen at most once.
const (
	ReferralStateCreated       = "created"
	ReferralStateCompleted     = "completed"
	ReferralStateRewardGranted = "reward_granted"
)

// Referral links a referrer to a referee through an 8-char code.
// RewardGranted transitions false->true exactly once. A referee appears in at
// most one referral (unique index on referee_id).
type Referral struct {
	ReferralID    ReferralID `db:"referral_id" json:"referral_id"`
	Code          string     `db:"code" json:"code"`
	ReferrerID    CustomerID `db:"referrer_id" json:"referrer_id"`
	RefereeID     CustomerID `db:"referee_id" json:"referee_id"`
	OrderID       *OrderID   `db:"order_id" json:"order_id,omitempty"`
	State         string     `db:"state" json:"state"`
	RewardGranted bool       `db:"reward_granted" json:"reward_granted"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// ReferralCodeLength is the fixed length of issued referral codes.
const ReferralCodeLength = 8
