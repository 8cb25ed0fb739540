package types

import (
	"time"

	"github.com/google/uuid"
)

// RuleID identifies a loyalty rule. UUIDv7 string alias; time-ordering
// clusters sequential inserts in B-tree indexes.
type RuleID string

// TxID identifies a ledger transaction. UUIDv7 so the ID itself carries the
// issuance timestamp alongside the monotonic seq column.
type TxID string

// ReferralID identifies a referral link.
type ReferralID string

// NewRuleID generates a UUIDv7 rule identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// NewTxID generates a UUIDv7 transaction identifier.
func NewTxID() TxID {
	return TxID(uuid.Must(uuid.NewV7()).String())
}

// NewReferralID generates a UUIDv7 referral identifier.
func NewReferralID() ReferralID {
	return ReferralID(uuid.Must(uuid.NewV7()).String())
}

// ParseRuleID validates and converts a string to RuleID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseRuleID(s string) (RuleID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RuleID(s), nil
}

// ParseTxID validates and converts a string to TxID.
func ParseTxID(s string) (TxID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return TxID(s), nil
}

// TxIDTime extracts the timestamp embedded in a UUIDv7 transaction ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func TxIDTime(id TxID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
