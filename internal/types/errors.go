package types

import "errors"

// Sentinel errors for Punchcard operations. Handlers map these to HTTP
// statuses; internal callers test them with errors.Is.
var (
	// ErrValidation indicates a rule's trigger or reward JSON does not match
	// the schema for its declared type. Rejected at rule store write time.
	ErrValidation = errors.New("rule config does not match declared type")

	// ErrCapExceeded indicates a matched rule's reward cannot be issued
	// because a monthly cap is already met. Logged, never surfaced to the
	// triggering order flow.
	ErrCapExceeded = errors.New("reward cap exceeded")

	// ErrConcurrencyConflict indicates an account update lost a race and
	// should be retried with caps and balance re-validated.
	ErrConcurrencyConflict = errors.New("concurrent account update conflict")

	// ErrInsufficientBalance indicates a redemption would drive the points
	// balance negative. The account is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient points balance")

	// ErrReferralAbuseDetected indicates a self-referral, duplicate contact
	// identity, or an already-linked referee at link time.
	ErrReferralAbuseDetected = errors.New("referral abuse detected")

	// ErrCodeInvalid indicates an unknown referral code.
	ErrCodeInvalid = errors.New("referral code invalid")

	// ErrUnknownReward indicates a redemption referenced a reward credit that
	// does not exist or does not belong to the customer.
	ErrUnknownReward = errors.New("unknown reward")

	// ErrRewardAlreadyRedeemed indicates the referenced reward credit was
	// already consumed by an earlier redemption.
	ErrRewardAlreadyRedeemed = errors.New("reward already redeemed")

	// ErrRuleNotFound indicates a rule ID that does not exist in the store.
	ErrRuleNotFound = errors.New("rule not found")
)
