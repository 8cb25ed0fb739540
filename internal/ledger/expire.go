package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/punchcardhq/punchcard/internal/types"
)

/*
 * Expiry support for the sweep scheduler. Both operations re-validate their
 * precondition inside the account critical section so a sweep never races a
 * concurrent redemption or issuance.
 */

// ExpiredTierAccounts returns customers whose tier expiry has passed.
func (l *Ledger) ExpiredTierAccounts(ctx context.Context, now time.Time) ([]types.CustomerID, error) {
	var customers []types.CustomerID
	query := l.conn.Rebind(`
		SELECT customer_id FROM accounts
		WHERE tier_expiry IS NOT NULL AND tier_expiry < ?
	`)
	if err := l.conn.SelectContext(ctx, &customers, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("expired tier accounts: %w", err)
	}
	return customers, nil
}

// ResetExpiredTier resets an account to the Standard tier if its expiry is
// still in the past under the lock. Returns true when a reset happened; the
// reset is recorded as a zero-point system transaction.
func (l *Ledger) ResetExpiredTier(ctx context.Context, customer types.CustomerID, now time.Time) (bool, error) {
	reset := false
	err := l.WithAccount(ctx, customer, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			UPDATE accounts SET tier = ?, tier_expiry = NULL, updated_at = ?
			WHERE customer_id = ? AND tier_expiry IS NOT NULL AND tier_expiry < ?
		`)
		res, err := tx.Exec(query, types.TierStandard, now.UTC(), customer, now.UTC())
		if err != nil {
			return fmt.Errorf("reset tier: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset tier: %w", err)
		}
		if n == 0 {
			// Raced a concurrent upgrade or an earlier sweep; nothing to do.
			return nil
		}
		reset = true
		return l.Append(tx, &types.LoyaltyTransaction{
			CustomerID:  customer,
			Kind:        types.TxKindSystem,
			Description: "Tier expired, reset to Standard",
		})
	})
	return reset, err
}

// ExpirablePointEarns returns point earns whose expiry has passed and that
// no expiry row references yet.
func (l *Ledger) ExpirablePointEarns(ctx context.Context, now time.Time) ([]types.LoyaltyTransaction, error) {
	var earns []types.LoyaltyTransaction
	query := l.conn.Rebind(`
		SELECT seq, tx_id, customer_id, order_id, rule_id, kind, reward_type,
		       points_change, description, metadata, redeems_tx_id, expires_at,
		       created_at
		FROM transactions t
		WHERE t.kind = ? AND t.reward_type = ?
		  AND t.expires_at IS NOT NULL AND t.expires_at < ?
		  AND NOT EXISTS (SELECT 1 FROM transactions r WHERE r.redeems_tx_id = t.tx_id)
		ORDER BY t.seq
	`)
	if err := l.conn.SelectContext(ctx, &earns, query, types.TxKindEarn, types.RewardPoints, now.UTC()); err != nil {
		return nil, fmt.Errorf("expirable point earns: %w", err)
	}
	return earns, nil
}

// ExpirePointEarn deducts the expired, still-unredeemed portion of one point
// earn. The deduction is clamped to the current balance so the account
// invariant holds even when points were already spent. Returns the expiry
// transaction, or nil when another sweep got there first.
func (l *Ledger) ExpirePointEarn(ctx context.Context, earn types.LoyaltyTransaction) (*types.LoyaltyTransaction, error) {
	var txn *types.LoyaltyTransaction

	err := l.WithAccount(ctx, earn.CustomerID, func(tx *sqlx.Tx) error {
		// Re-check under the lock: an earlier sweep may have expired it.
		var consumed int64
		check := tx.Rebind(`SELECT COUNT(*) FROM transactions WHERE redeems_tx_id = ?`)
		if err := tx.Get(&consumed, check, earn.TxID); err != nil {
			return fmt.Errorf("check expiry consumption: %w", err)
		}
		if consumed > 0 {
			return nil
		}

		var balance int64
		bq := tx.Rebind(`SELECT points_balance FROM accounts WHERE customer_id = ?`)
		if err := tx.Get(&balance, bq, earn.CustomerID); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		deduct := earn.PointsChange
		if deduct > balance {
			deduct = balance
		}
		if deduct > 0 {
			if err := l.ApplyBalance(tx, earn.CustomerID, -deduct); err != nil {
				return err
			}
		}

		earnID := earn.TxID
		txn = &types.LoyaltyTransaction{
			CustomerID:   earn.CustomerID,
			RuleID:       earn.RuleID,
			Kind:         types.TxKindExpire,
			RewardType:   types.RewardPoints,
			PointsChange: -deduct,
			Description:  fmt.Sprintf("Expired %d unredeemed points", deduct),
			RedeemsTxID:  &earnID,
		}
		return l.Append(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}
