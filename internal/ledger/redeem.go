package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/punchcardhq/punchcard/internal/types"
)

/*
 * Redemption paths. Both run under the account lock and fail closed:
 * the account is unchanged on any error.
 *
 * RedeemPoints deducts points for an order discount at a configured
 * point value (minor currency units per point).
 *
 * RedeemReward consumes an outstanding coupon/free-service credit. The
 * unique redeems_tx_id column makes consumption at-most-once even if the
 * POS retries the call.
 */

// RedeemPoints deducts points from the account for a discount on orderID.
// Returns types.ErrInsufficientBalance when the balance cannot cover the
// deduction; the account is left unchanged.
func (l *Ledger) RedeemPoints(ctx context.Context, customer types.CustomerID, orderID types.OrderID, points, pointValueMinor int64) (*types.LoyaltyTransaction, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: points to redeem must be positive", types.ErrValidation)
	}

	discount := points * pointValueMinor
	txn := &types.LoyaltyTransaction{
		CustomerID:   customer,
		OrderID:      &orderID,
		Kind:         types.TxKindRedeem,
		PointsChange: -points,
		Description:  fmt.Sprintf("Redeemed %d points for a %s discount", points, formatMinor(discount)),
		Metadata:     []byte(fmt.Sprintf(`{"discount":%d}`, discount)),
	}

	err := l.WithAccount(ctx, customer, func(tx *sqlx.Tx) error {
		if err := l.ApplyBalance(tx, customer, -points); err != nil {
			return err
		}
		return l.Append(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// RedeemReward consumes the earn credit identified by rewardID for orderID.
// Returns types.ErrUnknownReward when the credit does not exist or belongs
// to a different customer, and types.ErrRewardAlreadyRedeemed when an
// earlier redemption already consumed it.
func (l *Ledger) RedeemReward(ctx context.Context, customer types.CustomerID, orderID types.OrderID, rewardID types.TxID) (*types.LoyaltyTransaction, error) {
	var txn *types.LoyaltyTransaction

	err := l.WithAccount(ctx, customer, func(tx *sqlx.Tx) error {
		var credit types.LoyaltyTransaction
		query := tx.Rebind(`
			SELECT seq, tx_id, customer_id, order_id, rule_id, kind, reward_type,
			       points_change, description, metadata, redeems_tx_id, expires_at,
			       created_at
			FROM transactions
			WHERE tx_id = ? AND customer_id = ? AND kind = ?
		`)
		err := tx.Get(&credit, query, rewardID, customer, types.TxKindEarn)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrUnknownReward
		}
		if err != nil {
			return fmt.Errorf("load reward credit: %w", err)
		}
		if credit.RewardType != types.RewardCoupon && credit.RewardType != types.RewardFreeService {
			return types.ErrUnknownReward
		}

		// The account lock serializes redemptions for this customer, so the
		// existence check and the insert form one critical section. The unique
		// index is the cross-process backstop.
		var consumed int64
		check := tx.Rebind(`SELECT COUNT(*) FROM transactions WHERE redeems_tx_id = ?`)
		if err := tx.Get(&consumed, check, rewardID); err != nil {
			return fmt.Errorf("check reward consumption: %w", err)
		}
		if consumed > 0 {
			return types.ErrRewardAlreadyRedeemed
		}

		txn = &types.LoyaltyTransaction{
			CustomerID:   customer,
			OrderID:      &orderID,
			RuleID:       credit.RuleID,
			Kind:         types.TxKindRedeem,
			RewardType:   credit.RewardType,
			PointsChange: 0,
			Description:  fmt.Sprintf("Redeemed reward: %s", credit.Description),
			Metadata:     credit.Metadata,
			RedeemsTxID:  &rewardID,
		}
		return l.Append(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// formatMinor renders minor currency units as a decimal string.
func formatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
