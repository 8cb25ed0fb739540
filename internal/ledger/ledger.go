// Package ledger owns the append-only transaction log and the derived
// per-customer loyalty account.
//
// Concurrency contract: every mutation of an account (reward issuance,
// redemption, expiry sweep) runs inside WithAccount, which serializes on a
// per-account mutex and wraps the work in one database transaction. Cap and
// balance checks re-run inside that critical section, so check-then-act
// races cannot over-issue or over-redeem. Reads (summaries, aggregates) take
// no lock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Ledger provides account state and the audit trail over sqlx.
type Ledger struct {
	conn *sqlx.DB
	q    *db.Queries
	log  *slog.Logger

	// Per-account mutex map. Grows by one entry per customer ever touched;
	// acceptable footprint for a per-site deployment.
	mu           sync.Mutex
	accountLocks map[types.CustomerID]*sync.Mutex

	// newCode issues referral codes for accounts created on first touch.
	newCode func() string
}

// New creates a Ledger. newCode issues referral codes when an account is
// created lazily (GetAccount on an unseen customer).
func New(conn *sqlx.DB, q *db.Queries, newCode func() string, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		conn:         conn,
		q:            q,
		log:          log,
		accountLocks: make(map[types.CustomerID]*sync.Mutex),
		newCode:      newCode,
	}
}

// lockFor returns the mutex for an account, creating it on first use.
func (l *Ledger) lockFor(customer types.CustomerID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accountLocks[customer]; !ok {
		l.accountLocks[customer] = &sync.Mutex{}
	}
	return l.accountLocks[customer]
}

// WithAccount serializes fn against all other mutations of the same account
// and runs it inside a single database transaction. fn observes committed
// state and its writes commit atomically or not at all.
//
// The mutex covers this process; another process writing the same account
// can still make the database reject the transaction. Such conflicts are
// retried here with fn re-run from scratch, so every cap and balance check
// re-validates against the winner's committed state.
func (l *Ledger) WithAccount(ctx context.Context, customer types.CustomerID, fn func(tx *sqlx.Tx) error) error {
	lock := l.lockFor(customer)
	lock.Lock()
	defer lock.Unlock()

	var err error
	for attempt := 0; attempt < accountTxAttempts; attempt++ {
		err = l.runAccountTx(ctx, fn)
		if !errors.Is(err, types.ErrConcurrencyConflict) {
			return err
		}
		l.log.Warn("account transaction conflict, retrying",
			"customer_id", customer, "attempt", attempt+1, "error", err)
	}
	return err
}

const accountTxAttempts = 3

func (l *Ledger) runAccountTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := l.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classifyTxError(err)
	}
	if err := tx.Commit(); err != nil {
		if conflict := classifyTxError(err); errors.Is(conflict, types.ErrConcurrencyConflict) {
			return conflict
		}
		return fmt.Errorf("commit account transaction: %w", err)
	}
	return nil
}

// EnsureAccount creates the account if absent. Idempotent: a duplicate
// CustomerCreated event inserts zero rows. The referral code passed in wins
// only on first creation.
func (l *Ledger) EnsureAccount(ctx context.Context, customer types.CustomerID, referralCode, contactFingerprint string) error {
	now := time.Now().UTC()
	_, err := l.q.Exec(ctx, "insert-account", customer, referralCode, contactFingerprint, now, now)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", customer, err)
	}
	return nil
}

// GetAccount returns the account, creating it with zero balance and the
// Standard tier if absent (mirrors account creation at customer creation).
func (l *Ledger) GetAccount(ctx context.Context, customer types.CustomerID) (*types.LoyaltyAccount, error) {
	var account types.LoyaltyAccount
	err := l.q.Get(ctx, "get-account", &account, customer)
	if errors.Is(err, sql.ErrNoRows) {
		if err := l.EnsureAccount(ctx, customer, l.newCode(), ""); err != nil {
			return nil, err
		}
		err = l.q.Get(ctx, "get-account", &account, customer)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", customer, err)
	}
	return &account, nil
}

// AccountByCode resolves a referral code to its owning account.
// Returns types.ErrCodeInvalid for unknown codes.
func (l *Ledger) AccountByCode(ctx context.Context, code string) (*types.LoyaltyAccount, error) {
	var account types.LoyaltyAccount
	err := l.q.Get(ctx, "account-by-code", &account, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("account by code: %w", err)
	}
	return &account, nil
}

// Append inserts one transaction row inside an account transaction.
// Fills TxID and CreatedAt when unset. The seq column is assigned by the
// database, giving the strictly increasing commit order.
func (l *Ledger) Append(tx *sqlx.Tx, txn *types.LoyaltyTransaction) error {
	if txn.TxID == "" {
		txn.TxID = types.NewTxID()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	query := tx.Rebind(`
		INSERT INTO transactions (tx_id, customer_id, order_id, rule_id, kind,
		                          reward_type, points_change, description,
		                          metadata, redeems_tx_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := tx.Exec(query,
		txn.TxID, txn.CustomerID, txn.OrderID, txn.RuleID, txn.Kind,
		txn.RewardType, txn.PointsChange, txn.Description,
		txn.Metadata, txn.RedeemsTxID, txn.ExpiresAt, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ApplyBalance adjusts the account balance inside an account transaction.
// Fails closed with types.ErrInsufficientBalance when the delta would drive
// the balance negative; the schema CHECK constraint is the backstop. The
// account must exist: a missing row is a caller bug, not a balance problem.
func (l *Ledger) ApplyBalance(tx *sqlx.Tx, customer types.CustomerID, delta int64) error {
	var balance int64
	check := tx.Rebind(`SELECT points_balance FROM accounts WHERE customer_id = ?`)
	if err := tx.Get(&balance, check, customer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("apply balance: account %s does not exist", customer)
		}
		return fmt.Errorf("apply balance: %w", err)
	}

	query := tx.Rebind(`
		UPDATE accounts
		SET points_balance = points_balance + ?, updated_at = ?
		WHERE customer_id = ? AND points_balance + ? >= 0
	`)
	res, err := tx.Exec(query, delta, time.Now().UTC(), customer, delta)
	if err != nil {
		return fmt.Errorf("apply balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply balance: %w", err)
	}
	if n == 0 {
		return types.ErrInsufficientBalance
	}
	return nil
}

// SetTier updates tier and expiry inside an account transaction.
func (l *Ledger) SetTier(tx *sqlx.Tx, customer types.CustomerID, tier string, expiry *time.Time) error {
	query := tx.Rebind(`
		UPDATE accounts SET tier = ?, tier_expiry = ?, updated_at = ?
		WHERE customer_id = ?
	`)
	if _, err := tx.Exec(query, tier, expiry, time.Now().UTC(), customer); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	return nil
}

// EligibleRewards lists outstanding coupon/free-service credits: earned,
// zero-point rows no redemption references yet.
func (l *Ledger) EligibleRewards(ctx context.Context, customer types.CustomerID) ([]types.LoyaltyTransaction, error) {
	var rewards []types.LoyaltyTransaction
	if err := l.q.Select(ctx, "eligible-rewards", &rewards, customer); err != nil {
		return nil, fmt.Errorf("eligible rewards: %w", err)
	}
	return rewards, nil
}

// AccountTransactions returns the full audit trail for one account in
// commit order.
func (l *Ledger) AccountTransactions(ctx context.Context, customer types.CustomerID) ([]types.LoyaltyTransaction, error) {
	var txns []types.LoyaltyTransaction
	if err := l.q.Select(ctx, "account-transactions", &txns, customer); err != nil {
		return nil, fmt.Errorf("account transactions: %w", err)
	}
	return txns, nil
}

// ListTransactions returns the most recent transactions across all accounts.
func (l *Ledger) ListTransactions(ctx context.Context, limit int) ([]types.LoyaltyTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var txns []types.LoyaltyTransaction
	if err := l.q.Select(ctx, "list-transactions", &txns, limit); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// ListAccounts returns all accounts in creation order.
func (l *Ledger) ListAccounts(ctx context.Context) ([]types.LoyaltyAccount, error) {
	var accounts []types.LoyaltyAccount
	if err := l.q.Select(ctx, "list-accounts", &accounts); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}
