package expiry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/types"
)

var codeSeq atomic.Int64

func testSweeper(t *testing.T) (*Sweeper, *ledger.Ledger) {
	t.Helper()

	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queries, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("load queries: %v", err)
	}

	newCode := func() string {
		return fmt.Sprintf("TESTC%03d", codeSeq.Add(1))
	}
	led := ledger.New(conn, queries, newCode, nil)
	return New(led, time.Hour, nil), led
}

func TestSweep(t *testing.T) {
	s, led := testSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, customer := range []types.CustomerID{"cust-1", "cust-2"} {
		if _, err := led.GetAccount(ctx, customer); err != nil {
			t.Fatal(err)
		}
	}

	// cust-1: lapsed Gold tier plus an expired 100-point earn.
	past := now.Add(-24 * time.Hour)
	err := led.WithAccount(ctx, "cust-1", func(tx *sqlx.Tx) error {
		if err := led.SetTier(tx, "cust-1", "Gold", &past); err != nil {
			return err
		}
		if err := led.ApplyBalance(tx, "cust-1", 100); err != nil {
			return err
		}
		return led.Append(tx, &types.LoyaltyTransaction{
			CustomerID:   "cust-1",
			Kind:         types.TxKindEarn,
			RewardType:   types.RewardPoints,
			PointsChange: 100,
			Description:  "Earned 100 points",
			ExpiresAt:    &past,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	// cust-2: everything still current.
	future := now.Add(24 * time.Hour)
	err = led.WithAccount(ctx, "cust-2", func(tx *sqlx.Tx) error {
		if err := led.SetTier(tx, "cust-2", "Gold", &future); err != nil {
			return err
		}
		if err := led.ApplyBalance(tx, "cust-2", 100); err != nil {
			return err
		}
		return led.Append(tx, &types.LoyaltyTransaction{
			CustomerID:   "cust-2",
			Kind:         types.TxKindEarn,
			RewardType:   types.RewardPoints,
			PointsChange: 100,
			Description:  "Earned 100 points",
			ExpiresAt:    &future,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Sweep(ctx, now)

	acct, err := led.GetAccount(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tier != types.TierStandard || acct.TierExpiry != nil {
		t.Errorf("cust-1 tier = %q/%v, want Standard with no expiry", acct.Tier, acct.TierExpiry)
	}
	if acct.PointsBalance != 0 {
		t.Errorf("cust-1 balance = %d, want 0 after point expiry", acct.PointsBalance)
	}

	acct, err = led.GetAccount(ctx, "cust-2")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tier != "Gold" || acct.PointsBalance != 100 {
		t.Errorf("cust-2 = %q/%d, want untouched Gold/100", acct.Tier, acct.PointsBalance)
	}

	// A second pass finds nothing left to expire.
	s.Sweep(ctx, now)
	txns, err := led.AccountTransactions(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	var expires int
	for _, txn := range txns {
		if txn.Kind == types.TxKindExpire {
			expires++
		}
	}
	if expires != 1 {
		t.Errorf("expire transactions = %d, want 1", expires)
	}
}
