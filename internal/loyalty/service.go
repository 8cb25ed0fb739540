// Package loyalty is the engine façade: it wires event intake, rule
// evaluation, reward issuance, referral tracking and redemption behind one
// service type the transport layer calls into.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/punchcardhq/punchcard/internal/issuer"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/referral"
	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/rulestore"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Service orchestrates the loyalty engine.
type Service struct {
	led     *ledger.Ledger
	store   *rulestore.Store
	tracker *referral.Tracker
	eval    *rules.Evaluator
	iss     *issuer.Issuer

	// pointValue is the redemption rate in minor currency units per point.
	pointValue int64

	log *slog.Logger
}

// New wires the engine together.
func New(led *ledger.Ledger, store *rulestore.Store, tracker *referral.Tracker,
	iss *issuer.Issuer, pointValue int64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		led:        led,
		store:      store,
		tracker:    tracker,
		eval:       rules.NewEvaluator(led, log),
		iss:        iss,
		pointValue: pointValue,
		log:        log,
	}
}

// IntakeResult reports what one order event produced.
type IntakeResult struct {
	// Duplicate is true when the order was already processed; nothing was
	// evaluated or issued for this delivery.
	Duplicate bool `json:"duplicate"`

	// Issued holds the earn transactions committed for this event, in rule
	// evaluation order.
	Issued []*types.LoyaltyTransaction `json:"issued"`
}

// Summary is the customer-facing account view.
type Summary struct {
	Account         *types.LoyaltyAccount      `json:"account"`
	EligibleRewards []types.LoyaltyTransaction `json:"eligible_rewards"`
}

// HandleCustomerCreated provisions the loyalty account for a new customer,
// issuing its referral code. Redelivery is harmless: an existing account is
// left untouched.
func (s *Service) HandleCustomerCreated(ctx context.Context, ev types.CustomerCreated) (*types.LoyaltyAccount, error) {
	if ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", types.ErrValidation)
	}
	if err := s.led.EnsureAccount(ctx, ev.CustomerID, referral.NewCode(), ev.ContactFingerprint); err != nil {
		return nil, err
	}
	return s.led.GetAccount(ctx, ev.CustomerID)
}

// HandleOrderCompleted is the main intake path. It records the order (the
// idempotency barrier), snapshots the active rules, completes a pending
// referral if this order qualifies one, evaluates the applicable rules and
// issues every match.
//
// Per-match issuance failures are logged and do not fail the intake: the
// order is already recorded, and a capped or already-granted reward is a
// normal outcome, not an error the event producer can act on.
func (s *Service) HandleOrderCompleted(ctx context.Context, ev types.OrderCompleted) (*IntakeResult, error) {
	if ev.OrderID == "" || ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: order_id and customer_id are required", types.ErrValidation)
	}
	if ev.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", types.ErrValidation)
	}
	if ev.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", types.ErrValidation)
	}

	if _, err := s.led.GetAccount(ctx, ev.CustomerID); err != nil {
		return nil, err
	}

	fresh, err := s.led.RecordOrderEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.log.Info("duplicate order event, skipping evaluation",
			"order_id", ev.OrderID, "customer_id", ev.CustomerID)
		return &IntakeResult{Duplicate: true}, nil
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	matches := s.eval.Evaluate(ctx, snap, rules.Event{
		Kind:  rules.EventOrderCompleted,
		Order: ev,
	})

	refCtx, err := s.tracker.OnOrderCompleted(ctx, snap, ev)
	if err != nil {
		s.log.Error("referral completion failed", "order_id", ev.OrderID, "error", err)
	} else if refCtx != nil {
		matches = append(matches, s.eval.Evaluate(ctx, snap, rules.Event{
			Kind:     rules.EventReferralCompleted,
			Order:    ev,
			Referral: refCtx,
		})...)
	}

	result := &IntakeResult{Issued: make([]*types.LoyaltyTransaction, 0, len(matches))}
	for _, m := range matches {
		txn, err := s.iss.Issue(ctx, m)
		if err != nil {
			if errors.Is(err, types.ErrCapExceeded) {
				s.log.Info("reward capped",
					"rule_id", m.Rule.ID, "customer_id", m.Target, "error", err)
			} else {
				s.log.Error("reward issuance failed",
					"rule_id", m.Rule.ID, "customer_id", m.Target, "error", err)
			}
			continue
		}
		if txn != nil {
			result.Issued = append(result.Issued, txn)
		}
	}
	return result, nil
}

// GetSummary returns the account plus its unredeemed coupon and free-service
// credits.
func (s *Service) GetSummary(ctx context.Context, customer types.CustomerID) (*Summary, error) {
	acct, err := s.led.GetAccount(ctx, customer)
	if err != nil {
		return nil, err
	}
	rewards, err := s.led.EligibleRewards(ctx, customer)
	if err != nil {
		return nil, err
	}
	return &Summary{Account: acct, EligibleRewards: rewards}, nil
}

// RedeemPoints deducts points from the account for an order discount at the
// configured point value.
func (s *Service) RedeemPoints(ctx context.Context, customer types.CustomerID, orderID types.OrderID, points int64) (*types.LoyaltyTransaction, error) {
	return s.led.RedeemPoints(ctx, customer, orderID, points, s.pointValue)
}

// RedeemReward consumes an outstanding coupon or free-service credit.
func (s *Service) RedeemReward(ctx context.Context, customer types.CustomerID, orderID types.OrderID, rewardID types.TxID) (*types.LoyaltyTransaction, error) {
	return s.led.RedeemReward(ctx, customer, orderID, rewardID)
}

// LinkReferral records that a customer signed up through a referral code.
func (s *Service) LinkReferral(ctx context.Context, code string, referee types.CustomerID) (*types.Referral, error) {
	if code == "" || referee == "" {
		return nil, fmt.Errorf("%w: code and referee_id are required", types.ErrValidation)
	}
	return s.tracker.Link(ctx, code, referee)
}

// Transactions returns the customer's full ledger history, newest first.
func (s *Service) Transactions(ctx context.Context, customer types.CustomerID) ([]types.LoyaltyTransaction, error) {
	return s.led.AccountTransactions(ctx, customer)
}
