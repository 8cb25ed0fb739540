package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/punchcardhq/punchcard/internal/types"
)

// orderCompleted is the main intake endpoint. Returns 200 with the issued
// rewards; a redelivered order returns 200 with duplicate=true and issues
// nothing.
func (h *Handler) orderCompleted(c *gin.Context) {
	var ev types.OrderCompleted
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	result, err := h.svc.HandleOrderCompleted(c.Request.Context(), ev)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// customerCreated provisions the loyalty account, returning it with its
// referral code. Safe to redeliver.
func (h *Handler) customerCreated(c *gin.Context) {
	var ev types.CustomerCreated
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	acct, err := h.svc.HandleCustomerCreated(c.Request.Context(), ev)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) customerSummary(c *gin.Context) {
	summary, err := h.svc.GetSummary(c.Request.Context(), types.CustomerID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) customerTransactions(c *gin.Context) {
	txns, err := h.svc.Transactions(c.Request.Context(), types.CustomerID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// redeemRequest selects one of the two redemption paths: Points > 0 deducts
// points for a discount; RewardID consumes an earned coupon/free-service
// credit. Exactly one must be supplied.
type redeemRequest struct {
	OrderID  types.OrderID `json:"order_id"`
	Points   int64         `json:"points"`
	RewardID types.TxID    `json:"reward_id"`
}

func (h *Handler) redeem(c *gin.Context) {
	customer := types.CustomerID(c.Param("id"))

	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	var (
		txn *types.LoyaltyTransaction
		err error
	)
	switch {
	case req.Points > 0 && req.RewardID == "":
		txn, err = h.svc.RedeemPoints(c.Request.Context(), customer, req.OrderID, req.Points)
	case req.Points == 0 && req.RewardID != "":
		txn, err = h.svc.RedeemReward(c.Request.Context(), customer, req.OrderID, req.RewardID)
	default:
		fail(c, fmt.Errorf("%w: supply either points or reward_id", types.ErrValidation))
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type linkReferralRequest struct {
	Code      string           `json:"code"`
	RefereeID types.CustomerID `json:"referee_id"`
}

func (h *Handler) linkReferral(c *gin.Context) {
	var req linkReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	ref, err := h.svc.LinkReferral(c.Request.Context(), req.Code, req.RefereeID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}
