// Package api exposes the loyalty engine over HTTP.
//
// Two surfaces share one router: the integration surface the host
// application calls (event intake, summaries, redemptions, referral links)
// and the admin surface (rule management, listings) guarded by HMAC API-key
// authentication.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/punchcardhq/punchcard/internal/core/auth"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/loyalty"
	"github.com/punchcardhq/punchcard/internal/referral"
	"github.com/punchcardhq/punchcard/internal/rulestore"
	"github.com/punchcardhq/punchcard/internal/types"
)

// Handler bundles the engine components the HTTP surface needs.
type Handler struct {
	svc     *loyalty.Service
	store   *rulestore.Store
	led     *ledger.Ledger
	tracker *referral.Tracker
}

// NewHandler creates the HTTP handler set.
func NewHandler(svc *loyalty.Service, store *rulestore.Store, led *ledger.Ledger, tracker *referral.Tracker) *Handler {
	return &Handler{svc: svc, store: store, led: led, tracker: tracker}
}

// Router builds the gin engine with all routes registered. The
// authenticator guards the admin group; pass nil only in tests.
func (h *Handler) Router(authn *auth.Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/events/order-completed", h.orderCompleted)
		v1.POST("/events/customer-created", h.customerCreated)
		v1.GET("/customers/:id/summary", h.customerSummary)
		v1.GET("/customers/:id/transactions", h.customerTransactions)
		v1.POST("/customers/:id/redemptions", h.redeem)
		v1.POST("/referrals/link", h.linkReferral)
	}

	admin := r.Group("/v1/admin")
	if authn != nil {
		admin.Use(authn.Middleware())
	}
	{
		admin.GET("/rules", h.listRules)
		admin.POST("/rules", h.createRule)
		admin.GET("/rules/templates", h.ruleTemplates)
		admin.GET("/rules/:id", h.getRule)
		admin.PUT("/rules/:id", h.updateRule)
		admin.DELETE("/rules/:id", h.deactivateRule)
		admin.GET("/accounts", h.listAccounts)
		admin.GET("/transactions", h.listTransactions)
		admin.GET("/referrals", h.listReferrals)
	}

	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps domain errors onto HTTP statuses. Validation failures are the
// caller's fault (400), missing entities are 404, and state conflicts the
// caller can only observe, not fix, are 409.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrCodeInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrRuleNotFound), errors.Is(err, types.ErrUnknownReward):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrCapExceeded),
		errors.Is(err, types.ErrInsufficientBalance),
		errors.Is(err, types.ErrRewardAlreadyRedeemed),
		errors.Is(err, types.ErrReferralAbuseDetected),
		errors.Is(err, types.ErrConcurrencyConflict):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
