package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/punchcardhq/punchcard/internal/rules"
	"github.com/punchcardhq/punchcard/internal/types"
)

func (h *Handler) listRules(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list})
}

func (h *Handler) getRule(c *gin.Context) {
	rule, err := h.store.Get(c.Request.Context(), types.RuleID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) createRule(c *gin.Context) {
	var rule types.LoyaltyRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}

	if err := h.store.Create(c.Request.Context(), &rule); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) updateRule(c *gin.Context) {
	var rule types.LoyaltyRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		fail(c, fmt.Errorf("%w: %s", types.ErrValidation, err.Error()))
		return
	}
	rule.ID = types.RuleID(c.Param("id"))

	if err := h.store.Update(c.Request.Context(), &rule); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// deactivateRule soft-deletes: the rule stops matching future events but
// remains resolvable from historical transactions.
func (h *Handler) deactivateRule(c *gin.Context) {
	if err := h.store.Deactivate(c.Request.Context(), types.RuleID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (h *Handler) ruleTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": rules.Templates()})
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.led.ListAccounts(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *Handler) listTransactions(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, fmt.Errorf("%w: limit must be a positive integer", types.ErrValidation))
			return
		}
		limit = n
	}

	txns, err := h.led.ListTransactions(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) listReferrals(c *gin.Context) {
	refs, err := h.tracker.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": refs})
}
