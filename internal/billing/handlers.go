package billing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/treadline/internal/plan"
	"github.com/mbd888/treadline/internal/shop"
)

// Handler provides HTTP endpoints for billing operations.
type Handler struct {
	svc   *Service
	shops shop.Store
}

// NewHandler creates a new billing handler.
func NewHandler(svc *Service, shops shop.Store) *Handler {
	return &Handler{svc: svc, shops: shops}
}

// RegisterShopRoutes sets up the per-shop billing routes. The caller is
// expected to guard the group with auth + shop-access + owner middleware:
// billing operations are owner-only.
func (h *Handler) RegisterShopRoutes(r *gin.RouterGroup) {
	r.POST("/shops/:id/billing/checkout", h.StartCheckout)
	r.POST("/shops/:id/billing/portal", h.OpenPortal)
	r.POST("/shops/:id/billing/reconcile", h.Reconcile)
}

// RegisterShopReadRoutes sets up read-only billing routes available to
// any key on the shop, staff included.
func (h *Handler) RegisterShopReadRoutes(r *gin.RouterGroup) {
	r.GET("/shops/:id/entitlements", h.GetEntitlements)
}

// RegisterPublicRoutes sets up billing routes that run before signup.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/billing/payment-intent", h.StartPaymentIntent)
}

// StartCheckout handles POST /v1/shops/:id/billing/checkout.
func (h *Handler) StartCheckout(c *gin.Context) {
	var req struct {
		Tier         string `json:"tier" binding:"required"`
		BillingCycle string `json:"billingCycle"`
		Mode         string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier required"})
		return
	}

	tier, ok := plan.ParseTier(req.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}
	cycle, ok := ParseCycle(req.BillingCycle)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cycle", "message": "billingCycle must be monthly or yearly"})
		return
	}
	mode := CheckoutModeHosted
	if req.Mode == string(CheckoutModeEmbedded) {
		mode = CheckoutModeEmbedded
	}

	sh, ok := h.loadShop(c)
	if !ok {
		return
	}

	result, err := h.svc.StartCheckout(c.Request.Context(), sh, tier, cycle, mode)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// StartPaymentIntent handles POST /v1/billing/payment-intent.
// Pre-signup flow: no shop exists yet, so no auth and no local write.
func (h *Handler) StartPaymentIntent(c *gin.Context) {
	var req struct {
		Tier         string `json:"tier" binding:"required"`
		BillingCycle string `json:"billingCycle"`
		Email        string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier and email required"})
		return
	}

	tier, ok := plan.ParseTier(req.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}
	cycle, ok := ParseCycle(req.BillingCycle)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cycle", "message": "billingCycle must be monthly or yearly"})
		return
	}

	result, err := h.svc.StartDirectPaymentIntent(c.Request.Context(), tier, cycle, req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// OpenPortal handles POST /v1/shops/:id/billing/portal.
func (h *Handler) OpenPortal(c *gin.Context) {
	sh, ok := h.loadShop(c)
	if !ok {
		return
	}

	url, err := h.svc.OpenPortal(c.Request.Context(), sh)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_billing_account",
				"message": "this shop has no billing account yet",
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Reconcile handles POST /v1/shops/:id/billing/reconcile.
func (h *Handler) Reconcile(c *gin.Context) {
	sh, ok := h.loadShop(c)
	if !ok {
		return
	}

	result, err := h.svc.Reconcile(c.Request.Context(), sh)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyLinked):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_linked",
				"message": "this shop already has an active subscription",
			})
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_payment_found",
				"message": "no payment found for your email, contact support",
			})
		default:
			h.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetEntitlements handles GET /v1/shops/:id/entitlements.
func (h *Handler) GetEntitlements(c *gin.Context) {
	sh, ok := h.loadShop(c)
	if !ok {
		return
	}

	p := plan.Get(sh.Billing.Tier)
	upgrade, _ := plan.UpgradeTier(sh.Billing.Tier)

	c.JSON(http.StatusOK, gin.H{
		"tier":        sh.Billing.Tier,
		"status":      sh.Billing.Status,
		"features":    p.Features,
		"limits":      p.Limits,
		"upgradeTier": upgrade,
	})
}

func (h *Handler) loadShop(c *gin.Context) (*shop.Shop, bool) {
	sh, err := h.shops.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, shop.ErrShopNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "shop not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load shop"})
		}
		return nil, false
	}
	return sh, true
}

// writeError maps service errors onto HTTP statuses. Gateway error kinds
// pass through unchanged in the response body so clients can decide
// whether a retry is worthwhile.
func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidConfiguration) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invalid_configuration",
			"message": "billing is not configured for this tier",
		})
		return
	}

	if kind, ok := ErrKindOf(err); ok {
		switch kind {
		case KindTransient:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "processor_unavailable",
				"message": "payment processor is temporarily unavailable, try again",
			})
		case KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "referenced billing object does not exist",
			})
		case KindAuth:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "processor_auth",
				"message": "payment processor rejected our credentials",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "processor_rejected",
				"message": "payment processor rejected the request",
			})
		}
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "billing operation failed"})
}
