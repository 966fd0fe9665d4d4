package shop

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/treadline/internal/auth"
	"github.com/mbd888/treadline/internal/idgen"
	"github.com/mbd888/treadline/internal/metrics"
	"github.com/mbd888/treadline/internal/validation"
)

// Handler provides HTTP endpoints for shop management.
type Handler struct {
	store   Store
	authMgr *auth.Manager
}

// NewHandler creates a new shop handler.
func NewHandler(store Store, authMgr *auth.Manager) *Handler {
	return &Handler{store: store, authMgr: authMgr}
}

// RegisterPublicRoutes sets up the signup route.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/shops", h.CreateShop)
}

// RegisterProtectedRoutes sets up shop routes that require API key auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/shops/:id", h.GetShop)
	r.PATCH("/shops/:id", h.UpdateShop)
	r.POST("/shops/:id/keys", h.CreateKey)
	r.GET("/shops/:id/keys", h.ListKeys)
	r.DELETE("/shops/:id/keys/:keyId", h.RevokeKey)
}

// CreateShop handles POST /v1/shops — public signup.
func (h *Handler) CreateShop(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Slug       string `json:"slug" binding:"required"`
		OwnerEmail string `json:"ownerEmail" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name, slug, and ownerEmail required"})
		return
	}

	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !validation.IsValidSlug(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "slug must be 3-64 lowercase alphanumeric/hyphens, start/end with alphanumeric",
		})
		return
	}
	if !validation.IsValidEmail(req.OwnerEmail) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": "invalid owner email"})
		return
	}

	now := time.Now()
	s := &Shop{
		ID:         idgen.WithPrefix("shop_"),
		Name:       validation.SanitizeString(req.Name, 200),
		Slug:       req.Slug,
		OwnerEmail: validation.NormalizeEmail(req.OwnerEmail),
		Billing:    NewBilling(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.Create(c.Request.Context(), s); err != nil {
		if err == ErrSlugTaken {
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create shop"})
		return
	}

	metrics.ShopsCreatedTotal.Inc()

	// Issue the owner's API key.
	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), s.ID, s.OwnerEmail, auth.RoleOwner, "Owner key")
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"shop":    s,
			"warning": "Shop created but key generation failed. Contact support for an API key.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"shop":    s,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// GetShop handles GET /v1/shops/:id
func (h *Handler) GetShop(c *gin.Context) {
	s, ok := h.loadOwnShop(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"shop": s})
}

// UpdateShop handles PATCH /v1/shops/:id. Billing fields are not
// editable here; they belong to the billing flows.
func (h *Handler) UpdateShop(c *gin.Context) {
	s, ok := h.loadOwnShop(c)
	if !ok {
		return
	}

	var req struct {
		Name *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		s.Name = validation.SanitizeString(*req.Name, 200)
	}
	s.UpdatedAt = time.Now()

	if err := h.store.Update(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update shop"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"shop": s})
}

// CreateKey handles POST /v1/shops/:id/keys — owners issue staff keys.
func (h *Handler) CreateKey(c *gin.Context) {
	s, ok := h.loadOwnShop(c)
	if !ok {
		return
	}
	if !ownerOnly(c) {
		return
	}

	var req struct {
		Email string `json:"email" binding:"required"`
		Role  string `json:"role"`
		Name  string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "email required"})
		return
	}
	if !validation.IsValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": "invalid email"})
		return
	}

	role := auth.RoleStaff
	if req.Role == string(auth.RoleOwner) {
		role = auth.RoleOwner
	}
	name := validation.SanitizeString(req.Name, 100)
	if name == "" {
		name = "Staff key"
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), s.ID, req.Email, role, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to generate key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     keyInfo,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/shops/:id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	s, ok := h.loadOwnShop(c)
	if !ok {
		return
	}

	keys, err := h.authMgr.ListKeys(c.Request.Context(), s.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/shops/:id/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	s, ok := h.loadOwnShop(c)
	if !ok {
		return
	}
	if !ownerOnly(c) {
		return
	}

	if err := h.authMgr.RevokeKey(c.Request.Context(), c.Param("keyId"), s.ID); err != nil {
		if err == auth.ErrKeyNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// loadOwnShop fetches the shop in :id and verifies the caller's key
// belongs to it.
func (h *Handler) loadOwnShop(c *gin.Context) (*Shop, bool) {
	id := c.Param("id")

	s, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if err == ErrShopNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "shop not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load shop"})
		}
		return nil, false
	}

	if auth.GetShopID(c) != s.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your shop"})
		return nil, false
	}
	return s, true
}

func ownerOnly(c *gin.Context) bool {
	key, ok := auth.GetAPIKey(c)
	if !ok || key.Role != auth.RoleOwner {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "owner access required"})
		return false
	}
	return true
}
