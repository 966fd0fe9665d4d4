package auth

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Context keys for authenticated requests
const (
	ContextKeyAPIKey = "auth_api_key"
	ContextKeyShopID = "auth_shop_id"
	ContextKeyEmail  = "auth_email"
	ContextKeyRole   = "auth_role"
)

// Middleware validates the API key if present and stores the authenticated
// identity in the request context. It does not reject unauthenticated
// requests; pair it with RequireAuth on protected routes.
// The key is read from the Authorization header (Bearer) or X-API-Key.
func Middleware(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey != "" {
			key, err := mgr.ValidateKey(c.Request.Context(), rawKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyShopID, key.ShopID)
				c.Set(ContextKeyEmail, key.Email)
				c.Set(ContextKeyRole, string(key.Role))
			}
		}

		c.Next()
	}
}

// RequireAuth aborts with 401 if the request was not authenticated.
func RequireAuth(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"hint":  "Include 'Authorization: Bearer tk_...' or 'X-API-Key: tk_...' header",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireShopAccess ensures the authenticated key belongs to the shop
// named by the given route parameter.
func RequireShopAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		shopID := c.Param(param)
		if shopID != "" && key.ShopID != shopID {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "you do not have access to this shop",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireOwner ensures the authenticated key carries the owner role.
// Billing operations (checkout, portal, reconcile) are owner-only.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		if key.Role != RoleOwner {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "owner access required",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireAdmin protects back-office endpoints.
// When ADMIN_SECRET is unset (demo mode), any authenticated request
// passes. When set, the X-Admin-Secret header must match.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("ADMIN_SECRET")

		if secret == "" {
			if _, exists := c.Get(ContextKeyAPIKey); !exists {
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "authentication required",
				})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		if c.GetHeader("X-Admin-Secret") != secret {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "admin access required",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetAPIKey returns the authenticated key metadata from context.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetShopID returns the authenticated shop ID from context.
func GetShopID(c *gin.Context) string {
	if v, exists := c.Get(ContextKeyShopID); exists {
		return v.(string)
	}
	return ""
}

// GetEmail returns the authenticated user email from context.
func GetEmail(c *gin.Context) string {
	if v, exists := c.Get(ContextKeyEmail); exists {
		return v.(string)
	}
	return ""
}

// IsAuthenticated reports whether the request carries a valid API key.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
