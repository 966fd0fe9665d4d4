package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treadline/internal/plan"
	"github.com/mbd888/treadline/internal/shop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerTest(t *testing.T) (*gin.Engine, *fakeGateway, shop.Store, *shop.Shop) {
	t.Helper()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	h := NewHandler(newTestService(gw, shops), shops)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterShopRoutes(v1)
	h.RegisterShopReadRoutes(v1)
	h.RegisterPublicRoutes(v1)
	return r, gw, shops, sh
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCheckoutEndpoint(t *testing.T) {
	r, _, _, sh := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/checkout", gin.H{
		"tier":         "pro",
		"billingCycle": "monthly",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.URL)
	assert.NotEmpty(t, resp.CustomerID)
}

func TestCheckoutEndpoint_UnknownTier(t *testing.T) {
	r, _, _, sh := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/checkout", gin.H{"tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_tier")
}

func TestCheckoutEndpoint_UnknownShop(t *testing.T) {
	r, _, _, _ := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/shops/shop_missing/billing/checkout", gin.H{"tier": "pro"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutEndpoint_ProcessorDown(t *testing.T) {
	r, gw, _, sh := setupHandlerTest(t)
	gw.failWith("create_checkout_session", KindTransient)
	// Skip the dedup search path so the transient failure surfaces from
	// session creation, not the customer lookup.
	gw.customersByMeta["shop_id="+sh.ID] = &Customer{ID: "cus_1"}

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/checkout", gin.H{"tier": "pro"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "processor_unavailable")
}

func TestPaymentIntentEndpoint(t *testing.T) {
	r, _, _, _ := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/billing/payment-intent", gin.H{
		"tier":  "starter",
		"email": "buyer@example.test",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp PaymentIntentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientSecret)
}

func TestPaymentIntentEndpoint_MissingEmail(t *testing.T) {
	r, _, _, _ := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/billing/payment-intent", gin.H{"tier": "starter"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint_Linked(t *testing.T) {
	r, gw, shops, sh := setupHandlerTest(t)

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "pro"},
	})

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ReconcileResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.Tier)
	assert.Equal(t, "sub_1", resp.SubscriptionID)

	got, _ := shops.Get(context.Background(), sh.ID)
	assert.Equal(t, shop.BillingActive, got.Billing.Status)
}

func TestReconcileEndpoint_NoPayment(t *testing.T) {
	r, _, _, sh := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no_payment_found")
}

func TestReconcileEndpoint_AlreadyLinked(t *testing.T) {
	r, _, shops, sh := setupHandlerTest(t)

	b := sh.Billing
	b.Status = shop.BillingActive
	b.Tier = plan.TierPro
	require.NoError(t, shops.UpdateBilling(context.Background(), sh.ID, b))

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/reconcile", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_linked")
}

func TestPortalEndpoint_NoBillingAccount(t *testing.T) {
	r, _, _, sh := setupHandlerTest(t)

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/portal", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no_billing_account")
}

func TestPortalEndpoint_Linked(t *testing.T) {
	r, _, shops, sh := setupHandlerTest(t)

	b := sh.Billing
	b.StripeCustomerID = "cus_1"
	require.NoError(t, shops.UpdateBilling(context.Background(), sh.ID, b))

	w := doJSON(r, "POST", "/v1/shops/"+sh.ID+"/billing/portal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "portal.example.test")
}

func TestEntitlementsEndpoint(t *testing.T) {
	r, _, shops, sh := setupHandlerTest(t)

	b := sh.Billing
	b.Status = shop.BillingActive
	b.Tier = plan.TierPro
	require.NoError(t, shops.UpdateBilling(context.Background(), sh.ID, b))

	w := doJSON(r, "GET", "/v1/shops/"+sh.ID+"/entitlements", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier        string           `json:"tier"`
		Status      string           `json:"status"`
		Features    []plan.FeatureKey `json:"features"`
		Limits      map[string]int   `json:"limits"`
		UpgradeTier string           `json:"upgradeTier"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.Tier)
	assert.Equal(t, "active", resp.Status)
	assert.Contains(t, resp.Features, plan.FeatureReports)
	assert.Equal(t, "enterprise", resp.UpgradeTier)
}
