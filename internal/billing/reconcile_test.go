package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treadline/internal/plan"
	"github.com/mbd888/treadline/internal/shop"
)

func newTestService(gw Gateway, shops shop.Store) *Service {
	prices, _ := NewPriceTable(map[string]string{
		"starter:monthly":    "price_starter_m",
		"pro:monthly":        "price_pro_m",
		"pro:yearly":         "price_pro_y",
		"enterprise:monthly": "price_ent_m",
	})
	return NewService(gw, prices, shops, "https://app.treadline.test")
}

func seedShop(t *testing.T, shops shop.Store, email string) *shop.Shop {
	t.Helper()
	sh := &shop.Shop{
		ID:         "shop_1",
		Name:       "Main Street Tire",
		Slug:       "main-street-tire",
		OwnerEmail: email,
		Billing:    shop.NewBilling(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, shops.Create(context.Background(), sh))
	return sh
}

func TestReconcile_ActiveSubscriptionLinked(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	periodEnd := time.Now().Add(20 * 24 * time.Hour).Truncate(time.Second)
	gw.customersByEmail["owner@shop.test"] = []*Customer{
		{ID: "cus_1", Email: "owner@shop.test"},
	}
	gw.addSubscription(&Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           SubStatusActive,
		CurrentPeriodEnd: periodEnd,
		Metadata:         map[string]string{"tier": "pro"},
	})

	svc := newTestService(gw, shops)
	result, err := svc.Reconcile(ctx, sh)
	require.NoError(t, err)

	assert.Equal(t, "pro", result.Tier)
	assert.Equal(t, "sub_1", result.SubscriptionID)
	assert.Equal(t, "cus_1", result.CustomerID)

	got, err := shops.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.BillingActive, got.Billing.Status)
	assert.Equal(t, plan.TierPro, got.Billing.Tier)
	assert.Equal(t, "cus_1", got.Billing.StripeCustomerID)
	assert.Equal(t, "sub_1", got.Billing.StripeSubscriptionID)
	assert.WithinDuration(t, periodEnd, got.Billing.CurrentPeriodEnd, time.Second)

	// The subscription gets tagged with the shop id so future lookups
	// hit the metadata search directly.
	assert.Equal(t, map[string]string{"shop_id": "shop_1"}, gw.metadataWrites["sub_1"])
}

func TestReconcile_NoMatch_RecordUnchanged(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	_, err := newTestService(gw, shops).Reconcile(ctx, sh)
	assert.ErrorIs(t, err, ErrNotFound)

	got, _ := shops.Get(ctx, sh.ID)
	assert.Equal(t, shop.BillingNone, got.Billing.Status)
	assert.Equal(t, plan.DefaultTier, got.Billing.Tier)
	assert.Empty(t, got.Billing.StripeCustomerID)
}

func TestReconcile_AlreadyActive_Refuses(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	sh.Billing.Status = shop.BillingActive
	sh.Billing.Tier = plan.TierPro
	require.NoError(t, shops.UpdateBilling(ctx, sh.ID, sh.Billing))

	sh, _ = shops.Get(ctx, sh.ID)
	_, err := newTestService(gw, shops).Reconcile(ctx, sh)
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	// Refused before any processor call
	assert.Zero(t, gw.emailSearches)
}

func TestReconcile_SecondCallReturnsAlreadyLinked(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "pro"},
	})

	svc := newTestService(gw, shops)
	_, err := svc.Reconcile(ctx, sh)
	require.NoError(t, err)

	searchesAfterFirst := gw.emailSearches

	sh, _ = shops.Get(ctx, sh.ID)
	_, err = svc.Reconcile(ctx, sh)
	assert.ErrorIs(t, err, ErrAlreadyLinked)
	assert.Equal(t, searchesAfterFirst, gw.emailSearches, "second call must not re-scan")
}

func TestReconcile_TrialingSubscriptionBeatsPayment(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	// One customer with both a trialing subscription and a succeeded
	// one-time payment: the subscription wins.
	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:         "sub_trial",
		CustomerID: "cus_1",
		Status:     SubStatusTrialing,
		Metadata:   map[string]string{"tier": "enterprise"},
	})
	gw.intents["cus_1"] = []*PaymentIntent{
		{ID: "pi_1", CustomerID: "cus_1", Status: "succeeded", Metadata: map[string]string{"tier": "starter"}},
	}

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "sub_trial", result.SubscriptionID)
	assert.Equal(t, "enterprise", result.Tier)
}

func TestReconcile_PriorityBeatsCandidateOrder(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	// Customer A comes first in search order with only a one-time
	// payment; customer B has an active subscription. B must win.
	gw.customersByEmail["owner@shop.test"] = []*Customer{
		{ID: "cus_a", Email: "owner@shop.test"},
		{ID: "cus_b", Email: "owner@shop.test"},
	}
	gw.intents["cus_a"] = []*PaymentIntent{
		{ID: "pi_a", CustomerID: "cus_a", Status: "succeeded", Metadata: map[string]string{"tier": "pro"}},
	}
	gw.addSubscription(&Subscription{
		ID:         "sub_b",
		CustomerID: "cus_b",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "enterprise"},
	})

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "sub_b", result.SubscriptionID)
	assert.Equal(t, "enterprise", result.Tier)
	assert.Equal(t, "cus_b", result.CustomerID)
}

func TestReconcile_PaymentOnly_SyntheticPeriodEnd(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.intents["cus_1"] = []*PaymentIntent{
		{ID: "pi_1", CustomerID: "cus_1", Status: "succeeded", Metadata: map[string]string{"tier": "pro"}},
	}

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "pro", result.Tier)
	assert.Empty(t, result.SubscriptionID)

	got, _ := shops.Get(ctx, sh.ID)
	assert.Equal(t, shop.BillingActive, got.Billing.Status)
	assert.Empty(t, got.Billing.StripeSubscriptionID)
	// One-time payers get a synthetic one-year grant.
	assert.WithinDuration(t, time.Now().Add(paymentGracePeriod), got.Billing.CurrentPeriodEnd, time.Minute)
	// No subscription, so no metadata write-back.
	assert.Empty(t, gw.metadataWrites)
}

func TestReconcile_PaymentWithoutTierHint_FallsBackToCustomerThenDefault(t *testing.T) {
	ctx := context.Background()
	shops := shop.NewMemoryStore()

	// Hint on the customer record.
	gw := newFakeGateway()
	sh := seedShop(t, shops, "owner@shop.test")
	gw.customersByEmail["owner@shop.test"] = []*Customer{
		{ID: "cus_1", Email: "owner@shop.test", Metadata: map[string]string{"tier": "pro"}},
	}
	gw.intents["cus_1"] = []*PaymentIntent{
		{ID: "pi_1", CustomerID: "cus_1", Status: "succeeded"},
	}
	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "pro", result.Tier)

	// No hint anywhere: default tier, not a made-up string.
	gw2 := newFakeGateway()
	shops2 := shop.NewMemoryStore()
	sh2 := seedShop(t, shops2, "owner@shop.test")
	gw2.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_2", Email: "owner@shop.test"}}
	gw2.intents["cus_2"] = []*PaymentIntent{{ID: "pi_2", CustomerID: "cus_2", Status: "succeeded"}}
	result, err = newTestService(gw2, shops2).Reconcile(ctx, sh2)
	require.NoError(t, err)
	assert.Equal(t, string(plan.DefaultTier), result.Tier)
}

func TestReconcile_UnknownTierHintIgnored(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "freemium"},
	})

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, string(plan.DefaultTier), result.Tier)
}

func TestReconcile_ActiveSubStopsScan(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{
		{ID: "cus_a", Email: "owner@shop.test"},
		{ID: "cus_b", Email: "owner@shop.test"},
	}
	gw.addSubscription(&Subscription{
		ID:         "sub_a",
		CustomerID: "cus_a",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "pro"},
	})

	_, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)

	// Nothing can outrank cus_a's active subscription, so cus_b is
	// never queried.
	for _, call := range gw.subListCalls {
		assert.NotContains(t, call, "cus_b")
	}
}

func TestReconcile_MetadataWriteBackFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     SubStatusActive,
		Metadata:   map[string]string{"tier": "pro"},
	})
	gw.failWith("update_subscription_metadata", KindTransient)

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err, "metadata write-back is best-effort")
	assert.Equal(t, "pro", result.Tier)

	got, _ := shops.Get(ctx, sh.ID)
	assert.Equal(t, shop.BillingActive, got.Billing.Status)
}

func TestReconcile_SearchFailurePropagatesKind(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.failWith("search_customers_by_email", KindAuth)

	_, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.Error(t, err)
	kind, ok := ErrKindOf(err)
	require.True(t, ok, "gateway error kind must survive wrapping")
	assert.Equal(t, KindAuth, kind)

	got, _ := shops.Get(ctx, sh.ID)
	assert.Equal(t, shop.BillingNone, got.Billing.Status)
}

func TestSelectLinkage_EmptyCandidates(t *testing.T) {
	_, ok := selectLinkage(nil)
	assert.False(t, ok)

	// Candidates with no billing evidence at all.
	_, ok = selectLinkage([]candidate{
		{customer: &Customer{ID: "cus_1"}},
		{customer: &Customer{ID: "cus_2"}},
	})
	assert.False(t, ok)
}

// brokenBillingStore fails the billing write a set number of times,
// then delegates to the wrapped store.
type brokenBillingStore struct {
	shop.Store
	failures int
	writes   int
}

func (s *brokenBillingStore) UpdateBilling(ctx context.Context, id string, b shop.Billing) error {
	s.writes++
	if s.failures > 0 {
		s.failures--
		return errors.New("write billing: connection reset by peer")
	}
	return s.Store.UpdateBilling(ctx, id, b)
}

func TestReconcile_BillingWriteFailureFailsRepair(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           SubStatusActive,
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
		Metadata:         map[string]string{"tier": "pro"},
	})

	broken := &brokenBillingStore{Store: shops, failures: 1}
	svc := newTestService(gw, broken)

	_, err := svc.Reconcile(ctx, sh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updating billing record")

	// The write never landed, so the shop stays unlinked.
	got, gerr := shops.Get(ctx, sh.ID)
	require.NoError(t, gerr)
	assert.Equal(t, shop.BillingNone, got.Billing.Status)
	assert.Empty(t, got.Billing.StripeCustomerID)

	// A second attempt hits a healthy store and completes the link.
	result, err := svc.Reconcile(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", result.CustomerID)
	assert.Equal(t, "sub_1", result.SubscriptionID)
	assert.Equal(t, 2, broken.writes)

	got, _ = shops.Get(ctx, sh.ID)
	assert.Equal(t, shop.BillingActive, got.Billing.Status)
	assert.Equal(t, plan.TierPro, got.Billing.Tier)
}

func TestReconcile_TransientSubscriptionListRetried(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.addSubscription(&Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           SubStatusActive,
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
		Metadata:         map[string]string{"tier": "pro"},
	})
	gw.failTransiently("list_subscriptions", 1)

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", result.SubscriptionID)

	// The failed attempt plus the retry that succeeded.
	assert.Equal(t, []string{"cus_1:active", "cus_1:active"}, gw.subListCalls)
}

func TestReconcile_TransientPaymentListRetried(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	shops := shop.NewMemoryStore()
	sh := seedShop(t, shops, "owner@shop.test")

	gw.customersByEmail["owner@shop.test"] = []*Customer{{ID: "cus_1", Email: "owner@shop.test"}}
	gw.intents["cus_1"] = []*PaymentIntent{{
		ID:         "pi_1",
		CustomerID: "cus_1",
		Status:     "succeeded",
		Metadata:   map[string]string{"tier": "pro"},
	}}
	gw.failTransiently("list_payment_intents", 1)

	result, err := newTestService(gw, shops).Reconcile(ctx, sh)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", result.CustomerID)
	assert.Equal(t, "pro", result.Tier)
}
