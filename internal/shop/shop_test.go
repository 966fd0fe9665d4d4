package shop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treadline/internal/plan"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := &Shop{
		ID:         "shop_1",
		Name:       "Joe's Tires",
		Slug:       "joes-tires",
		OwnerEmail: "joe@joestires.com",
		Billing:    NewBilling(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	// Create
	err := store.Create(ctx, s)
	require.NoError(t, err)

	// Get by ID
	got, err := store.Get(ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, "Joe's Tires", got.Name)
	assert.Equal(t, BillingNone, got.Billing.Status)
	assert.Equal(t, plan.DefaultTier, got.Billing.Tier)

	// Get by slug
	got, err = store.GetBySlug(ctx, "joes-tires")
	require.NoError(t, err)
	assert.Equal(t, "shop_1", got.ID)

	// Update
	got.Name = "Joe's Tire Barn"
	err = store.Update(ctx, got)
	require.NoError(t, err)

	got2, _ := store.Get(ctx, "shop_1")
	assert.Equal(t, "Joe's Tire Barn", got2.Name)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrShopNotFound)

	_, err = store.GetBySlug(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrShopNotFound)

	err = store.Update(ctx, &Shop{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrShopNotFound)

	err = store.UpdateBilling(ctx, "nonexistent", NewBilling())
	assert.ErrorIs(t, err, ErrShopNotFound)
}

func TestMemoryStore_DuplicateSlug(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Create(ctx, &Shop{ID: "shop_1", Slug: "joes-tires"})
	err := store.Create(ctx, &Shop{ID: "shop_2", Slug: "joes-tires"})
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestMemoryStore_UpdateBilling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Create(ctx, &Shop{ID: "shop_1", Slug: "joes-tires", Billing: NewBilling()})

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	err := store.UpdateBilling(ctx, "shop_1", Billing{
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_456",
		Status:               BillingActive,
		Tier:                 plan.TierPro,
		CurrentPeriodEnd:     periodEnd,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, BillingActive, got.Billing.Status)
	assert.Equal(t, plan.TierPro, got.Billing.Tier)
	assert.Equal(t, "cus_123", got.Billing.StripeCustomerID)
	assert.Equal(t, "sub_456", got.Billing.StripeSubscriptionID)
	assert.WithinDuration(t, periodEnd, got.Billing.CurrentPeriodEnd, time.Second)
}

func TestNewBilling(t *testing.T) {
	b := NewBilling()
	assert.Equal(t, BillingNone, b.Status)
	assert.Equal(t, plan.DefaultTier, b.Tier)
	assert.Empty(t, b.StripeCustomerID)
	assert.True(t, b.CurrentPeriodEnd.IsZero())
}
