// Package shop provides the tenant (shop) entity and its persistence.
// Each shop owns one billing record; those fields are mutated only by
// the billing package (checkout completion and reconciliation), never
// by handlers directly.
package shop

import (
	"errors"
	"time"

	"github.com/mbd888/treadline/internal/plan"
)

// Errors
var (
	ErrShopNotFound = errors.New("shop: not found")
	ErrSlugTaken    = errors.New("shop: slug already taken")
)

// BillingStatus is the locally cached subscription state. It is a
// snapshot of the payment processor's ground truth and can go stale.
type BillingStatus string

const (
	BillingNone      BillingStatus = "none"
	BillingTrialing  BillingStatus = "trialing"
	BillingActive    BillingStatus = "active"
	BillingPastDue   BillingStatus = "past_due"
	BillingCancelled BillingStatus = "cancelled"
)

// Billing is the shop's billing record. StripeCustomerID is a weak
// reference into Stripe's own store: we cache the pointer plus a status
// snapshot, we never own the record.
type Billing struct {
	StripeCustomerID     string        `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string        `json:"stripeSubscriptionId,omitempty"`
	Status               BillingStatus `json:"status"`
	Tier                 plan.Tier     `json:"tier"`
	CurrentPeriodEnd     time.Time     `json:"currentPeriodEnd,omitzero"`
}

// Shop represents a tire shop (tenant) using the platform.
type Shop struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	OwnerEmail string    `json:"ownerEmail"`
	Billing    Billing   `json:"billing"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewBilling returns the billing record for a shop that has never
// purchased: no processor linkage, lowest tier entitlements.
func NewBilling() Billing {
	return Billing{
		Status: BillingNone,
		Tier:   plan.DefaultTier,
	}
}
