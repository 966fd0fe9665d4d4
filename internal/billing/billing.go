// Package billing drives subscription purchases against the payment
// processor and repairs local billing state when it drifts from the
// processor's ground truth.
package billing

import (
	"errors"

	"github.com/mbd888/treadline/internal/shop"
)

// Errors
var (
	// ErrNotFound means no billing linkage could be established: no
	// processor customer, no matching subscription or payment.
	ErrNotFound = errors.New("no billing record found")
	// ErrAlreadyLinked means the shop already has an active subscription;
	// reconciliation is a repair tool and refuses to touch it.
	ErrAlreadyLinked = errors.New("shop already has an active subscription")
	// ErrInvalidConfiguration means a tier/cycle has no configured price.
	// This is a deployment error, not a user error.
	ErrInvalidConfiguration = errors.New("no price configured for tier")
)

// BillingCycle is the subscription renewal interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// ParseCycle validates a billing cycle string, defaulting to monthly.
func ParseCycle(s string) (BillingCycle, bool) {
	switch BillingCycle(s) {
	case CycleMonthly, "":
		return CycleMonthly, true
	case CycleYearly:
		return CycleYearly, true
	}
	return "", false
}

// CheckoutResult is the outcome of starting a checkout session.
type CheckoutResult struct {
	SessionID    string `json:"sessionId"`
	URL          string `json:"url,omitempty"`          // hosted mode
	ClientSecret string `json:"clientSecret,omitempty"` // embedded mode
	CustomerID   string `json:"customerId"`
}

// PaymentIntentResult is the outcome of the direct payment-intent flow.
type PaymentIntentResult struct {
	ClientSecret string `json:"clientSecret"`
	CustomerID   string `json:"customerId"`
}

// ReconcileResult is the outcome of a successful find-and-link repair.
type ReconcileResult struct {
	Tier           string `json:"tier"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	CustomerID     string `json:"customerId"`
}

// Service wires the processor gateway, price configuration, and the shop
// store into the billing operations exposed to handlers.
type Service struct {
	gateway Gateway
	prices  *PriceTable
	shops   shop.Store
	baseURL string
}

// NewService creates a billing service.
func NewService(gateway Gateway, prices *PriceTable, shops shop.Store, baseURL string) *Service {
	return &Service{
		gateway: gateway,
		prices:  prices,
		shops:   shops,
		baseURL: baseURL,
	}
}
