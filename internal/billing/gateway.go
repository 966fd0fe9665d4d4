package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SubscriptionStatus mirrors the processor's subscription lifecycle states
// that billing cares about.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// Customer is the processor's record of a payer.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Subscription is a processor subscription snapshot.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
	Metadata         map[string]string
}

// PaymentIntent is a processor payment-intent snapshot.
type PaymentIntent struct {
	ID           string
	CustomerID   string
	Status       string // "succeeded" is the only status billing acts on
	ClientSecret string
	Metadata     map[string]string
}

// CheckoutSession is a created checkout session. Exactly one of URL or
// ClientSecret is set, depending on the mode.
type CheckoutSession struct {
	ID           string
	URL          string // hosted mode redirect target
	ClientSecret string // embedded mode client handle
}

// CheckoutMode selects how the processor-hosted checkout is presented.
type CheckoutMode string

const (
	CheckoutModeHosted   CheckoutMode = "hosted"
	CheckoutModeEmbedded CheckoutMode = "embedded"
)

// CheckoutParams describes a subscription checkout session request.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	Mode       CheckoutMode
	SuccessURL string
	CancelURL  string
	ReturnURL  string // embedded mode only
	// Metadata is stamped onto both the session and the subscription it
	// creates, so webhooks and reconciliation can attribute it.
	Metadata map[string]string
}

// PaymentIntentParams describes a one-shot payment-intent request.
type PaymentIntentParams struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	// SaveForFutureUse requests off-session reuse of the payment method.
	SaveForFutureUse bool
	Metadata         map[string]string
}

// Gateway is the only surface allowed to talk to the payment processor.
// Implementations must not retry internally: customer and session creation
// are not idempotent, and a silent retry can double-charge. Callers that
// want retries wrap individual read-only calls.
type Gateway interface {
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error)
	SearchCustomersByEmail(ctx context.Context, email string, limit int) ([]*Customer, error)
	SearchCustomersByMetadata(ctx context.Context, key, value string) (*Customer, error)
	ListSubscriptions(ctx context.Context, customerID string, status SubscriptionStatus) ([]*Subscription, error)
	ListPaymentIntents(ctx context.Context, customerID string) ([]*PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
}

// ErrorKind classifies a processor failure for retry policy decisions.
type ErrorKind string

const (
	// KindTransient covers network failures, rate limits, and processor
	// 5xx responses. Safe to retry with backoff.
	KindTransient ErrorKind = "transient"
	// KindInvalidRequest means the processor rejected the request as
	// malformed. Retrying the same request will fail the same way.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindNotFound means the referenced processor object does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindAuth means the API key was rejected.
	KindAuth ErrorKind = "auth"
)

// GatewayError is a normalized processor failure. Op names the gateway
// operation that failed.
type GatewayError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("billing gateway: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrKindOf returns the error kind if err is (or wraps) a GatewayError.
func ErrKindOf(err error) (ErrorKind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	kind, ok := ErrKindOf(err)
	return ok && kind == KindTransient
}
