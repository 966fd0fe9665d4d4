package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	sc *client.API
}

// NewStripeGateway creates a gateway with its own Stripe client.
// The client is injected rather than using the package-level stripe key so
// tests can construct gateways against fakes.
func NewStripeGateway(apiKey string) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{sc: sc}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	cust, err := g.sc.Customers.New(params)
	if err != nil {
		return nil, normalizeErr("create_customer", err)
	}
	return customerFromStripe(cust), nil
}

func (g *StripeGateway) SearchCustomersByEmail(ctx context.Context, email string, limit int) ([]*Customer, error) {
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(int64(limit))},
		Email:      stripe.String(email),
	}

	var customers []*Customer
	iter := g.sc.Customers.List(params)
	for iter.Next() {
		customers = append(customers, customerFromStripe(iter.Customer()))
		if len(customers) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, normalizeErr("search_customers_by_email", err)
	}
	return customers, nil
}

func (g *StripeGateway) SearchCustomersByMetadata(ctx context.Context, key, value string) (*Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata[%q]:%q", key, value),
			Limit:   stripe.Int64(1),
		},
	}

	iter := g.sc.Customers.Search(params)
	if iter.Next() {
		return customerFromStripe(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, normalizeErr("search_customers_by_metadata", err)
	}
	return nil, &GatewayError{Op: "search_customers_by_metadata", Kind: KindNotFound, Err: errors.New("no customer matched")}
}

func (g *StripeGateway) ListSubscriptions(ctx context.Context, customerID string, status SubscriptionStatus) ([]*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
		Status:     stripe.String(string(status)),
	}

	var subs []*Subscription
	iter := g.sc.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, subscriptionFromStripe(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, normalizeErr("list_subscriptions", err)
	}
	return subs, nil
}

func (g *StripeGateway) ListPaymentIntents(ctx context.Context, customerID string) ([]*PaymentIntent, error) {
	params := &stripe.PaymentIntentListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
	}

	var intents []*PaymentIntent
	iter := g.sc.PaymentIntents.List(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		intents = append(intents, &PaymentIntent{
			ID:           pi.ID,
			CustomerID:   customerIDOf(pi.Customer),
			Status:       string(pi.Status),
			ClientSecret: pi.ClientSecret,
			Metadata:     pi.Metadata,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, normalizeErr("list_payment_intents", err)
	}
	return intents, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params:   stripe.Params{Context: ctx},
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(p.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	switch p.Mode {
	case CheckoutModeEmbedded:
		params.UIMode = stripe.String(string(stripe.CheckoutSessionUIModeEmbedded))
		params.ReturnURL = stripe.String(p.ReturnURL)
	default:
		params.SuccessURL = stripe.String(p.SuccessURL)
		params.CancelURL = stripe.String(p.CancelURL)
	}

	sess, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, normalizeErr("create_checkout_session", err)
	}
	return &CheckoutSession{
		ID:           sess.ID,
		URL:          sess.URL,
		ClientSecret: sess.ClientSecret,
	}, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
		Customer: stripe.String(p.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.SaveForFutureUse {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, normalizeErr("create_payment_intent", err)
	}
	return &PaymentIntent{
		ID:           pi.ID,
		CustomerID:   customerIDOf(pi.Customer),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}, nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	sess, err := g.sc.BillingPortalSessions.New(params)
	if err != nil {
		return "", normalizeErr("create_portal_session", err)
	}
	return sess.URL, nil
}

func (g *StripeGateway) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	if _, err := g.sc.Subscriptions.Update(subscriptionID, params); err != nil {
		return normalizeErr("update_subscription_metadata", err)
	}
	return nil
}

func customerFromStripe(c *stripe.Customer) *Customer {
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
	}
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	sub := &Subscription{
		ID:         s.ID,
		CustomerID: customerIDOf(s.Customer),
		Status:     SubscriptionStatus(s.Status),
		Metadata:   s.Metadata,
	}
	if s.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return sub
}

func customerIDOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// normalizeErr maps a Stripe error to a GatewayError kind. The mapping is
// driven by HTTP status first, then the Stripe error type: 429 and 5xx are
// transient, 401/403 are auth, 404 (and resource_missing) is not_found,
// everything else is a rejected request.
func normalizeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport-level failure (timeout, connection reset).
		return &GatewayError{Op: op, Kind: KindTransient, Err: err}
	}

	kind := KindInvalidRequest
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= 500,
		stripeErr.Type == stripe.ErrorTypeAPI:
		kind = KindTransient
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized,
		stripeErr.HTTPStatusCode == http.StatusForbidden,
		stripeErr.Type == stripe.ErrorType("authentication_error"):
		kind = KindAuth
	case stripeErr.HTTPStatusCode == http.StatusNotFound,
		stripeErr.Code == stripe.ErrorCodeResourceMissing:
		kind = KindNotFound
	}

	return &GatewayError{Op: op, Kind: kind, Err: err}
}
