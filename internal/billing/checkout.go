package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/treadline/internal/logging"
	"github.com/mbd888/treadline/internal/plan"
	"github.com/mbd888/treadline/internal/retry"
	"github.com/mbd888/treadline/internal/shop"
	"github.com/mbd888/treadline/internal/traces"
)

// Metadata keys stamped onto processor objects so webhooks and
// reconciliation can attribute them to a shop.
const (
	metaShopID = "shop_id"
	metaTier   = "tier"
	metaCycle  = "billing_cycle"
	metaEmail  = "email"
)

// StartCheckout begins a subscription purchase for a shop. It resolves
// (or creates) the shop's processor customer, then opens a checkout
// session for the tier's price. No local billing fields are written here;
// the webhook or a later reconciliation confirms the purchase.
func (s *Service) StartCheckout(ctx context.Context, sh *shop.Shop, tier plan.Tier, cycle BillingCycle, mode CheckoutMode) (*CheckoutResult, error) {
	ctx, span := traces.StartSpan(ctx, "billing.StartCheckout",
		traces.ShopID(sh.ID), traces.Tier(string(tier)), traces.CheckoutMode(string(mode)))
	defer span.End()

	priceID, err := s.prices.PriceID(tier, cycle)
	if err != nil {
		return nil, err
	}

	cust, err := s.resolveCustomer(ctx, sh)
	if err != nil {
		return nil, fmt.Errorf("resolving customer: %w", err)
	}

	metadata := map[string]string{
		metaShopID: sh.ID,
		metaTier:   string(tier),
		metaCycle:  string(cycle),
	}

	params := CheckoutParams{
		CustomerID: cust.ID,
		PriceID:    priceID,
		Mode:       mode,
		Metadata:   metadata,
	}
	if mode == CheckoutModeEmbedded {
		params.ReturnURL = s.baseURL + "/billing/return?session_id={CHECKOUT_SESSION_ID}"
	} else {
		params.SuccessURL = s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
		params.CancelURL = s.baseURL + "/billing/cancel"
	}

	// Session creation is not idempotent; never retried.
	sess, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}

	billingCheckoutSessions.WithLabelValues(string(mode), string(tier)).Inc()
	logging.L(ctx).Info("checkout session started",
		"shop_id", sh.ID,
		"tier", tier,
		"mode", mode,
		"session_id", sess.ID,
	)

	return &CheckoutResult{
		SessionID:    sess.ID,
		URL:          sess.URL,
		ClientSecret: sess.ClientSecret,
		CustomerID:   cust.ID,
	}, nil
}

// resolveCustomer finds the shop's processor customer by shop-id metadata,
// creating one only if absent. The metadata search is the idempotency
// guard that keeps repeat checkouts from piling up duplicate customers.
func (s *Service) resolveCustomer(ctx context.Context, sh *shop.Shop) (*Customer, error) {
	// Fast path: the local record already points at a customer.
	if sh.Billing.StripeCustomerID != "" {
		return &Customer{ID: sh.Billing.StripeCustomerID, Email: sh.OwnerEmail}, nil
	}

	var found *Customer
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		cust, err := s.gateway.SearchCustomersByMetadata(ctx, metaShopID, sh.ID)
		if err != nil {
			if kind, ok := ErrKindOf(err); ok && kind == KindNotFound {
				return nil
			}
			if !IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		found = cust
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}

	// Customer creation is not idempotent; never retried.
	return s.gateway.CreateCustomer(ctx, sh.OwnerEmail, map[string]string{
		metaShopID: sh.ID,
		"shop_name": sh.Name,
	})
}

// StartDirectPaymentIntent runs the pre-signup purchase flow: the UI
// collects card details itself instead of redirecting. A fresh customer
// is created every time (there is no shop yet to dedup against) and no
// local billing record is written; reconciliation links the payment to a
// shop after signup.
func (s *Service) StartDirectPaymentIntent(ctx context.Context, tier plan.Tier, cycle BillingCycle, email string) (*PaymentIntentResult, error) {
	if !plan.Valid(tier) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConfiguration, tier)
	}

	cust, err := s.gateway.CreateCustomer(ctx, email, map[string]string{
		metaTier:  string(tier),
		metaEmail: email,
	})
	if err != nil {
		return nil, fmt.Errorf("creating customer: %w", err)
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, PaymentIntentParams{
		CustomerID:       cust.ID,
		AmountCents:      AmountCents(tier, cycle),
		Currency:         "usd",
		SaveForFutureUse: true,
		Metadata: map[string]string{
			metaTier:  string(tier),
			metaCycle: string(cycle),
			metaEmail: email,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating payment intent: %w", err)
	}

	billingPaymentIntents.WithLabelValues(string(tier)).Inc()
	logging.L(ctx).Info("direct payment intent started",
		"tier", tier,
		"customer_id", cust.ID,
		"intent_id", pi.ID,
	)

	return &PaymentIntentResult{
		ClientSecret: pi.ClientSecret,
		CustomerID:   cust.ID,
	}, nil
}
