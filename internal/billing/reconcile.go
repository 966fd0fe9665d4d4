package billing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/treadline/internal/logging"
	"github.com/mbd888/treadline/internal/plan"
	"github.com/mbd888/treadline/internal/retry"
	"github.com/mbd888/treadline/internal/shop"
	"github.com/mbd888/treadline/internal/traces"
)

// candidateLimit bounds the email search: a user may have created a
// processor customer per signup attempt, but not dozens.
const candidateLimit = 10

// paymentGracePeriod is the entitlement window granted to customers who
// paid with a one-time payment instead of a subscription. They have no
// renewal timestamp, so the period end is synthesized from "now".
const paymentGracePeriod = 365 * 24 * time.Hour

// candidate is one processor customer considered during reconciliation,
// together with the billing evidence found for it. Ephemeral: lives for
// the duration of one Reconcile call.
type candidate struct {
	customer *Customer
	// activeSub and trialingSub are the first subscription found in
	// each status, if any.
	activeSub   *Subscription
	trialingSub *Subscription
	// payment is the first succeeded one-time payment, if any.
	payment *PaymentIntent
}

// linkage is the authoritative billing state selected from the candidate
// list. Exactly one of sub or payment is set.
type linkage struct {
	customer *Customer
	sub      *Subscription
	payment  *PaymentIntent
}

// Reconcile repairs a shop's billing record from the processor's ground
// truth: it searches processor customers by the owner's email, selects
// the authoritative subscription or payment among them, and links it to
// the shop in a single local write.
//
// It is a repair tool, not a routine sync: a shop that is already active
// gets ErrAlreadyLinked. If nothing at the processor matches, ErrNotFound
// is returned and the local record is left untouched.
func (s *Service) Reconcile(ctx context.Context, sh *shop.Shop) (*ReconcileResult, error) {
	if sh.Billing.Status == shop.BillingActive {
		s.countReconcile("already_linked")
		return nil, ErrAlreadyLinked
	}

	ctx, span := traces.StartSpan(ctx, "billing.Reconcile", traces.ShopID(sh.ID))
	defer span.End()

	log := logging.L(ctx).With("shop_id", sh.ID)

	candidates, err := s.collectCandidates(ctx, sh.OwnerEmail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate search failed")
		s.countReconcile("error")
		return nil, fmt.Errorf("searching processor customers: %w", err)
	}
	if len(candidates) == 0 {
		s.countReconcile("not_found")
		return nil, ErrNotFound
	}

	link, ok := selectLinkage(candidates)
	if !ok {
		s.countReconcile("not_found")
		return nil, ErrNotFound
	}

	tier := resolveTier(link)
	billing := shop.Billing{
		StripeCustomerID: link.customer.ID,
		Status:           shop.BillingActive,
		Tier:             tier,
		CurrentPeriodEnd: time.Now().Add(paymentGracePeriod),
	}
	if link.sub != nil {
		billing.StripeSubscriptionID = link.sub.ID
		if !link.sub.CurrentPeriodEnd.IsZero() {
			billing.CurrentPeriodEnd = link.sub.CurrentPeriodEnd
		}
	}

	// The one local write. If it fails the whole repair fails, so the
	// caller can retry without paying again.
	if err := s.shops.UpdateBilling(ctx, sh.ID, billing); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "local billing write failed")
		s.countReconcile("error")
		return nil, fmt.Errorf("updating billing record: %w", err)
	}

	// Close the loop: tag the subscription with the shop id so future
	// lookups hit the metadata search directly. Best-effort; the local
	// link above is already committed.
	if link.sub != nil {
		if err := s.gateway.UpdateSubscriptionMetadata(ctx, link.sub.ID, map[string]string{
			metaShopID: sh.ID,
		}); err != nil {
			log.Warn("subscription metadata write-back failed",
				"subscription_id", link.sub.ID,
				"error", err,
			)
		}
	}

	result := &ReconcileResult{
		Tier:       string(tier),
		CustomerID: link.customer.ID,
	}
	if link.sub != nil {
		result.SubscriptionID = link.sub.ID
	}

	span.SetAttributes(traces.Tier(result.Tier), traces.StripeCustomer(result.CustomerID))
	if result.SubscriptionID != "" {
		span.SetAttributes(traces.StripeSubscription(result.SubscriptionID))
	}

	s.countReconcile("linked")
	log.Info("billing record reconciled",
		"customer_id", result.CustomerID,
		"tier", result.Tier,
		"subscription_id", result.SubscriptionID,
	)
	return result, nil
}

// collectCandidates fetches processor customers matching the email and
// the billing evidence for each. The scan stops as soon as a customer
// with an active subscription is seen, since nothing can outrank it.
func (s *Service) collectCandidates(ctx context.Context, email string) ([]candidate, error) {
	var customers []*Customer
	err := s.readRetried(ctx, func() error {
		found, err := s.gateway.SearchCustomersByEmail(ctx, email, candidateLimit)
		if err != nil {
			return err
		}
		customers = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, cust := range customers {
		c := candidate{customer: cust}

		active, err := s.listSubscriptions(ctx, cust.ID, SubStatusActive)
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			c.activeSub = active[0]
			candidates = append(candidates, c)
			break
		}

		trialing, err := s.listSubscriptions(ctx, cust.ID, SubStatusTrialing)
		if err != nil {
			return nil, err
		}
		if len(trialing) > 0 {
			c.trialingSub = trialing[0]
		}

		var intents []*PaymentIntent
		err = s.readRetried(ctx, func() error {
			found, err := s.gateway.ListPaymentIntents(ctx, cust.ID)
			if err != nil {
				return err
			}
			intents = found
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, pi := range intents {
			if pi.Status == "succeeded" {
				c.payment = pi
				break
			}
		}

		candidates = append(candidates, c)
	}
	return candidates, nil
}

// readRetried runs a read-only gateway call with backoff. Non-transient
// processor errors stop the retry budget immediately.
func (s *Service) readRetried(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		if err := fn(); err != nil {
			if !IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
}

func (s *Service) listSubscriptions(ctx context.Context, customerID string, status SubscriptionStatus) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.readRetried(ctx, func() error {
		found, err := s.gateway.ListSubscriptions(ctx, customerID, status)
		if err != nil {
			return err
		}
		subs = found
		return nil
	})
	return subs, err
}

// selectLinkage picks the authoritative billing state from the candidate
// list. Priority is a named policy, not an accident of scan order: an
// active subscription beats a trialing one, and any live subscription
// beats a historical one-time payment, regardless of which candidate the
// email search returned first.
func selectLinkage(candidates []candidate) (linkage, bool) {
	for _, c := range candidates {
		if c.activeSub != nil {
			return linkage{customer: c.customer, sub: c.activeSub}, true
		}
	}
	for _, c := range candidates {
		if c.trialingSub != nil {
			return linkage{customer: c.customer, sub: c.trialingSub}, true
		}
	}
	for _, c := range candidates {
		if c.payment != nil {
			return linkage{customer: c.customer, payment: c.payment}, true
		}
	}
	return linkage{}, false
}

// resolveTier extracts the tier hint from the selected linkage: the
// subscription's metadata first, then the payment's, then the customer's
// own, and finally the default tier when no hint survives. Unknown tier
// strings are treated as absent rather than trusted.
func resolveTier(link linkage) plan.Tier {
	sources := []map[string]string{}
	if link.sub != nil {
		sources = append(sources, link.sub.Metadata)
	}
	if link.payment != nil {
		sources = append(sources, link.payment.Metadata)
	}
	sources = append(sources, link.customer.Metadata)

	for _, m := range sources {
		if hint, ok := m[metaTier]; ok {
			if tier, valid := plan.ParseTier(hint); valid {
				return tier
			}
		}
	}
	return plan.DefaultTier
}

func (s *Service) countReconcile(outcome string) {
	billingReconciles.WithLabelValues(outcome).Inc()
}
