package billing

import (
	"context"
	"fmt"

	"github.com/mbd888/treadline/internal/logging"
	"github.com/mbd888/treadline/internal/shop"
)

// OpenPortal requests a processor-hosted self-service session for the
// shop and returns its redirect URL. A shop that has never purchased has
// no processor customer, so there is nothing to manage: ErrNotFound.
func (s *Service) OpenPortal(ctx context.Context, sh *shop.Shop) (string, error) {
	if sh.Billing.StripeCustomerID == "" {
		return "", fmt.Errorf("%w: shop has no processor customer", ErrNotFound)
	}

	url, err := s.gateway.CreatePortalSession(ctx, sh.Billing.StripeCustomerID, s.baseURL+"/settings/billing")
	if err != nil {
		return "", fmt.Errorf("creating portal session: %w", err)
	}

	billingPortalSessions.Inc()
	logging.L(ctx).Info("portal session opened", "shop_id", sh.ID)
	return url, nil
}
