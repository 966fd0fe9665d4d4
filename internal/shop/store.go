package shop

import "context"

// Store persists shop data.
type Store interface {
	Create(ctx context.Context, s *Shop) error
	Get(ctx context.Context, id string) (*Shop, error)
	GetBySlug(ctx context.Context, slug string) (*Shop, error)
	Update(ctx context.Context, s *Shop) error
	// UpdateBilling overwrites only the billing record of a shop, in a
	// single write. Reconciliation relies on this being all-or-nothing.
	UpdateBilling(ctx context.Context, id string, b Billing) error
}
