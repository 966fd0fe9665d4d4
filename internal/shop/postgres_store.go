package shop

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/treadline/internal/plan"
)

// PostgresStore persists shops in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed shop store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const shopColumns = `id, name, slug, owner_email, stripe_customer_id, stripe_subscription_id,
	billing_status, tier, current_period_end, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Shop) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shops (id, name, slug, owner_email, stripe_customer_id, stripe_subscription_id,
			billing_status, tier, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.Name, s.Slug, s.OwnerEmail,
		nullString(s.Billing.StripeCustomerID), nullString(s.Billing.StripeSubscriptionID),
		string(s.Billing.Status), string(s.Billing.Tier), nullTime(s.Billing.CurrentPeriodEnd),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Shop, error) {
	return p.scanShop(p.db.QueryRowContext(ctx, `
		SELECT `+shopColumns+` FROM shops WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Shop, error) {
	return p.scanShop(p.db.QueryRowContext(ctx, `
		SELECT `+shopColumns+` FROM shops WHERE slug = $1`, slug))
}

func (p *PostgresStore) Update(ctx context.Context, s *Shop) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE shops SET name = $1, owner_email = $2, stripe_customer_id = $3,
			stripe_subscription_id = $4, billing_status = $5, tier = $6,
			current_period_end = $7, updated_at = $8
		WHERE id = $9`,
		s.Name, s.OwnerEmail,
		nullString(s.Billing.StripeCustomerID), nullString(s.Billing.StripeSubscriptionID),
		string(s.Billing.Status), string(s.Billing.Tier), nullTime(s.Billing.CurrentPeriodEnd),
		s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// UpdateBilling writes the billing record in one statement so a repair
// is never half-applied.
func (p *PostgresStore) UpdateBilling(ctx context.Context, id string, b Billing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE shops SET stripe_customer_id = $1, stripe_subscription_id = $2,
			billing_status = $3, tier = $4, current_period_end = $5, updated_at = NOW()
		WHERE id = $6`,
		nullString(b.StripeCustomerID), nullString(b.StripeSubscriptionID),
		string(b.Status), string(b.Tier), nullTime(b.CurrentPeriodEnd), id,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) scanShop(row *sql.Row) (*Shop, error) {
	s := &Shop{}
	var (
		custID, subID sql.NullString
		status, tier  string
		periodEnd     sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Name, &s.Slug, &s.OwnerEmail, &custID, &subID,
		&status, &tier, &periodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Billing = Billing{
		StripeCustomerID:     custID.String,
		StripeSubscriptionID: subID.String,
		Status:               BillingStatus(status),
		Tier:                 plan.Tier(tier),
	}
	if periodEnd.Valid {
		s.Billing.CurrentPeriodEnd = periodEnd.Time
	}
	return s, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrShopNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
