package billing

import (
	"fmt"

	"github.com/mbd888/treadline/internal/plan"
)

// PriceTable maps (tier, billing cycle) to processor price IDs.
// Prices are configured at deploy time via STRIPE_PRICE_* env vars; a
// missing entry is a deployment error surfaced as ErrInvalidConfiguration.
type PriceTable struct {
	prices map[string]string
}

// NewPriceTable builds a price table from config entries keyed "tier:cycle"
// (e.g. "pro:monthly"). Unknown tiers or cycles are rejected so a typo in
// the environment fails at startup, not at checkout time.
func NewPriceTable(entries map[string]string) (*PriceTable, error) {
	t := &PriceTable{prices: make(map[string]string, len(entries))}
	for key, priceID := range entries {
		tier, cycle, ok := splitPriceKey(key)
		if !ok {
			return nil, fmt.Errorf("invalid price key %q (want tier:cycle)", key)
		}
		if _, valid := plan.ParseTier(tier); !valid {
			return nil, fmt.Errorf("price key %q references unknown tier", key)
		}
		if _, valid := ParseCycle(cycle); !valid {
			return nil, fmt.Errorf("price key %q references unknown billing cycle", key)
		}
		t.prices[key] = priceID
	}
	return t, nil
}

// PriceID resolves the processor price for a tier and cycle.
func (t *PriceTable) PriceID(tier plan.Tier, cycle BillingCycle) (string, error) {
	id, ok := t.prices[string(tier)+":"+string(cycle)]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidConfiguration, tier, cycle)
	}
	return id, nil
}

// AmountCents returns the catalog price for a tier and cycle, used by the
// direct payment-intent flow where no processor price object is involved.
func AmountCents(tier plan.Tier, cycle BillingCycle) int64 {
	p := plan.Get(tier)
	if cycle == CycleYearly {
		return int64(p.YearlyPriceCents)
	}
	return int64(p.MonthlyPriceCents)
}

func splitPriceKey(key string) (tier, cycle string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
