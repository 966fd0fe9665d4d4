// Package plan defines the subscription tiers, the features each tier
// unlocks, and the numeric limits each tier enforces. The catalog is
// static: it is defined at process start and validated by init, so every
// lookup against a declared tier and key is total.
package plan

import "fmt"

// Tier identifies a subscription level. Tiers are ordered: each higher
// tier unlocks a superset of the features and limits below it.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// DefaultTier is the entitlement level for shops with no confirmed
// purchase and the fallback when a reconciled payment carries no tier
// hint in its metadata.
const DefaultTier = TierStarter

// tierOrder defines the upgrade direction, lowest first.
var tierOrder = []Tier{TierStarter, TierPro, TierEnterprise}

// FeatureKey names a gated capability.
type FeatureKey string

const (
	FeatureWorkOrders      FeatureKey = "work_orders"
	FeatureInventory       FeatureKey = "inventory"
	FeatureCustomerHistory FeatureKey = "customer_history"
	FeatureReports         FeatureKey = "reports"
	FeatureAPIAccess       FeatureKey = "api_access"
	FeatureMultiLocation   FeatureKey = "multi_location"
	FeaturePrioritySupport FeatureKey = "priority_support"
)

// LimitKey names a counted resource ceiling.
type LimitKey string

const (
	LimitCustomers          LimitKey = "customers"
	LimitInventoryItems     LimitKey = "inventory_items"
	LimitWorkOrdersPerMonth LimitKey = "work_orders_per_month"
	LimitUsers              LimitKey = "users"
	LimitLocations          LimitKey = "locations"
)

// Unlimited is the sentinel limit value meaning "no ceiling".
const Unlimited = -1

// allFeatures and allLimits are the declared key sets. Entitlement
// lookups are total over them; anything else is a programmer error.
var allFeatures = []FeatureKey{
	FeatureWorkOrders, FeatureInventory, FeatureCustomerHistory,
	FeatureReports, FeatureAPIAccess, FeatureMultiLocation,
	FeaturePrioritySupport,
}

var allLimits = []LimitKey{
	LimitCustomers, LimitInventoryItems, LimitWorkOrdersPerMonth,
	LimitUsers, LimitLocations,
}

func declaredFeature(f FeatureKey) bool {
	for _, have := range allFeatures {
		if have == f {
			return true
		}
	}
	return false
}

// Plan is the full definition of one tier.
type Plan struct {
	Tier              Tier             `json:"tier"`
	Name              string           `json:"name"`
	MonthlyPriceCents int              `json:"monthlyPriceCents"`
	YearlyPriceCents  int              `json:"yearlyPriceCents"`
	Features          []FeatureKey     `json:"features"`
	Limits            map[LimitKey]int `json:"limits"`
}

var plans = map[Tier]Plan{
	TierStarter: {
		Tier:              TierStarter,
		Name:              "Starter",
		MonthlyPriceCents: 2900,
		YearlyPriceCents:  29000,
		Features: []FeatureKey{
			FeatureWorkOrders,
			FeatureInventory,
			FeatureCustomerHistory,
		},
		Limits: map[LimitKey]int{
			LimitCustomers:          200,
			LimitInventoryItems:     500,
			LimitWorkOrdersPerMonth: 100,
			LimitUsers:              3,
			LimitLocations:          1,
		},
	},
	TierPro: {
		Tier:              TierPro,
		Name:              "Pro",
		MonthlyPriceCents: 7900,
		YearlyPriceCents:  79000,
		Features: []FeatureKey{
			FeatureWorkOrders,
			FeatureInventory,
			FeatureCustomerHistory,
			FeatureReports,
			FeatureAPIAccess,
		},
		Limits: map[LimitKey]int{
			LimitCustomers:          2000,
			LimitInventoryItems:     5000,
			LimitWorkOrdersPerMonth: 1000,
			LimitUsers:              10,
			LimitLocations:          3,
		},
	},
	TierEnterprise: {
		Tier:              TierEnterprise,
		Name:              "Enterprise",
		MonthlyPriceCents: 19900,
		YearlyPriceCents:  199000,
		Features: []FeatureKey{
			FeatureWorkOrders,
			FeatureInventory,
			FeatureCustomerHistory,
			FeatureReports,
			FeatureAPIAccess,
			FeatureMultiLocation,
			FeaturePrioritySupport,
		},
		Limits: map[LimitKey]int{
			LimitCustomers:          Unlimited,
			LimitInventoryItems:     Unlimited,
			LimitWorkOrdersPerMonth: Unlimited,
			LimitUsers:              Unlimited,
			LimitLocations:          Unlimited,
		},
	},
}

func init() {
	if err := validateCatalog(); err != nil {
		panic("plan: invalid catalog: " + err.Error())
	}
}

// validateCatalog enforces the catalog invariants by construction:
// every ordered tier has a plan, every plan declares every limit key
// and only declared feature keys, and features and limits only grow
// with higher tiers.
func validateCatalog() error {
	for _, t := range tierOrder {
		p, ok := plans[t]
		if !ok {
			return fmt.Errorf("tier %s has no plan", t)
		}
		for _, k := range allLimits {
			if _, ok := p.Limits[k]; !ok {
				return fmt.Errorf("tier %s missing limit %s", t, k)
			}
		}
		for _, f := range p.Features {
			if !declaredFeature(f) {
				return fmt.Errorf("tier %s lists undeclared feature %s", t, f)
			}
		}
	}

	for i := 1; i < len(tierOrder); i++ {
		lower, higher := plans[tierOrder[i-1]], plans[tierOrder[i]]

		for _, f := range lower.Features {
			if !hasFeature(higher, f) {
				return fmt.Errorf("tier %s drops feature %s present in %s", higher.Tier, f, lower.Tier)
			}
		}

		for k, lo := range lower.Limits {
			hi := higher.Limits[k]
			if lo == Unlimited && hi != Unlimited {
				return fmt.Errorf("tier %s caps limit %s that %s left unlimited", higher.Tier, k, lower.Tier)
			}
			if lo != Unlimited && hi != Unlimited && hi < lo {
				return fmt.Errorf("tier %s lowers limit %s below %s", higher.Tier, k, lower.Tier)
			}
		}
	}

	return nil
}

func hasFeature(p Plan, f FeatureKey) bool {
	for _, have := range p.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Get returns the plan for a tier. An unknown tier is a programmer
// error: tiers reaching this point must come from ParseTier or the
// catalog itself, so Get panics rather than silently defaulting.
func Get(t Tier) Plan {
	p, ok := plans[t]
	if !ok {
		panic(fmt.Sprintf("plan: unknown tier %q", t))
	}
	return p
}

// ParseTier validates an externally supplied tier string.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	_, ok := plans[t]
	return t, ok
}

// Valid reports whether t is a declared tier.
func Valid(t Tier) bool {
	_, ok := plans[t]
	return ok
}

// Tiers returns all tiers in upgrade order, lowest first.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// UpgradeTier returns the next tier above t, or false when t is
// already the highest tier.
func UpgradeTier(t Tier) (Tier, bool) {
	for i, cur := range tierOrder {
		if cur == t && i+1 < len(tierOrder) {
			return tierOrder[i+1], true
		}
	}
	return "", false
}

// Compare returns -1, 0, or 1 as a orders before, equal to, or after b.
// Both tiers must be declared.
func Compare(a, b Tier) int {
	ai, bi := rank(a), rank(b)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	}
	return 0
}

func rank(t Tier) int {
	for i, cur := range tierOrder {
		if cur == t {
			return i
		}
	}
	panic(fmt.Sprintf("plan: unknown tier %q", t))
}
