package plan

import "fmt"

// Entitlement checks are pure functions of (tier, catalog, caller-supplied
// count). They are total for every declared Tier/FeatureKey/LimitKey; an
// undeclared key is a programmer error and fails loudly.

// HasFeature reports whether the tier unlocks the feature. An
// undeclared feature key is a programmer error: silently returning
// false would be indistinguishable from declared-but-locked.
func HasFeature(t Tier, f FeatureKey) bool {
	if !declaredFeature(f) {
		panic(fmt.Sprintf("plan: unknown feature %q", f))
	}
	return hasFeature(Get(t), f)
}

// Limit returns the tier's ceiling for the key; Unlimited means none.
// Every declared tier declares every limit key, so a missing key is a
// programmer error.
func Limit(t Tier, k LimitKey) int {
	limit, ok := Get(t).Limits[k]
	if !ok {
		panic(fmt.Sprintf("plan: tier %q has no limit %q", t, k))
	}
	return limit
}

// WithinLimit reports whether one more unit of k is allowed given the
// current count.
func WithinLimit(t Tier, k LimitKey, current int) bool {
	limit := Limit(t, k)
	if limit == Unlimited {
		return true
	}
	return current < limit
}

// Remaining returns how many units of k are left. The second return is
// false when the tier is unlimited for k; otherwise the count is
// clamped at zero.
func Remaining(t Tier, k LimitKey, current int) (int, bool) {
	limit := Limit(t, k)
	if limit == Unlimited {
		return 0, false
	}
	if current >= limit {
		return 0, true
	}
	return limit - current, true
}
