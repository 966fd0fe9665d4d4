package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	billingCheckoutSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadline",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Total checkout sessions started by mode and tier.",
	}, []string{"mode", "tier"})

	billingPaymentIntents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadline",
		Subsystem: "billing",
		Name:      "payment_intents_total",
		Help:      "Total direct payment intents started by tier.",
	}, []string{"tier"})

	billingReconciles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadline",
		Subsystem: "billing",
		Name:      "reconciles_total",
		Help:      "Total reconciliation attempts by outcome.",
	}, []string{"outcome"}) // "linked", "not_found", "already_linked", "error"

	billingPortalSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treadline",
		Subsystem: "billing",
		Name:      "portal_sessions_total",
		Help:      "Total billing portal sessions opened.",
	})
)

func init() {
	prometheus.MustRegister(
		billingCheckoutSessions,
		billingPaymentIntents,
		billingReconciles,
		billingPortalSessions,
	)
}
