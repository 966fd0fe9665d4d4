package billing

import (
	"context"
	"errors"
	"fmt"
)

// fakeGateway is an in-memory Gateway for tests. Fixture data is loaded
// into the maps; every mutating call is recorded.
type fakeGateway struct {
	// fixtures
	customersByEmail map[string][]*Customer
	customersByMeta  map[string]*Customer // "key=value"
	subsByStatus     map[string][]*Subscription
	intents          map[string][]*PaymentIntent

	// injected failures, keyed by gateway op. transientFails counts
	// down per call, simulating an outage that clears mid-retry.
	failures       map[string]error
	transientFails map[string]int

	// recordings
	createdCustomers []*Customer
	metadataWrites   map[string]map[string]string
	emailSearches    int
	subListCalls     []string
	nextCustomerID   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		customersByEmail: make(map[string][]*Customer),
		customersByMeta:  make(map[string]*Customer),
		subsByStatus:     make(map[string][]*Subscription),
		intents:          make(map[string][]*PaymentIntent),
		failures:         make(map[string]error),
		transientFails:   make(map[string]int),
		metadataWrites:   make(map[string]map[string]string),
	}
}

func (f *fakeGateway) addSubscription(sub *Subscription) {
	key := sub.CustomerID + ":" + string(sub.Status)
	f.subsByStatus[key] = append(f.subsByStatus[key], sub)
}

func (f *fakeGateway) failWith(op string, kind ErrorKind) {
	f.failures[op] = &GatewayError{Op: op, Kind: kind, Err: errors.New("injected")}
}

func (f *fakeGateway) failTransiently(op string, times int) {
	f.transientFails[op] = times
}

func (f *fakeGateway) takeFailure(op string) error {
	if f.transientFails[op] > 0 {
		f.transientFails[op]--
		return &GatewayError{Op: op, Kind: KindTransient, Err: errors.New("injected transient")}
	}
	return f.failures[op]
}

func (f *fakeGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error) {
	if err := f.failures["create_customer"]; err != nil {
		return nil, err
	}
	f.nextCustomerID++
	cust := &Customer{
		ID:       fmt.Sprintf("cus_fake_%d", f.nextCustomerID),
		Email:    email,
		Metadata: metadata,
	}
	f.createdCustomers = append(f.createdCustomers, cust)
	for k, v := range metadata {
		f.customersByMeta[k+"="+v] = cust
	}
	return cust, nil
}

func (f *fakeGateway) SearchCustomersByEmail(ctx context.Context, email string, limit int) ([]*Customer, error) {
	f.emailSearches++
	if err := f.takeFailure("search_customers_by_email"); err != nil {
		return nil, err
	}
	found := f.customersByEmail[email]
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (f *fakeGateway) SearchCustomersByMetadata(ctx context.Context, key, value string) (*Customer, error) {
	if err := f.failures["search_customers_by_metadata"]; err != nil {
		return nil, err
	}
	if cust, ok := f.customersByMeta[key+"="+value]; ok {
		return cust, nil
	}
	return nil, &GatewayError{Op: "search_customers_by_metadata", Kind: KindNotFound, Err: errors.New("no customer matched")}
}

func (f *fakeGateway) ListSubscriptions(ctx context.Context, customerID string, status SubscriptionStatus) ([]*Subscription, error) {
	f.subListCalls = append(f.subListCalls, customerID+":"+string(status))
	if err := f.takeFailure("list_subscriptions"); err != nil {
		return nil, err
	}
	return f.subsByStatus[customerID+":"+string(status)], nil
}

func (f *fakeGateway) ListPaymentIntents(ctx context.Context, customerID string) ([]*PaymentIntent, error) {
	if err := f.takeFailure("list_payment_intents"); err != nil {
		return nil, err
	}
	return f.intents[customerID], nil
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if err := f.failures["create_checkout_session"]; err != nil {
		return nil, err
	}
	sess := &CheckoutSession{ID: "cs_fake_1"}
	if p.Mode == CheckoutModeEmbedded {
		sess.ClientSecret = "cs_fake_1_secret"
	} else {
		sess.URL = "https://checkout.example.test/cs_fake_1"
	}
	return sess, nil
}

func (f *fakeGateway) CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error) {
	if err := f.failures["create_payment_intent"]; err != nil {
		return nil, err
	}
	return &PaymentIntent{
		ID:           "pi_fake_1",
		CustomerID:   p.CustomerID,
		Status:       "requires_payment_method",
		ClientSecret: "pi_fake_1_secret",
		Metadata:     p.Metadata,
	}, nil
}

func (f *fakeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if err := f.failures["create_portal_session"]; err != nil {
		return "", err
	}
	return "https://portal.example.test/" + customerID, nil
}

func (f *fakeGateway) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	if err := f.failures["update_subscription_metadata"]; err != nil {
		return err
	}
	f.metadataWrites[subscriptionID] = metadata
	return nil
}
