package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Stripe event types translated to normalized order events.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventChargeRefunded      = "charge.refunded"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

var eventTypes = map[string]string{
	eventCheckoutCompleted:   goplan.EventOrderCompleted,
	eventChargeRefunded:      goplan.EventOrderRefunded,
	eventSubscriptionDeleted: goplan.EventSubscriptionCancelled,
}

// normalizeEventType maps a Stripe event type to the event type the
// reconciler understands. Unmapped types pass through unchanged and
// reconcile to a no-op.
func normalizeEventType(stripeType string) string {
	if t, ok := eventTypes[stripeType]; ok {
		return t
	}
	if stripeType == "" {
		return goplan.EventUntyped
	}
	return stripeType
}

// affectsPlan reports whether a normalized event type can change a plan.
// Lookups are only worth making for these.
func affectsPlan(eventType string) bool {
	switch eventType {
	case goplan.EventOrderCompleted, goplan.EventOrderRefunded,
		goplan.EventOrderCancelled, goplan.EventSubscriptionCancelled:
		return true
	}
	return false
}

// expandable decodes a field Stripe sends either as an id string or as an
// expanded object with an id.
type expandable struct {
	ID    string
	Email string
}

func (e *expandable) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		e.ID = strings.TrimSpace(id)
		return nil
	}
	var obj struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = strings.TrimSpace(obj.ID)
	e.Email = strings.TrimSpace(obj.Email)
	return nil
}

// checkoutSession is the subset of a checkout.session object used here.
type checkoutSession struct {
	ID              string     `json:"id"`
	Customer        expandable `json:"customer"`
	Subscription    expandable `json:"subscription"`
	CustomerEmail   string     `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// charge is the subset of a charge object used here.
type charge struct {
	ID             string     `json:"id"`
	Customer       expandable `json:"customer"`
	ReceiptEmail   string     `json:"receipt_email"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
	Metadata map[string]string `json:"metadata"`
}

// subscription is the subset of a subscription object used here.
type subscription struct {
	ID       string     `json:"id"`
	Customer expandable `json:"customer"`
	Items    struct {
		Data []struct {
			Price struct {
				ID      string     `json:"id"`
				Product expandable `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstProductID returns the product of the first subscription item.
func (s *subscription) FirstProductID() string {
	for _, item := range s.Items.Data {
		if id := item.Price.Product.ID; id != "" {
			return id
		}
	}
	return ""
}

// objectFacts is what an event object says about the purchase.
type objectFacts struct {
	ProductID      string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	OrderID        string
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// extractFacts decodes the event object for the types that affect plans.
// Other types yield empty facts.
func extractFacts(stripeType string, raw json.RawMessage, productKey string) (objectFacts, error) {
	var facts objectFacts
	switch stripeType {
	case eventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return facts, fmt.Errorf("%w: decode checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		facts.OrderID = s.ID
		facts.ProductID = firstNonEmpty(s.Metadata[productKey])
		facts.CustomerID = s.Customer.ID
		facts.CustomerEmail = firstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail, s.Customer.Email)
		facts.SubscriptionID = s.Subscription.ID
	case eventChargeRefunded:
		var c charge
		if err := json.Unmarshal(raw, &c); err != nil {
			return facts, fmt.Errorf("%w: decode charge: %v", billing.ErrInvalidWebhookPayload, err)
		}
		facts.OrderID = c.ID
		facts.ProductID = firstNonEmpty(c.Metadata[productKey])
		facts.CustomerID = c.Customer.ID
		facts.CustomerEmail = firstNonEmpty(c.BillingDetails.Email, c.ReceiptEmail, c.Customer.Email)
	case eventSubscriptionDeleted:
		var s subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return facts, fmt.Errorf("%w: decode subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		facts.SubscriptionID = s.ID
		facts.ProductID = firstNonEmpty(s.FirstProductID(), s.Metadata[productKey])
		facts.CustomerID = s.Customer.ID
		facts.CustomerEmail = s.Customer.Email
	}
	return facts, nil
}
