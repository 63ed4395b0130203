package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goplan/pkg/billing"
)

// lookup resolves details a webhook object only references by id.
type lookup interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	SubscriptionProduct(ctx context.Context, subscriptionID string) (string, error)
}

type disabledLookup struct{}

func (disabledLookup) CustomerEmail(context.Context, string) (string, error) {
	return "", billing.ErrEnrichmentDisabled
}

func (disabledLookup) SubscriptionProduct(context.Context, string) (string, error) {
	return "", billing.ErrEnrichmentDisabled
}

// apiLookup queries the Stripe API.
type apiLookup struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func (l *apiLookup) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	start := time.Now()
	cust, err := l.client.V1Customers.Retrieve(ctx, customerID, nil)
	l.record("/v1/customers/{id}", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: retrieve customer %s: %w", billing.ErrEnrichmentUnavailable, customerID, err)
	}
	return strings.TrimSpace(cust.Email), nil
}

func (l *apiLookup) SubscriptionProduct(ctx context.Context, subscriptionID string) (string, error) {
	start := time.Now()
	sub, err := l.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	l.record("/v1/subscriptions/{id}", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: retrieve subscription %s: %w", billing.ErrEnrichmentUnavailable, subscriptionID, err)
	}
	if sub.Items == nil {
		return "", nil
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.Product == nil {
			continue
		}
		if id := strings.TrimSpace(item.Price.Product.ID); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (l *apiLookup) record(endpoint string, start time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode != 0 {
			status = strconv.Itoa(serr.HTTPStatusCode)
		}
	}
	l.metrics.RecordAPICall(providerName, endpoint, status)
	l.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
