package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/billing/internal"
	"github.com/mihaimyh/goplan/pkg/goplan"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultLookupTimeout     = 5 * time.Second
)

// Config extends billing.Config with Stripe specific options.
type Config struct {
	billing.Config // Base config (Events, Resolver, TargetProductID, etc.)

	// ProductMetadataKey names the checkout session metadata entry holding
	// the purchased product (default: "product_id").
	ProductMetadataKey string
}

// Provider implements billing.Provider for Stripe webhooks. Stripe events
// are translated to the same normalized order events Polar sends and
// reconciled into the same stores.
type Provider struct {
	events       goplan.EventStore
	resolver     *goplan.Resolver
	reconciler   *goplan.Reconciler
	lookup       lookup
	secret       string
	productKey   string
	timeout      time.Duration
	metrics      billing.Metrics
	logger       goplan.Logger
	onPlanChange billing.PlanChangeCallback
	rateLimiter  *internal.RateLimiter
	now          func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Stripe provider. The API key is optional; without
// it, customer emails and products missing from an event are not looked up.
func NewProvider(config Config) (*Provider, error) {
	if config.Events == nil || config.Resolver == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &goplan.NoopLogger{}
	}

	p := &Provider{
		events:       config.Events,
		resolver:     config.Resolver,
		reconciler:   goplan.NewReconciler(config.TargetProductID, config.PlanMetrics),
		lookup:       disabledLookup{},
		secret:       config.WebhookSecret,
		productKey:   strings.TrimSpace(config.ProductMetadataKey),
		timeout:      config.EnrichmentTimeout,
		metrics:      metrics,
		logger:       logger,
		onPlanChange: config.OnPlanChange,
		now:          time.Now,
	}
	if p.productKey == "" {
		p.productKey = "product_id"
	}
	if p.timeout <= 0 {
		p.timeout = defaultLookupTimeout
	}

	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		p.lookup = &apiLookup{client: stripe.NewClient(apiKey), metrics: metrics}
	}

	if config.RateLimit >= 0 {
		limit := config.RateLimit
		if limit == 0 {
			limit = defaultRateLimitRequests
		}
		window := config.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		p.rateLimiter = internal.NewRateLimiter(limit, window)
	}

	if strings.TrimSpace(p.secret) == "" {
		p.secret = ""
		logger.Warn("stripe webhook secret is not configured, webhooks will be rejected")
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}
