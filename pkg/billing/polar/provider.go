package polar

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/billing/internal"
	"github.com/mihaimyh/goplan/pkg/goplan"
)

const (
	providerName             = "polar"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Polar specific settings.
type Config struct {
	billing.Config

	// APIBaseURL overrides DefaultAPIBaseURL, e.g. for a local mock.
	APIBaseURL string
}

// Provider implements billing.Provider for Polar webhooks.
type Provider struct {
	events       goplan.EventStore
	resolver     *goplan.Resolver
	reconciler   *goplan.Reconciler
	client       *Client
	secret       string
	metrics      billing.Metrics
	logger       goplan.Logger
	onPlanChange billing.PlanChangeCallback
	rateLimiter  *internal.RateLimiter
	now          func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Polar provider. A missing webhook secret is not an
// error here; the handler answers 500 until one is configured.
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
		events:     config.Events,
		resolver:   config.Resolver,
		reconciler: goplan.NewReconciler(config.TargetProductID, config.PlanMetrics),
		client: NewClient(ClientConfig{
			BaseURL:    config.APIBaseURL,
			APIKey:     config.APIKey,
			HTTPClient: config.HTTPClient,
			Timeout:    config.EnrichmentTimeout,
			Metrics:    metrics,
		}),
		secret:       webhookSecret(config.WebhookSecret),
		metrics:      metrics,
		logger:       logger,
		onPlanChange: config.OnPlanChange,
		now:          time.Now,
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

	if p.secret == "" {
		logger.Warn("polar webhook secret is not configured, webhooks will be rejected")
	}
	if !p.client.Enabled() {
		logger.Info("polar api key is not configured, order enrichment disabled")
	}
	return p, nil
}

// webhookSecret returns the secret unchanged, or "" when it is blank. The
// HMAC key is used byte for byte.
func webhookSecret(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	return secret
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// Client returns the enrichment client.
func (p *Provider) Client() *Client {
	return p.client
}

// WebhookHandler returns the handler for POST /webhook.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}
