package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Events records every verified webhook before any reconciliation runs
	Events goplan.EventStore

	// Resolver applies reconciled plan decisions to identity-keyed entitlements
	Resolver *goplan.Resolver

	// TargetProductID is the provider product that grants the pro plan.
	// When empty, completed orders never grant pro.
	TargetProductID string

	// WebhookSecret is used to verify incoming webhook signatures.
	// When empty the webhook endpoint answers 500 for every request.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	// When empty, enrichment lookups are disabled.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// EnrichmentTimeout bounds a single order lookup (default: 5s)
	EnrichmentTimeout time.Duration

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Reconciliation metrics are forwarded here (default: no-op)
	PlanMetrics goplan.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger goplan.Logger

	// OnPlanChange is called after a webhook changed a stored plan.
	// Errors are logged and never change the webhook response.
	OnPlanChange PlanChangeCallback

	// RateLimit caps webhook requests per client IP per RateLimitWindow
	// (default: 100 per minute). A negative value disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}
