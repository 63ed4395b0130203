package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrEnrichmentDisabled is returned when no API key is configured for lookups
	ErrEnrichmentDisabled = errors.New("enrichment disabled")

	// ErrEnrichmentUnavailable wraps every failed enrichment lookup.
	// Callers treat it as "no extra data" and continue.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrOrderNotFound is returned when the provider has no such order
	ErrOrderNotFound = errors.New("order not found in billing provider")
)
