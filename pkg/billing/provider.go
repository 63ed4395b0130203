package billing

import (
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// Every provider verifies, records and reconciles into the same stores.
type Provider interface {
	// Name returns the provider name (e.g., "polar", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}
