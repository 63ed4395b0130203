package billing

import (
	"context"
	"time"
)

// PlanChangeEvent describes a stored plan transition caused by a webhook.
// It is passed to the PlanChangeCallback after the entitlement was written.
type PlanChangeEvent struct {
	// IdentityKey is the entitlement key that changed (email:<address>)
	IdentityKey string

	// PreviousPlan is the plan before the update (empty string if the record is new)
	PreviousPlan string

	// NewPlan is the plan after the update
	NewPlan string

	// Provider is the billing provider name ("polar", "stripe")
	Provider string

	// EventID and EventType identify the triggering webhook event
	EventID   string
	EventType string

	// ReceivedAt is when the webhook was accepted
	ReceivedAt time.Time

	// Metadata contains provider-specific identifiers (product_id, customer_id, order_id)
	Metadata map[string]interface{}
}

// PlanChangeCallback is notified after a webhook changed a stored plan.
type PlanChangeCallback func(ctx context.Context, event PlanChangeEvent) error
