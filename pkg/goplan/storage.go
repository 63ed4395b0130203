package goplan

import (
	"context"
	"fmt"
)

// EventStore is the append-only log of provider events.
type EventStore interface {
	// RecordEvent inserts ev unless an event with the same EventID exists.
	// The check and the insert are a single atomic operation; a duplicate
	// never overwrites the stored payload.
	RecordEvent(ctx context.Context, ev *WebhookEvent) (RecordOutcome, error)

	// GetEvent returns the stored event or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
}

// EntitlementStore keeps at most one plan record per identity key.
type EntitlementStore interface {
	// GetEntitlement returns the record for identityKey or ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, identityKey string) (*PlanEntitlement, error)

	// UpsertPlan atomically patches plan, source, updatedAt and email of an
	// existing record or inserts a new one. When plan and source already match
	// nothing is written and Changed is false.
	UpsertPlan(ctx context.Context, req *UpsertRequest) (*UpsertResult, error)

	// ClaimEntitlement atomically resolves a login: an existing user-keyed
	// record wins; otherwise an email-keyed record is rekeyed in place.
	ClaimEntitlement(ctx context.Context, req *ClaimRequest) (*ClaimResult, error)
}

// Storage is implemented by every backend under storage/.
type Storage interface {
	EventStore
	EntitlementStore
}

// ValidateEvent checks the fields every backend requires before insert.
func ValidateEvent(ev *WebhookEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if ev.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}
	if ev.EventType == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	return nil
}

// ValidateUpsert checks an upsert request before it reaches a backend.
func ValidateUpsert(req *UpsertRequest) error {
	if req == nil || req.IdentityKey == "" {
		return ErrInvalidIdentityKey
	}
	if !req.Plan.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, req.Plan)
	}
	return nil
}

// ValidateClaim checks a claim request before it reaches a backend.
func ValidateClaim(req *ClaimRequest) error {
	if req == nil || !IsUserKey(req.UserKey) {
		return ErrInvalidIdentityKey
	}
	if req.EmailKey != "" && !IsEmailKey(req.EmailKey) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentityKey, req.EmailKey)
	}
	return nil
}
