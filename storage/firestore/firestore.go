// Package firestore provides a Firestore implementation of the goplan.Storage interface.
package firestore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Storage implements goplan.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	eventsCollection       string
	entitlementsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the Firestore collection for webhook events
	// Default: "billing_webhook_events"
	EventsCollection string

	// EntitlementsCollection is the Firestore collection for plan entitlements
	// Default: "billing_plan_entitlements"
	EntitlementsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_plan_entitlements"
	}

	return &Storage{
		client:                 client,
		eventsCollection:       config.EventsCollection,
		entitlementsCollection: config.EntitlementsCollection,
	}, nil
}

// Close closes the underlying client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Document IDs may not contain '/', which is legal in event ids and emails.
func docID(key string) string {
	return url.PathEscape(key)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(docID(eventID))
}

func (s *Storage) entitlementDoc(identityKey string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(docID(identityKey))
}

// RecordEvent implements goplan.EventStore
func (s *Storage) RecordEvent(ctx context.Context, ev *goplan.WebhookEvent) (goplan.RecordOutcome, error) {
	if err := goplan.ValidateEvent(ev); err != nil {
		return goplan.RecordInserted, err
	}

	payload := []byte(ev.Payload)
	if payload == nil {
		payload = []byte{}
	}

	// Create fails with AlreadyExists when the document is present.
	_, err := s.eventDoc(ev.EventID).Create(ctx, map[string]interface{}{
		"eventId":       ev.EventID,
		"eventType":     ev.EventType,
		"provider":      ev.Provider,
		"payload":       payload,
		"productId":     ev.ProductID,
		"customerId":    ev.CustomerID,
		"customerEmail": ev.CustomerEmail,
		"receivedAt":    ev.ReceivedAt.UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return goplan.RecordDuplicate, nil
	}
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("failed to record event: %w", err)
	}
	return goplan.RecordInserted, nil
}

// GetEvent implements goplan.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*goplan.WebhookEvent, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goplan.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if !snap.Exists() {
		return nil, goplan.ErrEventNotFound
	}

	data := snap.Data()
	payload, _ := data["payload"].([]byte)
	return &goplan.WebhookEvent{
		EventID:       getString(data, "eventId"),
		EventType:     getString(data, "eventType"),
		Provider:      getString(data, "provider"),
		Payload:       payload,
		ProductID:     getString(data, "productId"),
		CustomerID:    getString(data, "customerId"),
		CustomerEmail: getString(data, "customerEmail"),
		ReceivedAt:    getTime(data, "receivedAt"),
	}, nil
}

// GetEntitlement implements goplan.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, identityKey string) (*goplan.PlanEntitlement, error) {
	snap, err := s.entitlementDoc(identityKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goplan.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, goplan.ErrEntitlementNotFound
	}
	return entitlementFromData(snap.Data()), nil
}

// UpsertPlan implements goplan.EntitlementStore
func (s *Storage) UpsertPlan(ctx context.Context, req *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	if err := goplan.ValidateUpsert(req); err != nil {
		return nil, err
	}

	doc := s.entitlementDoc(req.IdentityKey)
	updatedAt := req.UpdatedAt.UTC()

	var result *goplan.UpsertResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap == nil || !snap.Exists() {
			ent := &goplan.PlanEntitlement{
				IdentityKey: req.IdentityKey,
				Plan:        req.Plan,
				UpdatedAt:   updatedAt,
				Email:       req.Email,
				Source:      req.Source,
			}
			result = &goplan.UpsertResult{Current: ent, Changed: true}
			return tx.Create(doc, entitlementData(ent))
		}

		previous := entitlementFromData(snap.Data())
		if previous.Plan == req.Plan && previous.Source == req.Source {
			result = &goplan.UpsertResult{Previous: previous, Current: previous.Clone()}
			return nil
		}

		current := previous.Clone()
		current.Plan = req.Plan
		current.Source = req.Source
		current.UpdatedAt = updatedAt
		if req.Email != "" {
			current.Email = req.Email
		}
		result = &goplan.UpsertResult{Previous: previous, Current: current, Changed: true}
		return tx.Set(doc, entitlementData(current))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert plan: %w", err)
	}
	return result, nil
}

// ClaimEntitlement implements goplan.EntitlementStore.
// Document IDs are immutable, so the rekey is a create plus delete inside one
// transaction.
func (s *Storage) ClaimEntitlement(ctx context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	if err := goplan.ValidateClaim(req); err != nil {
		return nil, err
	}

	userDoc := s.entitlementDoc(req.UserKey)

	var result *goplan.ClaimResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		userSnap, err := tx.Get(userDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if userSnap != nil && userSnap.Exists() {
			result = &goplan.ClaimResult{
				Outcome:     goplan.ClaimAlreadyLinked,
				Entitlement: entitlementFromData(userSnap.Data()),
			}
			return nil
		}
		if req.EmailKey == "" {
			result = &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}
			return nil
		}

		emailDoc := s.entitlementDoc(req.EmailKey)
		emailSnap, err := tx.Get(emailDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if emailSnap == nil || !emailSnap.Exists() {
			result = &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}
			return nil
		}

		ent := entitlementFromData(emailSnap.Data())
		ent.IdentityKey = req.UserKey
		ent.UserID = req.UserID
		if req.Email != "" {
			ent.Email = req.Email
		}
		ent.UpdatedAt = req.UpdatedAt.UTC()

		if err := tx.Create(userDoc, entitlementData(ent)); err != nil {
			return err
		}
		if err := tx.Delete(emailDoc); err != nil {
			return err
		}
		result = &goplan.ClaimResult{Outcome: goplan.ClaimMerged, Entitlement: ent}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim entitlement: %w", err)
	}
	return result, nil
}

func entitlementData(ent *goplan.PlanEntitlement) map[string]interface{} {
	return map[string]interface{}{
		"identityKey": ent.IdentityKey,
		"plan":        string(ent.Plan),
		"updatedAt":   ent.UpdatedAt,
		"email":       ent.Email,
		"userId":      ent.UserID,
		"source":      ent.Source,
	}
}

func entitlementFromData(data map[string]interface{}) *goplan.PlanEntitlement {
	return &goplan.PlanEntitlement{
		IdentityKey: getString(data, "identityKey"),
		Plan:        goplan.Plan(getString(data, "plan")),
		UpdatedAt:   getTime(data, "updatedAt"),
		Email:       getString(data, "email"),
		UserID:      getString(data, "userId"),
		Source:      getString(data, "source"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
