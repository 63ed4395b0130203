// Package memory provides an in-memory implementation of the goplan.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Storage implements goplan.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	events       map[string]*goplan.WebhookEvent
	entitlements map[string]*goplan.PlanEntitlement
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		events:       make(map[string]*goplan.WebhookEvent),
		entitlements: make(map[string]*goplan.PlanEntitlement),
	}
}

// RecordEvent implements goplan.EventStore
func (s *Storage) RecordEvent(_ context.Context, ev *goplan.WebhookEvent) (goplan.RecordOutcome, error) {
	if err := goplan.ValidateEvent(ev); err != nil {
		return goplan.RecordInserted, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.EventID]; exists {
		return goplan.RecordDuplicate, nil
	}
	s.events[ev.EventID] = ev.Clone()
	return goplan.RecordInserted, nil
}

// GetEvent implements goplan.EventStore
func (s *Storage) GetEvent(_ context.Context, eventID string) (*goplan.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, goplan.ErrEventNotFound
	}
	return ev.Clone(), nil
}

// GetEntitlement implements goplan.EntitlementStore
func (s *Storage) GetEntitlement(_ context.Context, identityKey string) (*goplan.PlanEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[identityKey]
	if !ok {
		return nil, goplan.ErrEntitlementNotFound
	}
	return ent.Clone(), nil
}

// UpsertPlan implements goplan.EntitlementStore
func (s *Storage) UpsertPlan(_ context.Context, req *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	if err := goplan.ValidateUpsert(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entitlements[req.IdentityKey]
	if !ok {
		ent := &goplan.PlanEntitlement{
			IdentityKey: req.IdentityKey,
			Plan:        req.Plan,
			UpdatedAt:   req.UpdatedAt,
			Email:       req.Email,
			Source:      req.Source,
		}
		s.entitlements[req.IdentityKey] = ent
		return &goplan.UpsertResult{Current: ent.Clone(), Changed: true}, nil
	}

	previous := existing.Clone()
	if existing.Plan == req.Plan && existing.Source == req.Source {
		return &goplan.UpsertResult{Previous: previous, Current: previous.Clone()}, nil
	}

	existing.Plan = req.Plan
	existing.Source = req.Source
	existing.UpdatedAt = req.UpdatedAt
	if req.Email != "" {
		existing.Email = req.Email
	}
	return &goplan.UpsertResult{Previous: previous, Current: existing.Clone(), Changed: true}, nil
}

// ClaimEntitlement implements goplan.EntitlementStore
func (s *Storage) ClaimEntitlement(_ context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	if err := goplan.ValidateClaim(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entitlements[req.UserKey]; ok {
		return &goplan.ClaimResult{Outcome: goplan.ClaimAlreadyLinked, Entitlement: ent.Clone()}, nil
	}
	if req.EmailKey == "" {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}

	ent, ok := s.entitlements[req.EmailKey]
	if !ok {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}

	delete(s.entitlements, req.EmailKey)
	ent.IdentityKey = req.UserKey
	ent.UserID = req.UserID
	if req.Email != "" {
		ent.Email = req.Email
	}
	ent.UpdatedAt = req.UpdatedAt
	s.entitlements[req.UserKey] = ent

	return &goplan.ClaimResult{Outcome: goplan.ClaimMerged, Entitlement: ent.Clone()}, nil
}

// Len returns the number of stored events and entitlements.
func (s *Storage) Len() (events, entitlements int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), len(s.entitlements)
}
