package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/billing/internal"
	"github.com/mihaimyh/goplan/pkg/goplan"
)

// SignatureHeader carries Stripe's timestamped webhook signature.
const SignatureHeader = "Stripe-Signature"

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.MethodNotAllowed(w)
		return
	}

	if p.secret == "" {
		p.logger.Error("stripe webhook rejected: secret not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		internal.WriteText(w, http.StatusInternalServerError, "Server misconfigured")
		return
	}

	body, err := internal.ReadBody(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteText(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "read_error")
		internal.WriteText(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := webhook.ValidatePayload(body, r.Header.Get(SignatureHeader), p.secret); err != nil {
		p.logger.Warn("stripe webhook signature rejected",
			goplan.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
			goplan.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteText(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, facts, err := p.decodeEvent(body)
	if err != nil {
		p.logger.Warn("stripe webhook payload rejected", goplan.Field{Key: "error", Value: err})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteText(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	eventType := normalizeEventType(string(event.Type))
	stored := &goplan.WebhookEvent{
		EventID:       event.ID,
		EventType:     eventType,
		Provider:      providerName,
		Payload:       body,
		ProductID:     facts.ProductID,
		CustomerID:    facts.CustomerID,
		CustomerEmail: facts.CustomerEmail,
		ReceivedAt:    p.now().UTC(),
	}

	ctx := context.WithoutCancel(r.Context())

	outcome, err := p.events.RecordEvent(ctx, stored)
	if err != nil {
		p.logger.Error("failed to record stripe webhook event",
			goplan.Field{Key: "event_id", Value: event.ID},
			goplan.Field{Key: "event_type", Value: string(event.Type)},
			goplan.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "storage_error")
		internal.WriteText(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	status := "success"
	if outcome == goplan.RecordDuplicate {
		status = "duplicate"
	}

	p.reconcile(ctx, stored, facts)

	p.metrics.RecordWebhookEvent(providerName, string(event.Type), status)
	p.metrics.RecordWebhookProcessingDuration(providerName, string(event.Type), time.Since(startTime))
	internal.WriteText(w, http.StatusOK, "ok")
}

// decodeEvent parses a verified body. Stripe always sends an event id, so
// a body without one is rejected.
func (p *Provider) decodeEvent(body []byte) (*stripe.Event, objectFacts, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, objectFacts{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	event.ID = strings.TrimSpace(event.ID)
	if event.ID == "" {
		return nil, objectFacts{}, fmt.Errorf("%w: missing event id", billing.ErrInvalidWebhookPayload)
	}
	if event.Data == nil {
		return &event, objectFacts{}, nil
	}
	facts, err := extractFacts(string(event.Type), event.Data.Raw, p.productKey)
	if err != nil {
		return nil, objectFacts{}, err
	}
	return &event, facts, nil
}

func (p *Provider) reconcile(ctx context.Context, event *goplan.WebhookEvent, facts objectFacts) {
	if !affectsPlan(event.EventType) {
		return
	}

	p.fillFacts(ctx, event.EventType, &facts)

	email := facts.CustomerEmail
	if goplan.NormalizeEmail(email) == "" {
		p.logger.Warn("stripe event has no customer email, nothing to reconcile",
			goplan.Field{Key: "event_id", Value: event.EventID},
			goplan.Field{Key: "event_type", Value: event.EventType},
		)
		return
	}

	decision := p.reconciler.Decide(event.EventType, facts.ProductID)
	if decision == goplan.DecisionNoop {
		return
	}

	res, err := p.resolver.ApplyDecisionWithSource(ctx, decision, email, providerName)
	if err != nil {
		p.logger.Error("failed to apply stripe plan decision",
			goplan.Field{Key: "event_id", Value: event.EventID},
			goplan.Field{Key: "decision", Value: decision.String()},
			goplan.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "reconcile_error")
		return
	}
	if !res.Changed || res.PreviousPlan == res.Plan {
		return
	}

	p.metrics.RecordPlanChange(providerName, string(res.PreviousPlan), string(res.Plan))
	if p.onPlanChange == nil {
		return
	}
	change := billing.PlanChangeEvent{
		IdentityKey:  res.IdentityKey,
		PreviousPlan: string(res.PreviousPlan),
		NewPlan:      string(res.Plan),
		Provider:     providerName,
		EventID:      event.EventID,
		EventType:    event.EventType,
		ReceivedAt:   event.ReceivedAt,
		Metadata: map[string]interface{}{
			"product_id":      facts.ProductID,
			"customer_id":     facts.CustomerID,
			"subscription_id": facts.SubscriptionID,
			"order_id":        facts.OrderID,
		},
	}
	if err := p.onPlanChange(ctx, change); err != nil {
		p.logger.Warn("plan change callback failed",
			goplan.Field{Key: "identity_key", Value: change.IdentityKey},
			goplan.Field{Key: "error", Value: err},
		)
	}
}

// fillFacts looks up the customer email, and for completed orders the
// product, when the event object only references them.
func (p *Provider) fillFacts(ctx context.Context, eventType string, facts *objectFacts) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	needEmail := facts.CustomerEmail == "" && facts.CustomerID != ""
	needProduct := eventType == goplan.EventOrderCompleted && facts.ProductID == "" && facts.SubscriptionID != ""
	if !needEmail && !needProduct {
		return
	}

	if needEmail {
		email, err := p.lookup.CustomerEmail(ctx, facts.CustomerID)
		p.recordLookup("customer", facts.CustomerID, err)
		if err == nil {
			facts.CustomerEmail = email
		}
	}
	if needProduct {
		product, err := p.lookup.SubscriptionProduct(ctx, facts.SubscriptionID)
		p.recordLookup("subscription", facts.SubscriptionID, err)
		if err == nil {
			facts.ProductID = product
		}
	}
}

func (p *Provider) recordLookup(kind, id string, err error) {
	switch {
	case err == nil:
		p.metrics.RecordEnrichment(providerName, "success")
	case errors.Is(err, billing.ErrEnrichmentDisabled):
		p.metrics.RecordEnrichment(providerName, "disabled")
	default:
		p.metrics.RecordEnrichment(providerName, "error")
		p.logger.Warn("stripe lookup failed",
			goplan.Field{Key: "object", Value: kind},
			goplan.Field{Key: "id", Value: id},
			goplan.Field{Key: "error", Value: err},
		)
	}
}
