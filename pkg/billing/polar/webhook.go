package polar

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/billing/internal"
	"github.com/mihaimyh/goplan/pkg/goplan"
)

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.MethodNotAllowed(w)
		return
	}

	if p.secret == "" {
		p.logger.Error("polar webhook rejected: secret not configured")
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

	if !Verify(body, r.Header.Get(SignatureHeader), p.secret) {
		p.logger.Warn("polar webhook signature mismatch",
			goplan.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteText(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	env, err := parseEnvelope(body)
	if err != nil {
		p.logger.Warn("polar webhook payload rejected", goplan.Field{Key: "error", Value: err})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteText(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	eventType := env.Type
	if eventType == "" {
		eventType = strings.TrimSpace(r.Header.Get(EventHeader))
	}
	if eventType == "" {
		eventType = goplan.EventUntyped
	}
	eventID := env.ID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := &goplan.WebhookEvent{
		EventID:       eventID,
		EventType:     eventType,
		Provider:      providerName,
		Payload:       body,
		ProductID:     env.ProductID(),
		CustomerID:    env.CustomerID(),
		CustomerEmail: env.CustomerEmail(),
		ReceivedAt:    p.now().UTC(),
	}

	// Processing continues after the client goes away: the event is
	// acknowledged once stored.
	ctx := context.WithoutCancel(r.Context())

	outcome, err := p.events.RecordEvent(ctx, event)
	if err != nil {
		p.logger.Error("failed to record polar webhook event",
			goplan.Field{Key: "event_id", Value: eventID},
			goplan.Field{Key: "event_type", Value: eventType},
			goplan.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "storage_error")
		internal.WriteText(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	status := "success"
	if outcome == goplan.RecordDuplicate {
		status = "duplicate"
		p.logger.Info("duplicate polar webhook delivery, reconciling again",
			goplan.Field{Key: "event_id", Value: eventID},
		)
	}

	p.reconcile(ctx, event, env)

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	internal.WriteText(w, http.StatusOK, "ok")
}

// reconcile applies the plan decision for a stored event. Failures are
// logged; they never change the response.
func (p *Provider) reconcile(ctx context.Context, event *goplan.WebhookEvent, env *envelope) {
	email, productID := event.CustomerEmail, event.ProductID
	orderID := env.OrderID(event.EventType)

	if event.EventType == goplan.EventOrderCompleted && (email == "" || productID == "") {
		if detail := p.enrich(ctx, orderID); detail != nil {
			if email == "" {
				email = detail.CustomerEmail
			}
			if productID == "" {
				productID = detail.ProductID
			}
		}
	}

	decision := p.reconciler.Decide(event.EventType, productID)
	if decision == goplan.DecisionNoop {
		return
	}
	if goplan.NormalizeEmail(email) == "" {
		p.logger.Warn("polar event has no customer email, plan decision not applied",
			goplan.Field{Key: "event_id", Value: event.EventID},
			goplan.Field{Key: "event_type", Value: event.EventType},
			goplan.Field{Key: "decision", Value: decision.String()},
			goplan.Field{Key: "order_id", Value: orderID},
		)
		p.metrics.RecordWebhookError(providerName, "missing_email")
		return
	}

	res, err := p.resolver.ApplyDecisionWithSource(ctx, decision, email, providerName)
	if err != nil {
		p.logger.Error("failed to apply polar plan decision",
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
	p.notify(ctx, billing.PlanChangeEvent{
		IdentityKey:  res.IdentityKey,
		PreviousPlan: string(res.PreviousPlan),
		NewPlan:      string(res.Plan),
		Provider:     providerName,
		EventID:      event.EventID,
		EventType:    event.EventType,
		ReceivedAt:   event.ReceivedAt,
		Metadata: map[string]interface{}{
			"product_id":  productID,
			"customer_id": event.CustomerID,
			"order_id":    orderID,
		},
	})
}

// enrich fetches order details and records them as a derived event.
func (p *Provider) enrich(ctx context.Context, orderID string) *OrderDetail {
	if orderID == "" {
		p.metrics.RecordEnrichment(providerName, "skipped")
		return nil
	}

	detail, err := p.client.FetchOrder(ctx, orderID)
	switch {
	case errors.Is(err, billing.ErrEnrichmentDisabled):
		p.metrics.RecordEnrichment(providerName, "disabled")
		return nil
	case err != nil:
		p.logger.Warn("polar order lookup failed",
			goplan.Field{Key: "order_id", Value: orderID},
			goplan.Field{Key: "error", Value: err},
		)
		p.metrics.RecordEnrichment(providerName, "error")
		return nil
	}
	p.metrics.RecordEnrichment(providerName, "success")

	derived := &goplan.WebhookEvent{
		EventID:       detail.ID + "-details",
		EventType:     goplan.EventOrderDetails,
		Provider:      providerName,
		Payload:       detail.Raw,
		ProductID:     detail.ProductID,
		CustomerID:    detail.CustomerID,
		CustomerEmail: detail.CustomerEmail,
		ReceivedAt:    p.now().UTC(),
	}
	if _, err := p.events.RecordEvent(ctx, derived); err != nil {
		p.logger.Warn("failed to record polar order details",
			goplan.Field{Key: "event_id", Value: derived.EventID},
			goplan.Field{Key: "error", Value: err},
		)
	}
	return detail
}

func (p *Provider) notify(ctx context.Context, event billing.PlanChangeEvent) {
	if p.onPlanChange == nil {
		return
	}
	if err := p.onPlanChange(ctx, event); err != nil {
		p.logger.Warn("plan change callback failed",
			goplan.Field{Key: "identity_key", Value: event.IdentityKey},
			goplan.Field{Key: "error", Value: err},
		)
	}
}
