package goplan

import "strings"

// Decision is the plan mutation derived from a single event.
type Decision int

const (
	DecisionNoop Decision = iota
	DecisionGrantPro
	DecisionRevokeToFree
)

func (d Decision) String() string {
	switch d {
	case DecisionGrantPro:
		return "grant_pro"
	case DecisionRevokeToFree:
		return "revoke_to_free"
	default:
		return "noop"
	}
}

// Plan returns the plan a decision assigns and false for DecisionNoop.
func (d Decision) Plan() (Plan, bool) {
	switch d {
	case DecisionGrantPro:
		return PlanPro, true
	case DecisionRevokeToFree:
		return PlanFree, true
	default:
		return "", false
	}
}

// Event types understood by the reconciler.
const (
	EventOrderCompleted        = "order.completed"
	EventOrderRefunded         = "order.refunded"
	EventOrderCancelled        = "order.cancelled"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventOrderDetails          = "order.details"
	EventUntyped               = "untyped"
)

// Decide maps an event to a plan decision. It is total: every input yields
// exactly one decision. A completed order only grants pro when a target
// product is configured and the event's product matches it.
func Decide(eventType, productID, targetProductID string) Decision {
	switch eventType {
	case EventOrderCompleted:
		target := strings.TrimSpace(targetProductID)
		if target != "" && strings.TrimSpace(productID) == target {
			return DecisionGrantPro
		}
		return DecisionNoop
	case EventOrderRefunded, EventOrderCancelled, EventSubscriptionCancelled:
		return DecisionRevokeToFree
	default:
		return DecisionNoop
	}
}

// Reconciler binds Decide to a configured target product.
type Reconciler struct {
	targetProductID string
	metrics         Metrics
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(targetProductID string, metrics Metrics) *Reconciler {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Reconciler{
		targetProductID: strings.TrimSpace(targetProductID),
		metrics:         metrics,
	}
}

// TargetProductID returns the product that grants pro.
func (r *Reconciler) TargetProductID() string {
	return r.targetProductID
}

// Decide returns the decision for an event and records it.
func (r *Reconciler) Decide(eventType, productID string) Decision {
	d := Decide(eventType, productID, r.targetProductID)
	r.metrics.RecordDecision(eventType, d)
	return d
}
