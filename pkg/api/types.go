package api

import "github.com/mihaimyh/goplan/pkg/goplan"

// PlanResponse is the body of GET /plan.
type PlanResponse = goplan.PlanStatus

// SyncRequest is the optional body of POST /plan/sync. Email overrides the
// email carried by the identity.
type SyncRequest struct {
	Email string `json:"email"`
}

// SyncResponse is the body of POST /plan/sync.
type SyncResponse struct {
	// Outcome is "merged", "already_linked" or "not_found"
	Outcome string `json:"outcome"`
	*goplan.PlanStatus
}

type errorResponse struct {
	Error string `json:"error"`
}
