package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

const maxSyncBody = 4 * 1024

var (
	// ErrUnauthenticated is reported when no identity accompanies the request
	ErrUnauthenticated = errors.New("authentication required")

	// ErrInvalidRequest is reported for an unreadable sync body
	ErrInvalidRequest = errors.New("invalid request body")
)

// Handler provides the plan query and session sync endpoints
type Handler struct {
	config Config
}

// GetPlan answers GET /plan with the caller's current plan. It never fails:
// anonymous callers and lookup errors are reported as the free plan.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.handleError(w, r, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	status := h.config.Resolver.CurrentPlan(r.Context(), h.config.GetIdentity(r))
	writeJSON(w, http.StatusOK, status)
}

// SyncPlan answers POST /plan/sync by linking an entitlement purchased
// under the caller's email to their subject.
func (h *Handler) SyncPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	identity := h.config.GetIdentity(r)
	if identity == nil {
		h.handleError(w, r, ErrUnauthenticated, http.StatusUnauthorized)
		return
	}

	req, err := decodeSyncRequest(w, r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	res, err := h.config.Resolver.SyncOnLogin(r.Context(), *identity, req.Email)
	switch {
	case errors.Is(err, goplan.ErrIdentityRequired):
		h.handleError(w, r, ErrUnauthenticated, http.StatusUnauthorized)
		return
	case err != nil:
		h.config.Logger.Error("plan sync failed",
			goplan.Field{Key: "identity_key", Value: goplan.UserKey(identity.Subject)},
			goplan.Field{Key: "error", Value: err},
		)
		h.handleError(w, r, errors.New("plan sync failed"), http.StatusInternalServerError)
		return
	}

	status := goplan.StatusFrom(res.Entitlement)
	if res.Entitlement == nil {
		status.Identity = goplan.UserKey(identity.Subject)
	}
	writeJSON(w, http.StatusOK, SyncResponse{Outcome: res.Outcome.String(), PlanStatus: status})
}

// decodeSyncRequest accepts an empty body as "no email override".
func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (*SyncRequest, error) {
	var req SyncRequest
	if r.Body == nil {
		return &req, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(body) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &req, nil
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
