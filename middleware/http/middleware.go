// Package http provides net/http middleware that gates handlers on the
// caller's plan.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// IdentityExtractor extracts the caller from an HTTP request.
// Return nil if the user is not authenticated.
type IdentityExtractor func(r *http.Request) *goplan.Identity

// Config holds middleware configuration
type Config struct {
	// Resolver answers plan lookups (required)
	Resolver *goplan.Resolver

	// GetIdentity extracts the caller from the request (required)
	GetIdentity IdentityExtractor

	// RequiredPlan is the minimum plan allowed through.
	// Default: PlanPro
	RequiredPlan goplan.Plan

	// OnPlanRequired is called when the caller's plan is too low.
	// If nil, returns 403 Forbidden with a JSON body
	OnPlanRequired func(w http.ResponseWriter, r *http.Request, status *goplan.PlanStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

type contextKey struct{}

// PlanFromContext returns the plan status resolved by the middleware.
func PlanFromContext(ctx context.Context) (*goplan.PlanStatus, bool) {
	status, ok := ctx.Value(contextKey{}).(*goplan.PlanStatus)
	return status, ok
}

// Middleware creates an HTTP middleware that requires config.RequiredPlan
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Resolver == nil {
		panic("goplan/http: Config.Resolver is required")
	}
	if config.GetIdentity == nil {
		panic("goplan/http: Config.GetIdentity is required")
	}
	if config.RequiredPlan == "" {
		config.RequiredPlan = goplan.PlanPro
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := config.GetIdentity(r)
			if identity == nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			status := config.Resolver.CurrentPlan(r.Context(), identity)
			w.Header().Set("X-Plan", string(status.Plan))
			if !status.Plan.Satisfies(config.RequiredPlan) {
				if config.OnPlanRequired != nil {
					config.OnPlanRequired(w, r, status)
				} else {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error":    "Plan upgrade required",
						"plan":     string(status.Plan),
						"required": string(config.RequiredPlan),
					})
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, status)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// FromHeaders returns an IdentityExtractor reading trusted auth headers.
// Empty names fall back to X-Auth-Subject and X-Auth-Email.
func FromHeaders(subjectHeader, emailHeader string) IdentityExtractor {
	if subjectHeader == "" {
		subjectHeader = goplan.DefaultSubjectHeader
	}
	if emailHeader == "" {
		emailHeader = goplan.DefaultEmailHeader
	}
	return func(r *http.Request) *goplan.Identity {
		return goplan.NewIdentity(r.Header.Get(subjectHeader), r.Header.Get(emailHeader))
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubjectKey is the context key for the authenticated subject
	SubjectKey ContextKey = "plan:subject"
)

// FromContext returns an IdentityExtractor that gets the subject from request context
func FromContext(key ContextKey) IdentityExtractor {
	return func(r *http.Request) *goplan.Identity {
		if subject, ok := r.Context().Value(key).(string); ok {
			return goplan.NewIdentity(subject, "")
		}
		return nil
	}
}
