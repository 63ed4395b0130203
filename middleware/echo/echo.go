// Package echo provides Echo middleware that gates routes on the caller's plan
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// PlanStatusKey is the Echo context key holding the resolved *goplan.PlanStatus
const PlanStatusKey = "goplan.status"

// IdentityExtractor extracts the caller from an Echo context
// Return nil if the user is not authenticated
type IdentityExtractor func(c echo.Context) *goplan.Identity

// Config holds middleware configuration
type Config struct {
	// Resolver answers plan lookups
	Resolver *goplan.Resolver

	// GetIdentity extracts the caller from context (required)
	GetIdentity IdentityExtractor

	// RequiredPlan is the minimum plan allowed through
	// Default: PlanPro
	RequiredPlan goplan.Plan

	// OnPlanRequired is called when the caller's plan is too low
	// If nil, returns 403 JSON with the current and required plan
	OnPlanRequired func(c echo.Context, status *goplan.PlanStatus) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that requires cfg.RequiredPlan
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Resolver == nil {
		panic("goplan/echo: Config.Resolver is required")
	}
	if cfg.GetIdentity == nil {
		panic("goplan/echo: Config.GetIdentity is required")
	}
	if cfg.RequiredPlan == "" {
		cfg.RequiredPlan = goplan.PlanPro
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := cfg.GetIdentity(c)
			if identity == nil {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			status := cfg.Resolver.CurrentPlan(c.Request().Context(), identity)
			c.Response().Header().Set("X-Plan", string(status.Plan))
			if !status.Plan.Satisfies(cfg.RequiredPlan) {
				if cfg.OnPlanRequired != nil {
					return cfg.OnPlanRequired(c, status)
				}
				return defaultPlanRequired(c, status, cfg.RequiredPlan)
			}

			c.Set(PlanStatusKey, status)
			return next(c)
		}
	}
}

// PlanStatus returns the status stored by the middleware
func PlanStatus(c echo.Context) (*goplan.PlanStatus, bool) {
	status, ok := c.Get(PlanStatusKey).(*goplan.PlanStatus)
	return status, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPlanRequired(c echo.Context, status *goplan.PlanStatus, required goplan.Plan) error {
	return c.JSON(http.StatusForbidden, map[string]interface{}{
		"error":    "Plan upgrade required",
		"plan":     status.Plan,
		"required": required,
	})
}

// Convenience extractors for identity

// FromContext returns an IdentityExtractor that gets the subject from Echo context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In plan middleware config:
//	GetIdentity: echo.FromContext("UserID")
func FromContext(key string) IdentityExtractor {
	return func(c echo.Context) *goplan.Identity {
		if str, ok := c.Get(key).(string); ok {
			return goplan.NewIdentity(str, "")
		}
		return nil
	}
}

// FromHeaders returns an IdentityExtractor reading trusted auth headers.
// Empty names fall back to X-Auth-Subject and X-Auth-Email.
func FromHeaders(subjectHeader, emailHeader string) IdentityExtractor {
	if subjectHeader == "" {
		subjectHeader = goplan.DefaultSubjectHeader
	}
	if emailHeader == "" {
		emailHeader = goplan.DefaultEmailHeader
	}
	return func(c echo.Context) *goplan.Identity {
		h := c.Request().Header
		return goplan.NewIdentity(h.Get(subjectHeader), h.Get(emailHeader))
	}
}
