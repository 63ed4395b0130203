// Package gin provides Gin middleware that gates routes on the caller's plan
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// PlanStatusKey is the Gin context key holding the resolved *goplan.PlanStatus
const PlanStatusKey = "goplan.status"

// IdentityExtractor extracts the caller from a Gin context
// Return nil if the user is not authenticated
type IdentityExtractor func(c *gongin.Context) *goplan.Identity

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
	OnPlanRequired func(c *gongin.Context, status *goplan.PlanStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that requires cfg.RequiredPlan
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Resolver == nil {
		panic("goplan/gin: Config.Resolver is required")
	}
	if cfg.GetIdentity == nil {
		panic("goplan/gin: Config.GetIdentity is required")
	}
	if cfg.RequiredPlan == "" {
		cfg.RequiredPlan = goplan.PlanPro
	}

	return func(c *gongin.Context) {
		identity := cfg.GetIdentity(c)
		if identity == nil {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		status := cfg.Resolver.CurrentPlan(c.Request.Context(), identity)
		c.Header("X-Plan", string(status.Plan))
		if !status.Plan.Satisfies(cfg.RequiredPlan) {
			if cfg.OnPlanRequired != nil {
				cfg.OnPlanRequired(c, status)
			} else {
				defaultPlanRequired(c, status, cfg.RequiredPlan)
			}
			c.Abort()
			return
		}

		c.Set(PlanStatusKey, status)
		c.Next()
	}
}

// PlanStatus returns the status stored by the middleware
func PlanStatus(c *gongin.Context) (*goplan.PlanStatus, bool) {
	val, exists := c.Get(PlanStatusKey)
	if !exists {
		return nil, false
	}
	status, ok := val.(*goplan.PlanStatus)
	return status, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultPlanRequired(c *gongin.Context, status *goplan.PlanStatus, required goplan.Plan) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":    "Plan upgrade required",
		"plan":     status.Plan,
		"required": required,
	})
}

// Convenience extractors for identity

// FromContext returns an IdentityExtractor that gets the subject from Gin
// context values, for auth middleware that calls c.Set(key, subject).
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In plan middleware config:
//	GetIdentity: gin.FromContext("UserID")
func FromContext(key string) IdentityExtractor {
	return func(c *gongin.Context) *goplan.Identity {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return goplan.NewIdentity(str, "")
			}
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
	return func(c *gongin.Context) *goplan.Identity {
		return goplan.NewIdentity(c.GetHeader(subjectHeader), c.GetHeader(emailHeader))
	}
}
