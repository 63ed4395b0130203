// Package fiber provides Fiber middleware that gates routes on the caller's plan
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// PlanStatusKey is the Fiber locals key holding the resolved *goplan.PlanStatus
const PlanStatusKey = "goplan.status"

// IdentityExtractor extracts the caller from a Fiber context
// Return nil if the user is not authenticated
type IdentityExtractor func(c *fiber.Ctx) *goplan.Identity

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
	OnPlanRequired func(c *fiber.Ctx, status *goplan.PlanStatus) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that requires cfg.RequiredPlan
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Resolver == nil {
		panic("goplan/fiber: Config.Resolver is required")
	}
	if cfg.GetIdentity == nil {
		panic("goplan/fiber: Config.GetIdentity is required")
	}
	if cfg.RequiredPlan == "" {
		cfg.RequiredPlan = goplan.PlanPro
	}

	return func(c *fiber.Ctx) error {
		identity := cfg.GetIdentity(c)
		if identity == nil {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		status := cfg.Resolver.CurrentPlan(c.UserContext(), identity)
		c.Set("X-Plan", string(status.Plan))
		if !status.Plan.Satisfies(cfg.RequiredPlan) {
			if cfg.OnPlanRequired != nil {
				return cfg.OnPlanRequired(c, status)
			}
			return defaultPlanRequired(c, status, cfg.RequiredPlan)
		}

		c.Locals(PlanStatusKey, status)
		return c.Next()
	}
}

// PlanStatus returns the status stored by the middleware
func PlanStatus(c *fiber.Ctx) (*goplan.PlanStatus, bool) {
	status, ok := c.Locals(PlanStatusKey).(*goplan.PlanStatus)
	return status, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPlanRequired(c *fiber.Ctx, status *goplan.PlanStatus, required goplan.Plan) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":    "Plan upgrade required",
		"plan":     status.Plan,
		"required": required,
	})
}

// Convenience extractors for identity

// FromLocals returns an IdentityExtractor that gets the subject from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In plan middleware config:
//	GetIdentity: fiber.FromLocals("UserID")
func FromLocals(key string) IdentityExtractor {
	return func(c *fiber.Ctx) *goplan.Identity {
		if str, ok := c.Locals(key).(string); ok {
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
	return func(c *fiber.Ctx) *goplan.Identity {
		return goplan.NewIdentity(c.Get(subjectHeader), c.Get(emailHeader))
	}
}
