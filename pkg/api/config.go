package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// IdentityExtractor returns the authenticated caller, or nil.
type IdentityExtractor func(*http.Request) *goplan.Identity

// Config holds configuration for the plan API handler
type Config struct {
	// Resolver answers plan queries and performs session sync (required)
	Resolver *goplan.Resolver

	// GetIdentity extracts the caller from the request (required).
	// See FromHeaders and FromContext.
	GetIdentity IdentityExtractor

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger goplan.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates a new plan API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &goplan.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common identity extraction patterns

// FromHeaders returns an IdentityExtractor reading trusted headers set by
// an upstream auth proxy. Empty names fall back to the defaults.
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

type identityKey struct{}

// WithIdentity stores an identity in ctx for FromContext.
func WithIdentity(ctx context.Context, identity *goplan.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext returns an IdentityExtractor reading the identity stored by
// WithIdentity, for auth middleware that runs in-process.
func FromContext() IdentityExtractor {
	return func(r *http.Request) *goplan.Identity {
		if identity, ok := r.Context().Value(identityKey{}).(*goplan.Identity); ok && identity != nil {
			return goplan.NewIdentity(identity.Subject, identity.Email)
		}
		return nil
	}
}
