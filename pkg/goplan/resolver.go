package goplan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSource is recorded on entitlements written without an explicit source.
const DefaultSource = "polar"

// Config configures a Resolver.
type Config struct {
	// Source is stored on entitlements written by ApplyDecision (default: "polar")
	Source string

	// CacheConfig configures plan read caching (default: disabled)
	CacheConfig *CacheConfig

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now overrides the clock used for UpdatedAt (default: time.Now)
	Now func() time.Time
}

// Resolver maps billing decisions and logins onto identity-keyed entitlements.
type Resolver struct {
	store    EntitlementStore
	source   string
	cache    Cache
	cacheTTL time.Duration
	metrics  Metrics
	logger   Logger
	now      func() time.Time
}

// ApplyResult reports what ApplyDecision did.
type ApplyResult struct {
	Decision    Decision
	Applied     bool
	Changed     bool
	IdentityKey string
	// PreviousPlan is empty when the record was created.
	PreviousPlan Plan
	Plan         Plan
}

// NewResolver creates a Resolver on top of an entitlement store.
func NewResolver(store EntitlementStore, config *Config) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("entitlement store is required")
	}
	if config == nil {
		config = &Config{}
	}

	r := &Resolver{
		store:   store,
		source:  config.Source,
		cache:   &NoopCache{},
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}
	if r.source == "" {
		r.source = DefaultSource
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		r.cache = NewLRUCache(cc.MaxEntries)
		r.cacheTTL = cc.TTL
		if r.cacheTTL <= 0 {
			r.cacheTTL = defaultCacheTTL
		}
	}
	return r, nil
}

// Source returns the provenance label written by ApplyDecision.
func (r *Resolver) Source() string {
	return r.source
}

// ApplyDecision writes the decided plan to the email-keyed entitlement of
// the customer. Noop decisions and events without an email write nothing.
func (r *Resolver) ApplyDecision(ctx context.Context, decision Decision, customerEmail string) (*ApplyResult, error) {
	return r.ApplyDecisionWithSource(ctx, decision, customerEmail, r.source)
}

// ApplyDecisionWithSource is ApplyDecision with an explicit provenance label.
func (r *Resolver) ApplyDecisionWithSource(
	ctx context.Context, decision Decision, customerEmail, source string,
) (*ApplyResult, error) {
	result := &ApplyResult{Decision: decision}

	plan, ok := decision.Plan()
	if !ok {
		return result, nil
	}

	key := EmailKey(customerEmail)
	if key == "" {
		r.logger.Warn("plan decision has no customer email, skipping",
			Field{"decision", decision.String()},
		)
		return result, nil
	}
	result.IdentityKey = key
	if source == "" {
		source = r.source
	}

	start := time.Now()
	res, err := r.store.UpsertPlan(ctx, &UpsertRequest{
		IdentityKey: key,
		Plan:        plan,
		Email:       NormalizeEmail(customerEmail),
		Source:      source,
		UpdatedAt:   r.now().UTC(),
	})
	r.metrics.RecordStorageOperation("upsert_plan", time.Since(start), err)
	if err != nil {
		return result, fmt.Errorf("upsert plan for %s: %w", key, err)
	}
	r.cache.Invalidate(key)

	result.Applied = true
	result.Changed = res.Changed
	result.Plan = res.Current.Plan
	if res.Previous != nil {
		result.PreviousPlan = res.Previous.Plan
	}
	if res.Changed && result.PreviousPlan != result.Plan {
		r.metrics.RecordPlanChange(result.PreviousPlan, result.Plan)
	}

	r.logger.Info("plan decision applied",
		Field{"identity_key", key},
		Field{"decision", decision.String()},
		Field{"plan", string(result.Plan)},
		Field{"changed", res.Changed},
	)
	return result, nil
}

// SyncOnLogin links a pre-provisioned entitlement to an authenticated subject.
// email overrides the identity's email when non-empty. Calling it again for
// the same subject returns the linked record without writing.
func (r *Resolver) SyncOnLogin(ctx context.Context, identity Identity, email string) (*ClaimResult, error) {
	userKey := UserKey(identity.Subject)
	if userKey == "" {
		return nil, ErrIdentityRequired
	}
	if email == "" {
		email = identity.Email
	}
	normalized := NormalizeEmail(email)

	start := time.Now()
	res, err := r.store.ClaimEntitlement(ctx, &ClaimRequest{
		UserKey:   userKey,
		EmailKey:  EmailKey(normalized),
		UserID:    identity.Subject,
		Email:     normalized,
		UpdatedAt: r.now().UTC(),
	})
	r.metrics.RecordStorageOperation("claim_entitlement", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("claim entitlement for %s: %w", userKey, err)
	}
	r.metrics.RecordClaim(res.Outcome)

	if res.Outcome == ClaimMerged {
		r.cache.Invalidate(userKey)
		r.cache.Invalidate(EmailKey(normalized))
		r.logger.Info("entitlement linked to user",
			Field{"identity_key", userKey},
			Field{"plan", string(res.Plan())},
		)
	}
	return res, nil
}

// Lookup returns the entitlement stored under identityKey, consulting the
// cache first. Missing records yield ErrEntitlementNotFound.
func (r *Resolver) Lookup(ctx context.Context, identityKey string) (*PlanEntitlement, error) {
	if ent, ok := r.cache.Get(identityKey); ok {
		r.metrics.RecordCacheHit(cacheTypeEntitlement)
		return ent, nil
	}
	r.metrics.RecordCacheMiss(cacheTypeEntitlement)

	start := time.Now()
	ent, err := r.store.GetEntitlement(ctx, identityKey)
	if errors.Is(err, ErrEntitlementNotFound) {
		r.metrics.RecordStorageOperation("get_entitlement", time.Since(start), nil)
		return nil, err
	}
	r.metrics.RecordStorageOperation("get_entitlement", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	r.cache.Set(identityKey, ent, r.cacheTTL)
	return ent, nil
}

// CurrentPlan returns the caller's plan. It never fails: unauthenticated
// callers, unknown users and storage errors all resolve to the free plan.
func (r *Resolver) CurrentPlan(ctx context.Context, identity *Identity) *PlanStatus {
	if identity == nil {
		return FreeStatus()
	}
	key := UserKey(identity.Subject)
	if key == "" {
		return FreeStatus()
	}

	ent, err := r.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrEntitlementNotFound) {
			r.logger.Error("plan lookup failed, reporting free plan",
				Field{"identity_key", key},
				Field{"error", err.Error()},
			)
		}
		return FreeStatus()
	}
	return StatusFrom(ent)
}
