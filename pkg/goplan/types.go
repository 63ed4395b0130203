package goplan

import (
	"encoding/json"
	"strings"
	"time"
)

// Plan is the coarse entitlement tier granted to an identity.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// Rank orders plans so gates can compare them. Unknown plans rank below free.
func (p Plan) Rank() int {
	switch p {
	case PlanPro:
		return 1
	case PlanFree:
		return 0
	default:
		return -1
	}
}

// Satisfies reports whether p grants at least the required plan.
func (p Plan) Satisfies(required Plan) bool {
	return p.Rank() >= required.Rank()
}

const (
	userKeyPrefix  = "user:"
	emailKeyPrefix = "email:"
)

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailKey builds the identity key of a pre-provisioned entitlement.
// Returns an empty string when the email normalizes to nothing.
func EmailKey(email string) string {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return ""
	}
	return emailKeyPrefix + normalized
}

// UserKey builds the identity key of an authenticated subject.
// Subject IDs are case-sensitive, so only surrounding whitespace is removed.
func UserKey(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ""
	}
	return userKeyPrefix + subject
}

// IsUserKey reports whether key belongs to an authenticated subject.
func IsUserKey(key string) bool {
	return strings.HasPrefix(key, userKeyPrefix)
}

// IsEmailKey reports whether key belongs to an email-keyed entitlement.
func IsEmailKey(key string) bool {
	return strings.HasPrefix(key, emailKeyPrefix)
}

// PlanEntitlement is the current plan of one identity key.
// A missing record means the identity is on the free plan.
type PlanEntitlement struct {
	IdentityKey string    `json:"identityKey"`
	Plan        Plan      `json:"plan"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Email       string    `json:"email,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// Clone returns a copy of e.
func (e *PlanEntitlement) Clone() *PlanEntitlement {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// WebhookEvent is one provider notification, recorded exactly once per EventID.
type WebhookEvent struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Provider      string          `json:"provider,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ProductID     string          `json:"productId,omitempty"`
	CustomerID    string          `json:"customerId,omitempty"`
	CustomerEmail string          `json:"customerEmail,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// Clone returns a deep copy of ev.
func (ev *WebhookEvent) Clone() *WebhookEvent {
	if ev == nil {
		return nil
	}
	c := *ev
	if ev.Payload != nil {
		c.Payload = append(json.RawMessage(nil), ev.Payload...)
	}
	return &c
}

// RecordOutcome tells whether RecordEvent stored a new event.
type RecordOutcome int

const (
	RecordInserted RecordOutcome = iota
	RecordDuplicate
)

func (o RecordOutcome) String() string {
	if o == RecordDuplicate {
		return "duplicate"
	}
	return "inserted"
}

// Identity is the authenticated caller as reported by the auth provider.
type Identity struct {
	Subject string
	Email   string
}

// UpsertRequest sets the plan of an identity key.
type UpsertRequest struct {
	IdentityKey string
	Plan        Plan
	Email       string
	Source      string
	UpdatedAt   time.Time
}

// UpsertResult describes what UpsertPlan did.
type UpsertResult struct {
	// Previous is nil when the record was created.
	Previous *PlanEntitlement
	Current  *PlanEntitlement
	// Changed is false when the stored plan and source already matched.
	Changed bool
}

// Created reports whether the upsert inserted a new record.
func (r *UpsertResult) Created() bool {
	return r.Previous == nil
}

// ClaimRequest asks the store to move an email-keyed entitlement to a user key.
type ClaimRequest struct {
	UserKey  string
	EmailKey string // optional
	UserID   string
	Email    string
	// UpdatedAt is written when the record is migrated.
	UpdatedAt time.Time
}

// ClaimOutcome is the branch taken by ClaimEntitlement.
type ClaimOutcome int

const (
	// ClaimNotFound means neither key had a record. Nothing was written.
	ClaimNotFound ClaimOutcome = iota
	// ClaimAlreadyLinked means the user key already had a record. Nothing was written.
	ClaimAlreadyLinked
	// ClaimMerged means the email-keyed record was rekeyed to the user key.
	ClaimMerged
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAlreadyLinked:
		return "already_linked"
	case ClaimMerged:
		return "merged"
	default:
		return "not_found"
	}
}

// ClaimResult is returned by ClaimEntitlement.
type ClaimResult struct {
	Outcome     ClaimOutcome
	Entitlement *PlanEntitlement // nil for ClaimNotFound
}

// Plan returns the resolved plan, free when nothing was found.
func (r *ClaimResult) Plan() Plan {
	if r == nil || r.Entitlement == nil {
		return PlanFree
	}
	return r.Entitlement.Plan
}

// PlanStatus is the caller-facing view of a plan lookup.
type PlanStatus struct {
	Plan      Plan       `json:"plan"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Source    string     `json:"source,omitempty"`
	Email     string     `json:"email,omitempty"`
	Identity  string     `json:"identity,omitempty"`
}

// FreeStatus is the status reported when no entitlement applies.
func FreeStatus() *PlanStatus {
	return &PlanStatus{Plan: PlanFree}
}

// StatusFrom converts a stored entitlement into a PlanStatus.
func StatusFrom(ent *PlanEntitlement) *PlanStatus {
	if ent == nil {
		return FreeStatus()
	}
	updated := ent.UpdatedAt
	return &PlanStatus{
		Plan:      ent.Plan,
		UpdatedAt: &updated,
		Source:    ent.Source,
		Email:     ent.Email,
		Identity:  ent.IdentityKey,
	}
}

// CacheConfig configures the read-through entitlement cache.
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long a cached entitlement is served (default: 30 seconds)
	TTL time.Duration

	// MaxEntries bounds the number of cached entitlements (default: 1000)
	MaxEntries int
}
