// Package redis provides a Redis implementation of the goplan.Storage interface.
// Conditional writes run as Lua scripts so each operation is atomic per key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

const defaultKeyPrefix = "goplan:"

// Storage implements goplan.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goplan:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: defaultKeyPrefix,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring; on a
// cluster the entitlement scripts need both keys in one slot, so use a hash
// tag in KeyPrefix (for example "{goplan}:").
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic entitlement updates.
// Entitlements are stored as JSON strings and edited in place with cjson.
func (s *Storage) loadScripts() {
	s.scripts["upsert"] = redis.NewScript(`
		local key = KEYS[1]
		local plan = ARGV[1]
		local source = ARGV[2]
		local email = ARGV[3]
		local updatedAt = ARGV[4]
		local identityKey = ARGV[5]

		local current = redis.call('GET', key)
		if not current then
			local ent = {identityKey = identityKey, plan = plan, updatedAt = updatedAt, source = source}
			if email ~= '' then
				ent.email = email
			end
			local encoded = cjson.encode(ent)
			redis.call('SET', key, encoded)
			return {'created', '', encoded}
		end

		local ent = cjson.decode(current)
		if ent.plan == plan and (ent.source or '') == source then
			return {'unchanged', current, current}
		end

		ent.plan = plan
		ent.source = source
		ent.updatedAt = updatedAt
		if email ~= '' then
			ent.email = email
		end
		local encoded = cjson.encode(ent)
		redis.call('SET', key, encoded)
		return {'updated', current, encoded}
	`)

	s.scripts["claim"] = redis.NewScript(`
		local userKey = KEYS[1]
		local emailKey = KEYS[2]
		local identityKey = ARGV[1]
		local userId = ARGV[2]
		local email = ARGV[3]
		local updatedAt = ARGV[4]

		local linked = redis.call('GET', userKey)
		if linked then
			return {'linked', linked}
		end
		if emailKey == '' then
			return {'missing', ''}
		end

		local pending = redis.call('GET', emailKey)
		if not pending then
			return {'missing', ''}
		end

		local ent = cjson.decode(pending)
		ent.identityKey = identityKey
		ent.userId = userId
		if email ~= '' then
			ent.email = email
		end
		ent.updatedAt = updatedAt
		local encoded = cjson.encode(ent)
		redis.call('SET', userKey, encoded)
		redis.call('DEL', emailKey)
		return {'merged', encoded}
	`)
}

// storedEvent keeps the payload as raw bytes so it survives byte for byte.
type storedEvent struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Provider      string    `json:"provider,omitempty"`
	Payload       []byte    `json:"payload"`
	ProductID     string    `json:"productId,omitempty"`
	CustomerID    string    `json:"customerId,omitempty"`
	CustomerEmail string    `json:"customerEmail,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// RecordEvent implements goplan.EventStore
func (s *Storage) RecordEvent(ctx context.Context, ev *goplan.WebhookEvent) (goplan.RecordOutcome, error) {
	if err := goplan.ValidateEvent(ev); err != nil {
		return goplan.RecordInserted, err
	}

	data, err := json.Marshal(storedEvent{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		Provider:      ev.Provider,
		Payload:       ev.Payload,
		ProductID:     ev.ProductID,
		CustomerID:    ev.CustomerID,
		CustomerEmail: ev.CustomerEmail,
		ReceivedAt:    ev.ReceivedAt.UTC(),
	})
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("failed to marshal event: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(ev.EventID), data, 0).Result()
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("failed to record event: %w", err)
	}
	if !ok {
		return goplan.RecordDuplicate, nil
	}
	return goplan.RecordInserted, nil
}

// GetEvent implements goplan.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*goplan.WebhookEvent, error) {
	data, err := s.client.Get(ctx, s.eventKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, goplan.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var stored storedEvent
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &goplan.WebhookEvent{
		EventID:       stored.EventID,
		EventType:     stored.EventType,
		Provider:      stored.Provider,
		Payload:       json.RawMessage(stored.Payload),
		ProductID:     stored.ProductID,
		CustomerID:    stored.CustomerID,
		CustomerEmail: stored.CustomerEmail,
		ReceivedAt:    stored.ReceivedAt,
	}, nil
}

// GetEntitlement implements goplan.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, identityKey string) (*goplan.PlanEntitlement, error) {
	data, err := s.client.Get(ctx, s.entitlementKey(identityKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, goplan.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return decodeEntitlement(data)
}

// UpsertPlan implements goplan.EntitlementStore
func (s *Storage) UpsertPlan(ctx context.Context, req *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	if err := goplan.ValidateUpsert(req); err != nil {
		return nil, err
	}

	raw, err := s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.entitlementKey(req.IdentityKey)},
		string(req.Plan),
		req.Source,
		req.Email,
		formatTime(req.UpdatedAt),
		req.IdentityKey,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert plan: %w", err)
	}

	parts, err := scriptStrings(raw, 3)
	if err != nil {
		return nil, err
	}

	current, err := decodeEntitlement([]byte(parts[2]))
	if err != nil {
		return nil, err
	}
	result := &goplan.UpsertResult{Current: current, Changed: parts[0] != "unchanged"}
	if parts[1] != "" {
		if result.Previous, err = decodeEntitlement([]byte(parts[1])); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ClaimEntitlement implements goplan.EntitlementStore
func (s *Storage) ClaimEntitlement(ctx context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	if err := goplan.ValidateClaim(req); err != nil {
		return nil, err
	}

	emailKey := ""
	if req.EmailKey != "" {
		emailKey = s.entitlementKey(req.EmailKey)
	}

	raw, err := s.scripts["claim"].Run(ctx, s.client,
		[]string{s.entitlementKey(req.UserKey), emailKey},
		req.UserKey,
		req.UserID,
		req.Email,
		formatTime(req.UpdatedAt),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim entitlement: %w", err)
	}

	parts, err := scriptStrings(raw, 2)
	if err != nil {
		return nil, err
	}

	var outcome goplan.ClaimOutcome
	switch parts[0] {
	case "linked":
		outcome = goplan.ClaimAlreadyLinked
	case "merged":
		outcome = goplan.ClaimMerged
	default:
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}

	ent, err := decodeEntitlement([]byte(parts[1]))
	if err != nil {
		return nil, err
	}
	return &goplan.ClaimResult{Outcome: outcome, Entitlement: ent}, nil
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) entitlementKey(identityKey string) string {
	return s.config.KeyPrefix + "plan:" + identityKey
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeEntitlement(data []byte) (*goplan.PlanEntitlement, error) {
	var ent goplan.PlanEntitlement
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

func scriptStrings(raw interface{}, n int) ([]string, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < n {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		str, ok := values[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %v", i, values[i])
		}
		out[i] = str
	}
	return out, nil
}
