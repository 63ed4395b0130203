// Package postgres provides a PostgreSQL implementation of the goplan.Storage interface.
// Events use INSERT ... ON CONFLICT DO NOTHING; entitlement updates run in
// transactions that lock the affected row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

const uniqueViolation = "23505"

// Schema creates the tables used by Storage. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id       TEXT PRIMARY KEY,
	event_type     TEXT NOT NULL,
	provider       TEXT NOT NULL DEFAULT '',
	payload        BYTEA NOT NULL,
	product_id     TEXT NOT NULL DEFAULT '',
	customer_id    TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	received_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS plan_entitlements (
	identity_key TEXT PRIMARY KEY,
	plan         TEXT NOT NULL CHECK (plan IN ('free', 'pro')),
	updated_at   TIMESTAMPTZ NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	user_id      TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT ''
);
`

// Storage implements goplan.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema when the storage is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordEvent implements goplan.EventStore
func (s *Storage) RecordEvent(ctx context.Context, ev *goplan.WebhookEvent) (goplan.RecordOutcome, error) {
	if err := goplan.ValidateEvent(ev); err != nil {
		return goplan.RecordInserted, err
	}

	payload := []byte(ev.Payload)
	if payload == nil {
		payload = []byte{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events
			(event_id, event_type, provider, payload, product_id, customer_id, customer_email, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Provider, payload,
		ev.ProductID, ev.CustomerID, ev.CustomerEmail, ev.ReceivedAt.UTC())
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("failed to record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return goplan.RecordDuplicate, nil
	}
	return goplan.RecordInserted, nil
}

// GetEvent implements goplan.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*goplan.WebhookEvent, error) {
	var ev goplan.WebhookEvent
	var payload []byte

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, provider, payload, product_id, customer_id, customer_email, received_at
			FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(
		&ev.EventID, &ev.EventType, &ev.Provider, &payload,
		&ev.ProductID, &ev.CustomerID, &ev.CustomerEmail, &ev.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goplan.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	ev.Payload = payload
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return &ev, nil
}

const selectEntitlement = `SELECT identity_key, plan, updated_at, email, user_id, source
	FROM plan_entitlements WHERE identity_key = $1`

func scanEntitlement(row pgx.Row) (*goplan.PlanEntitlement, error) {
	var ent goplan.PlanEntitlement
	var plan string
	if err := row.Scan(&ent.IdentityKey, &plan, &ent.UpdatedAt, &ent.Email, &ent.UserID, &ent.Source); err != nil {
		return nil, err
	}
	ent.Plan = goplan.Plan(plan)
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return &ent, nil
}

// GetEntitlement implements goplan.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, identityKey string) (*goplan.PlanEntitlement, error) {
	ent, err := scanEntitlement(s.pool.QueryRow(ctx, selectEntitlement, identityKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goplan.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// UpsertPlan implements goplan.EntitlementStore
func (s *Storage) UpsertPlan(ctx context.Context, req *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	if err := goplan.ValidateUpsert(req); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	updatedAt := req.UpdatedAt.UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO plan_entitlements (identity_key, plan, updated_at, email, source)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (identity_key) DO NOTHING`,
		req.IdentityKey, string(req.Plan), updatedAt, req.Email, req.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entitlement: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &goplan.UpsertResult{
			Current: &goplan.PlanEntitlement{
				IdentityKey: req.IdentityKey,
				Plan:        req.Plan,
				UpdatedAt:   updatedAt,
				Email:       req.Email,
				Source:      req.Source,
			},
			Changed: true,
		}, nil
	}

	previous, err := scanEntitlement(tx.QueryRow(ctx, selectEntitlement+` FOR UPDATE`, req.IdentityKey))
	if err != nil {
		return nil, fmt.Errorf("failed to lock entitlement: %w", err)
	}
	if previous.Plan == req.Plan && previous.Source == req.Source {
		return &goplan.UpsertResult{Previous: previous, Current: previous.Clone()}, nil
	}

	current, err := scanEntitlement(tx.QueryRow(ctx,
		`UPDATE plan_entitlements
			SET plan = $2, source = $3, updated_at = $4,
				email = CASE WHEN $5 = '' THEN email ELSE $5 END
			WHERE identity_key = $1
			RETURNING identity_key, plan, updated_at, email, user_id, source`,
		req.IdentityKey, string(req.Plan), req.Source, updatedAt, req.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to update entitlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &goplan.UpsertResult{Previous: previous, Current: current, Changed: true}, nil
}

// ClaimEntitlement implements goplan.EntitlementStore
func (s *Storage) ClaimEntitlement(ctx context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	if err := goplan.ValidateClaim(req); err != nil {
		return nil, err
	}

	res, err := s.claim(ctx, req)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// A concurrent claim created the user row first.
		ent, getErr := s.GetEntitlement(ctx, req.UserKey)
		if getErr != nil {
			return nil, getErr
		}
		return &goplan.ClaimResult{Outcome: goplan.ClaimAlreadyLinked, Entitlement: ent}, nil
	}
	return res, err
}

func (s *Storage) claim(ctx context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	linked, err := scanEntitlement(tx.QueryRow(ctx, selectEntitlement, req.UserKey))
	if err == nil {
		return &goplan.ClaimResult{Outcome: goplan.ClaimAlreadyLinked, Entitlement: linked}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get user entitlement: %w", err)
	}
	if req.EmailKey == "" {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}

	// The UPDATE takes the row lock; a concurrent claim that moved the row
	// first leaves nothing matching the email key.
	merged, err := scanEntitlement(tx.QueryRow(ctx,
		`UPDATE plan_entitlements
			SET identity_key = $2, user_id = $3, updated_at = $4,
				email = CASE WHEN $5 = '' THEN email ELSE $5 END
			WHERE identity_key = $1
			RETURNING identity_key, plan, updated_at, email, user_id, source`,
		req.EmailKey, req.UserKey, req.UserID, req.UpdatedAt.UTC(), req.Email))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return s.resolveAfterRace(ctx, req.UserKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to migrate entitlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &goplan.ClaimResult{Outcome: goplan.ClaimMerged, Entitlement: merged}, nil
}

func (s *Storage) resolveAfterRace(ctx context.Context, userKey string) (*goplan.ClaimResult, error) {
	ent, err := s.GetEntitlement(ctx, userKey)
	if errors.Is(err, goplan.ErrEntitlementNotFound) {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return &goplan.ClaimResult{Outcome: goplan.ClaimAlreadyLinked, Entitlement: ent}, nil
}
