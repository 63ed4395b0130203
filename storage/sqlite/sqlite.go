// Package sqlite provides a single-file SQLite implementation of the
// goplan.Storage interface, suited to single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements goplan.Storage on a SQLite database. All access goes
// through one connection, so each transaction is serialized.
type Storage struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Storage, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Storage{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events
			(event_id, event_type, provider, payload, product_id, customer_id, customer_email, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Provider, payload,
		ev.ProductID, ev.CustomerID, ev.CustomerEmail, toMillis(ev.ReceivedAt))
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return goplan.RecordInserted, fmt.Errorf("record event: %w", err)
	}
	if n == 0 {
		return goplan.RecordDuplicate, nil
	}
	return goplan.RecordInserted, nil
}

// GetEvent implements goplan.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*goplan.WebhookEvent, error) {
	var ev goplan.WebhookEvent
	var payload []byte
	var receivedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, provider, payload, product_id, customer_id, customer_email, received_at
			FROM webhook_events WHERE event_id = ?`, eventID).Scan(
		&ev.EventID, &ev.EventType, &ev.Provider, &payload,
		&ev.ProductID, &ev.CustomerID, &ev.CustomerEmail, &receivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goplan.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.Payload = payload
	ev.ReceivedAt = fromMillis(receivedAt)
	return &ev, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntitlement(ctx context.Context, q querier, identityKey string) (*goplan.PlanEntitlement, error) {
	var ent goplan.PlanEntitlement
	var plan string
	var updatedAt int64

	err := q.QueryRowContext(ctx,
		`SELECT identity_key, plan, updated_at, email, user_id, source
			FROM plan_entitlements WHERE identity_key = ?`, identityKey).Scan(
		&ent.IdentityKey, &plan, &updatedAt, &ent.Email, &ent.UserID, &ent.Source,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goplan.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	ent.Plan = goplan.Plan(plan)
	ent.UpdatedAt = fromMillis(updatedAt)
	return &ent, nil
}

// GetEntitlement implements goplan.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, identityKey string) (*goplan.PlanEntitlement, error) {
	return getEntitlement(ctx, s.db, identityKey)
}

// UpsertPlan implements goplan.EntitlementStore
func (s *Storage) UpsertPlan(ctx context.Context, req *goplan.UpsertRequest) (*goplan.UpsertResult, error) {
	if err := goplan.ValidateUpsert(req); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	previous, err := getEntitlement(ctx, tx, req.IdentityKey)
	if errors.Is(err, goplan.ErrEntitlementNotFound) {
		current := &goplan.PlanEntitlement{
			IdentityKey: req.IdentityKey,
			Plan:        req.Plan,
			UpdatedAt:   fromMillis(toMillis(req.UpdatedAt)),
			Email:       req.Email,
			Source:      req.Source,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_entitlements (identity_key, plan, updated_at, email, source)
				VALUES (?, ?, ?, ?, ?)`,
			current.IdentityKey, string(current.Plan), toMillis(req.UpdatedAt), current.Email, current.Source,
		); err != nil {
			return nil, fmt.Errorf("insert entitlement: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &goplan.UpsertResult{Current: current, Changed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if previous.Plan == req.Plan && previous.Source == req.Source {
		return &goplan.UpsertResult{Previous: previous, Current: previous.Clone()}, nil
	}

	current := previous.Clone()
	current.Plan = req.Plan
	current.Source = req.Source
	current.UpdatedAt = fromMillis(toMillis(req.UpdatedAt))
	if req.Email != "" {
		current.Email = req.Email
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plan_entitlements SET plan = ?, source = ?, updated_at = ?, email = ?
			WHERE identity_key = ?`,
		string(current.Plan), current.Source, toMillis(req.UpdatedAt), current.Email, current.IdentityKey,
	); err != nil {
		return nil, fmt.Errorf("update entitlement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &goplan.UpsertResult{Previous: previous, Current: current, Changed: true}, nil
}

// ClaimEntitlement implements goplan.EntitlementStore
func (s *Storage) ClaimEntitlement(ctx context.Context, req *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	if err := goplan.ValidateClaim(req); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	linked, err := getEntitlement(ctx, tx, req.UserKey)
	if err == nil {
		return &goplan.ClaimResult{Outcome: goplan.ClaimAlreadyLinked, Entitlement: linked}, nil
	}
	if !errors.Is(err, goplan.ErrEntitlementNotFound) {
		return nil, err
	}
	if req.EmailKey == "" {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}

	ent, err := getEntitlement(ctx, tx, req.EmailKey)
	if errors.Is(err, goplan.ErrEntitlementNotFound) {
		return &goplan.ClaimResult{Outcome: goplan.ClaimNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	ent.IdentityKey = req.UserKey
	ent.UserID = req.UserID
	if req.Email != "" {
		ent.Email = req.Email
	}
	ent.UpdatedAt = fromMillis(toMillis(req.UpdatedAt))

	if _, err := tx.ExecContext(ctx,
		`UPDATE plan_entitlements SET identity_key = ?, user_id = ?, email = ?, updated_at = ?
			WHERE identity_key = ?`,
		ent.IdentityKey, ent.UserID, ent.Email, toMillis(req.UpdatedAt), req.EmailKey,
	); err != nil {
		return nil, fmt.Errorf("migrate entitlement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &goplan.ClaimResult{Outcome: goplan.ClaimMerged, Entitlement: ent}, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
