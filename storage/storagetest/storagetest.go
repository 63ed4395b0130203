// Package storagetest holds the behavioural test suite shared by all
// goplan.Storage backends.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Factory returns a ready storage for one subtest.
type Factory func(t *testing.T) goplan.Storage

// Run executes the suite against the storage returned by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("RecordEvent/FirstWriteWins", func(t *testing.T) { testFirstWriteWins(t, newStorage(t)) })
	t.Run("RecordEvent/Invalid", func(t *testing.T) { testRecordInvalid(t, newStorage(t)) })
	t.Run("RecordEvent/ConcurrentDuplicates", func(t *testing.T) { testConcurrentDuplicates(t, newStorage(t)) })
	t.Run("GetEvent/NotFound", func(t *testing.T) { testGetEventNotFound(t, newStorage(t)) })
	t.Run("UpsertPlan/CreateAndPatch", func(t *testing.T) { testUpsertCreateAndPatch(t, newStorage(t)) })
	t.Run("UpsertPlan/Idempotent", func(t *testing.T) { testUpsertIdempotent(t, newStorage(t)) })
	t.Run("UpsertPlan/InvalidPlan", func(t *testing.T) { testUpsertInvalid(t, newStorage(t)) })
	t.Run("UpsertPlan/Concurrent", func(t *testing.T) { testUpsertConcurrent(t, newStorage(t)) })
	t.Run("ClaimEntitlement/NotFound", func(t *testing.T) { testClaimNotFound(t, newStorage(t)) })
	t.Run("ClaimEntitlement/Merge", func(t *testing.T) { testClaimMerge(t, newStorage(t)) })
	t.Run("ClaimEntitlement/UserRecordWins", func(t *testing.T) { testClaimUserRecordWins(t, newStorage(t)) })
	t.Run("ClaimEntitlement/Concurrent", func(t *testing.T) { testClaimConcurrent(t, newStorage(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func uniqueEmail() string {
	return "buyer-" + uuid.NewString() + "@example.com"
}

func testFirstWriteWins(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	id := "evt_" + uuid.NewString()
	first := now()

	outcome, err := s.RecordEvent(ctx, &goplan.WebhookEvent{
		EventID:       id,
		EventType:     goplan.EventOrderCompleted,
		Provider:      "polar",
		Payload:       json.RawMessage(`{"type":"order.completed","n":1}`),
		ProductID:     "prod_1",
		CustomerEmail: "a@example.com",
		ReceivedAt:    first,
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.RecordInserted, outcome)

	outcome, err = s.RecordEvent(ctx, &goplan.WebhookEvent{
		EventID:    id,
		EventType:  goplan.EventOrderRefunded,
		Payload:    json.RawMessage(`{"type":"order.refunded","n":2}`),
		ReceivedAt: first.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.RecordDuplicate, outcome)

	stored, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, goplan.EventOrderCompleted, stored.EventType)
	assert.JSONEq(t, `{"type":"order.completed","n":1}`, string(stored.Payload))
	assert.Equal(t, "prod_1", stored.ProductID)
	assert.Equal(t, "a@example.com", stored.CustomerEmail)
	assert.Equal(t, "polar", stored.Provider)
	assert.True(t, first.Equal(stored.ReceivedAt), "received %v, stored %v", first, stored.ReceivedAt)
}

func testRecordInvalid(t *testing.T, s goplan.Storage) {
	_, err := s.RecordEvent(context.Background(), &goplan.WebhookEvent{EventType: "order.completed"})
	assert.ErrorIs(t, err, goplan.ErrInvalidEvent)
}

func testConcurrentDuplicates(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	id := "evt_" + uuid.NewString()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.RecordEvent(ctx, &goplan.WebhookEvent{
				EventID:    id,
				EventType:  goplan.EventOrderCompleted,
				Payload:    json.RawMessage(`{}`),
				ReceivedAt: now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if outcome == goplan.RecordInserted {
				inserted++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, inserted, "exactly one delivery must insert")
}

func testGetEventNotFound(t *testing.T, s goplan.Storage) {
	_, err := s.GetEvent(context.Background(), "evt_missing_"+uuid.NewString())
	assert.ErrorIs(t, err, goplan.ErrEventNotFound)
}

func testUpsertCreateAndPatch(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	email := uniqueEmail()
	key := goplan.EmailKey(email)
	created := now()

	res, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: key,
		Plan:        goplan.PlanPro,
		Email:       email,
		Source:      "polar",
		UpdatedAt:   created,
	})
	require.NoError(t, err)
	assert.True(t, res.Created())
	assert.True(t, res.Changed)
	assert.Equal(t, goplan.PlanPro, res.Current.Plan)

	ent, err := s.GetEntitlement(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, ent.IdentityKey)
	assert.Equal(t, goplan.PlanPro, ent.Plan)
	assert.Equal(t, email, ent.Email)
	assert.Equal(t, "polar", ent.Source)
	assert.True(t, created.Equal(ent.UpdatedAt))

	patched := created.Add(time.Hour)
	res, err = s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: key,
		Plan:        goplan.PlanFree,
		Source:      "polar",
		UpdatedAt:   patched,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, goplan.PlanPro, res.Previous.Plan)
	assert.True(t, res.Changed)

	ent, err = s.GetEntitlement(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, goplan.PlanFree, ent.Plan)
	assert.Equal(t, email, ent.Email, "email kept when the patch omits it")
	assert.True(t, patched.Equal(ent.UpdatedAt))
}

func testUpsertIdempotent(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	key := goplan.EmailKey(uniqueEmail())
	first := now()

	_, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: key, Plan: goplan.PlanPro, Source: "polar", UpdatedAt: first,
	})
	require.NoError(t, err)

	res, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: key, Plan: goplan.PlanPro, Source: "polar", UpdatedAt: first.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Created())

	ent, err := s.GetEntitlement(ctx, key)
	require.NoError(t, err)
	assert.True(t, first.Equal(ent.UpdatedAt), "replayed upsert must not touch the record")
}

func testUpsertInvalid(t *testing.T, s goplan.Storage) {
	_, err := s.UpsertPlan(context.Background(), &goplan.UpsertRequest{
		IdentityKey: goplan.EmailKey(uniqueEmail()), Plan: "gold", UpdatedAt: now(),
	})
	assert.ErrorIs(t, err, goplan.ErrInvalidPlan)

	_, err = s.UpsertPlan(context.Background(), &goplan.UpsertRequest{Plan: goplan.PlanPro})
	assert.ErrorIs(t, err, goplan.ErrInvalidIdentityKey)
}

func testUpsertConcurrent(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	key := goplan.EmailKey(uniqueEmail())

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		plan := goplan.PlanPro
		if i%2 == 1 {
			plan = goplan.PlanFree
		}
		wg.Add(1)
		go func(plan goplan.Plan) {
			defer wg.Done()
			res, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
				IdentityKey: key, Plan: plan, Source: "polar", UpdatedAt: now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Created() {
				created++
			}
		}(plan)
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created, "exactly one upsert may create the record")

	ent, err := s.GetEntitlement(ctx, key)
	require.NoError(t, err)
	assert.True(t, ent.Plan.Valid())
}

func testClaimNotFound(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	subject := "user_" + uuid.NewString()
	email := uniqueEmail()

	res, err := s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
		UserKey:   goplan.UserKey(subject),
		EmailKey:  goplan.EmailKey(email),
		UserID:    subject,
		Email:     email,
		UpdatedAt: now(),
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.ClaimNotFound, res.Outcome)
	assert.Equal(t, goplan.PlanFree, res.Plan())

	_, err = s.GetEntitlement(ctx, goplan.UserKey(subject))
	assert.ErrorIs(t, err, goplan.ErrEntitlementNotFound, "claim must not create records")

	res, err = s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
		UserKey: goplan.UserKey(subject), UserID: subject, UpdatedAt: now(),
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.ClaimNotFound, res.Outcome)
}

func testClaimMerge(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	subject := "user_" + uuid.NewString()
	email := uniqueEmail()
	emailKey := goplan.EmailKey(email)
	userKey := goplan.UserKey(subject)

	_, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: emailKey, Plan: goplan.PlanPro, Email: email, Source: "polar", UpdatedAt: now(),
	})
	require.NoError(t, err)

	merged := now().Add(time.Second)
	res, err := s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
		UserKey: userKey, EmailKey: emailKey, UserID: subject, Email: email, UpdatedAt: merged,
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.ClaimMerged, res.Outcome)
	require.NotNil(t, res.Entitlement)
	assert.Equal(t, goplan.PlanPro, res.Plan())

	ent, err := s.GetEntitlement(ctx, userKey)
	require.NoError(t, err)
	assert.Equal(t, userKey, ent.IdentityKey)
	assert.Equal(t, goplan.PlanPro, ent.Plan)
	assert.Equal(t, subject, ent.UserID)
	assert.Equal(t, email, ent.Email)
	assert.Equal(t, "polar", ent.Source)
	assert.True(t, merged.Equal(ent.UpdatedAt))

	_, err = s.GetEntitlement(ctx, emailKey)
	assert.ErrorIs(t, err, goplan.ErrEntitlementNotFound, "email key must be gone after merge")

	again, err := s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
		UserKey: userKey, EmailKey: emailKey, UserID: subject, Email: email, UpdatedAt: merged.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.ClaimAlreadyLinked, again.Outcome)
	assert.Equal(t, goplan.PlanPro, again.Plan())

	ent, err = s.GetEntitlement(ctx, userKey)
	require.NoError(t, err)
	assert.True(t, merged.Equal(ent.UpdatedAt), "second sync must not write")
}

func testClaimUserRecordWins(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	subject := "user_" + uuid.NewString()
	email := uniqueEmail()
	emailKey := goplan.EmailKey(email)
	userKey := goplan.UserKey(subject)

	_, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: userKey, Plan: goplan.PlanFree, Source: "polar", UpdatedAt: now(),
	})
	require.NoError(t, err)
	_, err = s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: emailKey, Plan: goplan.PlanPro, Email: email, Source: "polar", UpdatedAt: now(),
	})
	require.NoError(t, err)

	res, err := s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
		UserKey: userKey, EmailKey: emailKey, UserID: subject, Email: email, UpdatedAt: now(),
	})
	require.NoError(t, err)
	assert.Equal(t, goplan.ClaimAlreadyLinked, res.Outcome)
	assert.Equal(t, goplan.PlanFree, res.Plan())

	ent, err := s.GetEntitlement(ctx, emailKey)
	require.NoError(t, err)
	assert.Equal(t, goplan.PlanPro, ent.Plan, "email record is left alone when the user record exists")
}

func testClaimConcurrent(t *testing.T, s goplan.Storage) {
	ctx := context.Background()
	subject := "user_" + uuid.NewString()
	email := uniqueEmail()
	emailKey := goplan.EmailKey(email)
	userKey := goplan.UserKey(subject)

	_, err := s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: emailKey, Plan: goplan.PlanPro, Email: email, Source: "polar", UpdatedAt: now(),
	})
	require.NoError(t, err)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		merged int
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ClaimEntitlement(ctx, &goplan.ClaimRequest{
				UserKey: userKey, EmailKey: emailKey, UserID: subject, Email: email, UpdatedAt: now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			switch res.Outcome {
			case goplan.ClaimMerged:
				merged++
			case goplan.ClaimAlreadyLinked:
			default:
				errs = append(errs, errors.New("unexpected outcome "+res.Outcome.String()))
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, merged, "exactly one concurrent sync may merge")

	ent, err := s.GetEntitlement(ctx, userKey)
	require.NoError(t, err)
	assert.Equal(t, goplan.PlanPro, ent.Plan)
}
