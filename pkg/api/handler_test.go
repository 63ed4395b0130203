package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goplan/pkg/goplan"
	"github.com/mihaimyh/goplan/storage/memory"
)

const (
	testSubject = "auth0|user-1"
	testEmail   = "buyer@example.com"
)

func newTestHandler(t *testing.T, store goplan.EntitlementStore) *Handler {
	t.Helper()
	resolver, err := goplan.NewResolver(store, nil)
	require.NoError(t, err)

	h, err := NewHandler(Config{
		Resolver:    resolver,
		GetIdentity: FromHeaders("", ""),
	})
	require.NoError(t, err)
	return h
}

func grantPro(t *testing.T, store goplan.EntitlementStore, email string) {
	t.Helper()
	_, err := store.UpsertPlan(context.Background(), &goplan.UpsertRequest{
		IdentityKey: goplan.EmailKey(email),
		Plan:        goplan.PlanPro,
		Email:       email,
		Source:      "polar",
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func request(method, path, body, subject, email string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if subject != "" {
		req.Header.Set(goplan.DefaultSubjectHeader, subject)
	}
	if email != "" {
		req.Header.Set(goplan.DefaultEmailHeader, email)
	}
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewHandler_Validation(t *testing.T) {
	resolver, err := goplan.NewResolver(memory.New(), nil)
	require.NoError(t, err)

	_, err = NewHandler(Config{GetIdentity: FromHeaders("", "")})
	assert.Error(t, err)

	_, err = NewHandler(Config{Resolver: resolver})
	assert.Error(t, err)
}

func TestGetPlan(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		setup    func(t *testing.T, store *memory.Storage, h *Handler)
		wantPlan goplan.Plan
	}{
		{
			name:     "anonymous",
			wantPlan: goplan.PlanFree,
		},
		{
			name:     "unknown user",
			subject:  testSubject,
			wantPlan: goplan.PlanFree,
		},
		{
			name:    "purchase not yet linked",
			subject: testSubject,
			setup: func(t *testing.T, store *memory.Storage, _ *Handler) {
				grantPro(t, store, testEmail)
			},
			wantPlan: goplan.PlanFree,
		},
		{
			name:    "linked purchase",
			subject: testSubject,
			setup: func(t *testing.T, store *memory.Storage, h *Handler) {
				grantPro(t, store, testEmail)
				rec := httptest.NewRecorder()
				h.SyncPlan(rec, request(http.MethodPost, "/plan/sync", "", testSubject, testEmail))
				require.Equal(t, http.StatusOK, rec.Code)
			},
			wantPlan: goplan.PlanPro,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			h := newTestHandler(t, store)
			if tt.setup != nil {
				tt.setup(t, store, h)
			}

			rec := httptest.NewRecorder()
			h.GetPlan(rec, request(http.MethodGet, "/plan", "", tt.subject, ""))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			status := decode[goplan.PlanStatus](t, rec)
			assert.Equal(t, tt.wantPlan, status.Plan)
		})
	}
}

func TestGetPlan_FreeResponseShape(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := httptest.NewRecorder()
	h.GetPlan(rec, request(http.MethodGet, "/plan", "", "", ""))

	assert.JSONEq(t, `{"plan":"free"}`, rec.Body.String())
}

func TestGetPlan_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := httptest.NewRecorder()
	h.GetPlan(rec, request(http.MethodPost, "/plan", "", testSubject, ""))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

type failingStore struct{ goplan.EntitlementStore }

func (failingStore) GetEntitlement(context.Context, string) (*goplan.PlanEntitlement, error) {
	return nil, goplan.ErrStorageUnavailable
}

func (failingStore) ClaimEntitlement(context.Context, *goplan.ClaimRequest) (*goplan.ClaimResult, error) {
	return nil, goplan.ErrStorageUnavailable
}

func TestGetPlan_StorageFailureReportsFree(t *testing.T) {
	h := newTestHandler(t, failingStore{})

	rec := httptest.NewRecorder()
	h.GetPlan(rec, request(http.MethodGet, "/plan", "", testSubject, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, goplan.PlanFree, decode[goplan.PlanStatus](t, rec).Plan)
}

func TestSyncPlan(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		headerEmail string
		wantOutcome string
		wantPlan    goplan.Plan
	}{
		{"email from header", "", testEmail, "merged", goplan.PlanPro},
		{"email from body", `{"email":"BUYER@example.com"}`, "", "merged", goplan.PlanPro},
		{"body overrides header", `{"email":"buyer@example.com"}`, "other@example.com", "merged", goplan.PlanPro},
		{"no matching purchase", "", "other@example.com", "not_found", goplan.PlanFree},
		{"no email at all", `{}`, "", "not_found", goplan.PlanFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			grantPro(t, store, testEmail)
			h := newTestHandler(t, store)

			rec := httptest.NewRecorder()
			h.SyncPlan(rec, request(http.MethodPost, "/plan/sync", tt.body, testSubject, tt.headerEmail))

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[SyncResponse](t, rec)
			assert.Equal(t, tt.wantOutcome, resp.Outcome)
			require.NotNil(t, resp.PlanStatus)
			assert.Equal(t, tt.wantPlan, resp.Plan)
			assert.Equal(t, "user:"+testSubject, resp.Identity)
		})
	}
}

func TestSyncPlan_IsIdempotent(t *testing.T) {
	store := memory.New()
	grantPro(t, store, testEmail)
	h := newTestHandler(t, store)

	outcomes := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.SyncPlan(rec, request(http.MethodPost, "/plan/sync", "", testSubject, testEmail))
		require.Equal(t, http.StatusOK, rec.Code)
		outcomes = append(outcomes, decode[SyncResponse](t, rec).Outcome)
	}
	assert.Equal(t, []string{"merged", "already_linked"}, outcomes)

	_, ents := store.Len()
	assert.Equal(t, 1, ents)
	_, err := store.GetEntitlement(context.Background(), goplan.EmailKey(testEmail))
	assert.ErrorIs(t, err, goplan.ErrEntitlementNotFound)
}

func TestSyncPlan_Errors(t *testing.T) {
	tests := []struct {
		name       string
		store      goplan.EntitlementStore
		method     string
		subject    string
		body       string
		wantStatus int
	}{
		{"no identity", memory.New(), http.MethodPost, "", "", http.StatusUnauthorized},
		{"blank identity", memory.New(), http.MethodPost, "   ", "", http.StatusUnauthorized},
		{"wrong method", memory.New(), http.MethodGet, testSubject, "", http.StatusMethodNotAllowed},
		{"malformed body", memory.New(), http.MethodPost, testSubject, `{"email":`, http.StatusBadRequest},
		{"oversize body", memory.New(), http.MethodPost, testSubject, `{"email":"` + strings.Repeat("a", 8*1024) + `"}`, http.StatusBadRequest},
		{"storage failure", failingStore{}, http.MethodPost, testSubject, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.store)

			rec := httptest.NewRecorder()
			h.SyncPlan(rec, request(tt.method, "/plan/sync", tt.body, tt.subject, testEmail))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestSyncPlan_CustomErrorHandler(t *testing.T) {
	resolver, err := goplan.NewResolver(memory.New(), nil)
	require.NoError(t, err)

	var got error
	h, err := NewHandler(Config{
		Resolver:    resolver,
		GetIdentity: FromHeaders("", ""),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.SyncPlan(rec, request(http.MethodPost, "/plan/sync", "", "", ""))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, errors.Is(got, ErrUnauthenticated))
}

func TestIdentityExtractors(t *testing.T) {
	t.Run("custom headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", " u1 ")
		req.Header.Set("X-Mail", "a@x.com")

		id := FromHeaders("X-User", "X-Mail")(req)
		require.NotNil(t, id)
		assert.Equal(t, "u1", id.Subject)
		assert.Equal(t, "a@x.com", id.Email)
	})

	t.Run("context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Nil(t, FromContext()(req))

		ctx := WithIdentity(req.Context(), &goplan.Identity{Subject: "u2"})
		id := FromContext()(req.WithContext(ctx))
		require.NotNil(t, id)
		assert.Equal(t, "u2", id.Subject)

		blank := WithIdentity(req.Context(), &goplan.Identity{Subject: " "})
		assert.Nil(t, FromContext()(req.WithContext(blank)))
	})
}
