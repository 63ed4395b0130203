package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goplan/pkg/goplan"
	"github.com/mihaimyh/goplan/storage/memory"
)

// Test helper to create a resolver with pro subjects
func setupResolver(t *testing.T, proSubjects ...string) *goplan.Resolver {
	t.Helper()

	store := memory.New()
	for _, subject := range proSubjects {
		_, err := store.UpsertPlan(context.Background(), &goplan.UpsertRequest{
			IdentityKey: goplan.UserKey(subject),
			Plan:        goplan.PlanPro,
			Source:      "polar",
			UpdatedAt:   time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Failed to seed entitlement: %v", err)
		}
	}

	resolver, err := goplan.NewResolver(store, nil)
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}
	return resolver
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/reports", func(c echo.Context) error {
		status, ok := PlanStatus(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "missing status")
		}
		return c.String(http.StatusOK, string(status.Plan))
	})
	return e
}

func TestMiddleware_Gate(t *testing.T) {
	tests := []struct {
		name       string
		subject    string
		required   goplan.Plan
		wantStatus int
	}{
		{"pro user", "user1", "", http.StatusOK},
		{"free user", "user2", "", http.StatusForbidden},
		{"free user on free gate", "user2", goplan.PlanFree, http.StatusOK},
		{"anonymous", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupEcho(Config{
				Resolver:     setupResolver(t, "user1"),
				GetIdentity:  FromHeaders("", ""),
				RequiredPlan: tt.required,
			})

			req := httptest.NewRequest(http.MethodGet, "/reports", http.NoBody)
			if tt.subject != "" {
				req.Header.Set("X-Auth-Subject", tt.subject)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.Use(Middleware(Config{Resolver: setupResolver(t, "user1"), GetIdentity: FromContext("UserID")}))
	e.GET("/reports", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", http.NoBody))

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("X-Plan") != "pro" {
		t.Errorf("Expected X-Plan pro, got %q", rec.Header().Get("X-Plan"))
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := setupEcho(Config{
		Resolver:    setupResolver(t),
		GetIdentity: FromHeaders("X-User", ""),
		OnPlanRequired: func(c echo.Context, status *goplan.PlanStatus) error {
			return c.String(http.StatusPaymentRequired, string(status.Plan))
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusTeapot, "who")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/reports", http.NoBody)
	req.Header.Set("X-User", "user2")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired || rec.Body.String() != "free" {
		t.Errorf("Expected 402 free, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", http.NoBody))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsWithoutIdentityExtractor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetIdentity")
		}
	}()
	Middleware(Config{Resolver: setupResolver(t)})
}
