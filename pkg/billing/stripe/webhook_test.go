package stripe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goplan/pkg/billing"
	"github.com/mihaimyh/goplan/pkg/goplan"
	"github.com/mihaimyh/goplan/storage/memory"
)

const (
	testSecret  = "whsec_test_123"
	testProduct = "prod_pro"
)

type fakeLookup struct {
	emails   map[string]string
	products map[string]string
	err      error
	calls    int
}

func (f *fakeLookup) CustomerEmail(_ context.Context, id string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.emails[id], nil
}

func (f *fakeLookup) SubscriptionProduct(_ context.Context, id string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.products[id], nil
}

func newTestProvider(t *testing.T, mutate func(*Config)) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	resolver, err := goplan.NewResolver(store, &goplan.Config{Source: providerName})
	require.NoError(t, err)

	cfg := Config{Config: billing.Config{
		Events:          store,
		Resolver:        resolver,
		TargetProductID: testProduct,
		WebhookSecret:   testSecret,
		RateLimit:       -1,
	}}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	return p, store
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set(SignatureHeader, signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(p *Provider, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func planOf(t *testing.T, store *memory.Storage, email string) *goplan.PlanEntitlement {
	t.Helper()
	ent, err := store.GetEntitlement(context.Background(), goplan.EmailKey(email))
	if errors.Is(err, goplan.ErrEntitlementNotFound) {
		return nil
	}
	require.NoError(t, err)
	return ent
}

const checkoutEvent = `{
  "id": "evt_checkout_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_1",
    "object": "checkout.session",
    "customer": "cus_1",
    "customer_details": {"email": "Buyer@Example.com"},
    "metadata": {"product_id": "prod_pro"}
  }}
}`

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, _ := newTestProvider(t, nil)
	assert.Equal(t, "stripe", p.Name())
	assert.IsType(t, disabledLookup{}, p.lookup)

	withKey, _ := newTestProvider(t, func(c *Config) { c.APIKey = "sk_test_123" })
	assert.IsType(t, &apiLookup{}, withKey.lookup)
}

func TestWebhook_CheckoutGrantsPro(t *testing.T) {
	p, store := newTestProvider(t, nil)

	rec := serve(p, signedRequest(t, testSecret, checkoutEvent))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	ent := planOf(t, store, "buyer@example.com")
	require.NotNil(t, ent)
	assert.Equal(t, goplan.PlanPro, ent.Plan)
	assert.Equal(t, "stripe", ent.Source)

	ev, err := store.GetEvent(context.Background(), "evt_checkout_1")
	require.NoError(t, err)
	assert.Equal(t, goplan.EventOrderCompleted, ev.EventType)
	assert.Equal(t, "stripe", ev.Provider)
	assert.Equal(t, "cus_1", ev.CustomerID)
}

func TestWebhook_DuplicateCheckout(t *testing.T) {
	p, store := newTestProvider(t, nil)

	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, checkoutEvent)).Code)
	first := planOf(t, store, "buyer@example.com")
	require.NotNil(t, first)

	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, checkoutEvent)).Code)
	second := planOf(t, store, "buyer@example.com")
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	events, ents := store.Len()
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, ents)
}

func TestWebhook_RevocationEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name: "refunded charge",
			payload: `{"id":"evt_r","type":"charge.refunded","data":{"object":{
				"id":"ch_1","billing_details":{"email":"buyer@example.com"}}}}`,
		},
		{
			name: "refunded charge with receipt email",
			payload: `{"id":"evt_r","type":"charge.refunded","data":{"object":{
				"id":"ch_1","receipt_email":"buyer@example.com"}}}`,
		},
		{
			name: "deleted subscription with expanded customer",
			payload: `{"id":"evt_d","type":"customer.subscription.deleted","data":{"object":{
				"id":"sub_1","customer":{"id":"cus_1","email":"buyer@example.com"},
				"items":{"data":[{"price":{"id":"price_1","product":"prod_pro"}}]}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store := newTestProvider(t, nil)
			require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, checkoutEvent)).Code)

			rec := serve(p, signedRequest(t, testSecret, tt.payload))
			require.Equal(t, http.StatusOK, rec.Code)

			ent := planOf(t, store, "buyer@example.com")
			require.NotNil(t, ent)
			assert.Equal(t, goplan.PlanFree, ent.Plan)
		})
	}
}

func TestWebhook_LookupFillsMissingFacts(t *testing.T) {
	p, store := newTestProvider(t, nil)
	fake := &fakeLookup{
		emails:   map[string]string{"cus_9": "late@example.com"},
		products: map[string]string{"sub_9": testProduct},
	}
	p.lookup = fake

	payload := `{"id":"evt_l","type":"checkout.session.completed","data":{"object":{
		"id":"cs_9","customer":"cus_9","subscription":"sub_9"}}}`
	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, payload)).Code)

	ent := planOf(t, store, "late@example.com")
	require.NotNil(t, ent)
	assert.Equal(t, goplan.PlanPro, ent.Plan)
	assert.Equal(t, 2, fake.calls)
}

func TestWebhook_LookupFailureStillAcknowledges(t *testing.T) {
	p, store := newTestProvider(t, nil)
	p.lookup = &fakeLookup{err: billing.ErrEnrichmentUnavailable}

	payload := `{"id":"evt_l","type":"checkout.session.completed","data":{"object":{"id":"cs_9","customer":"cus_9"}}}`
	rec := serve(p, signedRequest(t, testSecret, payload))
	assert.Equal(t, http.StatusOK, rec.Code)

	events, ents := store.Len()
	assert.Equal(t, 1, events)
	assert.Zero(t, ents)
}

func TestWebhook_UnhandledTypeIsStoredOnly(t *testing.T) {
	p, store := newTestProvider(t, nil)
	fake := &fakeLookup{}
	p.lookup = fake

	payload := `{"id":"evt_u","type":"invoice.paid","data":{"object":{"id":"in_1","customer":"cus_1"}}}`
	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, payload)).Code)

	ev, err := store.GetEvent(context.Background(), "evt_u")
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", ev.EventType)
	assert.Zero(t, fake.calls)
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		req        func(t *testing.T) *http.Request
		wantStatus int
	}{
		{
			name:   "wrong method",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil)
			},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:   "secret missing",
			secret: "",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, checkoutEvent)
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:   "blank secret",
			secret: " \n",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, " \n", checkoutEvent)
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:   "signed with trimmed secret",
			secret: " " + testSecret,
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, checkoutEvent)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:   "unsigned",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader([]byte(checkoutEvent)))
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:   "signed with another secret",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, "whsec_other", checkoutEvent)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:   "signed garbage",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, `not-json`)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "missing event id",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, `{"type":"charge.refunded","data":{"object":{}}}`)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "malformed object",
			secret: testSecret,
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, `{"id":"evt_x","type":"charge.refunded","data":{"object":{"customer":42}}}`)
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store := newTestProvider(t, func(c *Config) { c.WebhookSecret = tt.secret })

			rec := serve(p, tt.req(t))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusMethodNotAllowed {
				assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
			}

			events, _ := store.Len()
			assert.Zero(t, events)
		})
	}
}

func TestWebhook_PlanChangeCallback(t *testing.T) {
	var got []billing.PlanChangeEvent
	p, _ := newTestProvider(t, func(c *Config) {
		c.OnPlanChange = func(_ context.Context, ev billing.PlanChangeEvent) error {
			got = append(got, ev)
			return nil
		}
	})

	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, checkoutEvent)).Code)
	require.Equal(t, http.StatusOK, serve(p, signedRequest(t, testSecret, checkoutEvent)).Code)

	require.Len(t, got, 1)
	assert.Equal(t, "stripe", got[0].Provider)
	assert.Equal(t, "pro", got[0].NewPlan)
	assert.Equal(t, "email:buyer@example.com", got[0].IdentityKey)
	assert.Equal(t, "cs_1", got[0].Metadata["order_id"])
}
