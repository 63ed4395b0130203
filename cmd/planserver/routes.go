package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goplan/internal/config"
	"github.com/mihaimyh/goplan/pkg/api"
	"github.com/mihaimyh/goplan/pkg/billing"
	billingprom "github.com/mihaimyh/goplan/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goplan/pkg/billing/polar"
	"github.com/mihaimyh/goplan/pkg/billing/stripe"
	"github.com/mihaimyh/goplan/pkg/goplan"
	zerologadapter "github.com/mihaimyh/goplan/pkg/goplan/logger/zerolog"
	goplanprom "github.com/mihaimyh/goplan/pkg/goplan/metrics/prometheus"
)

const healthCheckTimeout = 2 * time.Second

// deps are the collaborators the router is assembled from.
type deps struct {
	cfg      *config.Config
	store    *backend
	logger   zerolog.Logger
	registry *prometheus.Registry
}

// newRouter wires the resolver and the billing providers onto one store and
// mounts every HTTP endpoint.
func newRouter(d deps) (http.Handler, error) {
	lg := zerologadapter.NewLogger(&d.logger)

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	planMetrics := goplanprom.NewMetrics(d.registry, d.cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(d.registry, d.cfg.MetricsNamespace)

	resolverConfig := &goplan.Config{
		Metrics: planMetrics,
		Logger:  lg,
	}
	if d.cfg.CacheTTL > 0 {
		resolverConfig.CacheConfig = &goplan.CacheConfig{Enabled: true, TTL: d.cfg.CacheTTL}
	}
	resolver, err := goplan.NewResolver(d.store, resolverConfig)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	base := billing.Config{
		Events:            d.store,
		Resolver:          resolver,
		EnrichmentTimeout: d.cfg.Polar.EnrichmentTimeout,
		Metrics:           billingMetrics,
		PlanMetrics:       planMetrics,
		Logger:            lg,
		OnPlanChange:      logPlanChange(d.logger),
	}

	polarConfig := base
	polarConfig.TargetProductID = d.cfg.Polar.ProductID
	polarConfig.WebhookSecret = d.cfg.Polar.WebhookSecret
	polarConfig.APIKey = d.cfg.Polar.APIKey
	polarProvider, err := polar.NewProvider(polar.Config{
		Config:     polarConfig,
		APIBaseURL: d.cfg.Polar.APIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create polar provider: %w", err)
	}

	planAPI, err := api.NewHandler(api.Config{
		Resolver:    resolver,
		GetIdentity: api.FromHeaders(d.cfg.SubjectHeader, d.cfg.EmailHeader),
		Logger:      lg,
	})
	if err != nil {
		return nil, fmt.Errorf("create plan api: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(d.logger))
	r.Use(middleware.Recoverer)

	// Providers and the plan API answer wrong methods themselves.
	r.Handle("/webhook", polarProvider.WebhookHandler())
	if d.cfg.Stripe.Enabled() {
		stripeConfig := base
		stripeConfig.TargetProductID = d.cfg.Stripe.ProductID
		stripeConfig.WebhookSecret = d.cfg.Stripe.WebhookSecret
		stripeConfig.APIKey = d.cfg.Stripe.APIKey
		stripeProvider, err := stripe.NewProvider(stripe.Config{Config: stripeConfig})
		if err != nil {
			return nil, fmt.Errorf("create stripe provider: %w", err)
		}
		r.Handle("/webhook/stripe", stripeProvider.WebhookHandler())
	}
	r.HandleFunc("/plan", planAPI.GetPlan)
	r.HandleFunc("/plan/sync", planAPI.SyncPlan)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthHandler(d.cfg.Storage, d.store.ping))

	return r, nil
}

func logPlanChange(logger zerolog.Logger) billing.PlanChangeCallback {
	return func(_ context.Context, event billing.PlanChangeEvent) error {
		logger.Info().
			Str("provider", event.Provider).
			Str("identity_key", event.IdentityKey).
			Str("from", event.PreviousPlan).
			Str("to", event.NewPlan).
			Str("event_id", event.EventID).
			Msg("Plan changed")
		return nil
	}
}

func healthHandler(storage string, ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				status, code = "unavailable", http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"storage": storage,
		})
	}
}

// requestLogger writes one access log line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Warn()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
