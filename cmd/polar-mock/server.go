package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Order ids with these prefixes produce failures instead of fixtures.
const (
	failPrefix     = "fail_"
	throttlePrefix = "throttle_"
)

type mockServer struct {
	orders  map[string]json.RawMessage
	apiKey  string
	latency time.Duration
}

func newMockServer(orders map[string]json.RawMessage, apiKey string, latency time.Duration) http.Handler {
	s := &mockServer{orders: orders, apiKey: apiKey, latency: latency}

	r := mux.NewRouter()
	r.Use(s.authenticate)
	r.HandleFunc("/v1/orders/{id}", s.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (s *mockServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *mockServer) getOrder(w http.ResponseWriter, r *http.Request) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-r.Context().Done():
			return
		}
	}

	id := mux.Vars(r)["id"]
	switch {
	case strings.HasPrefix(id, failPrefix):
		writeError(w, http.StatusBadGateway, "upstream failure")
		return
	case strings.HasPrefix(id, throttlePrefix):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	order, ok := s.orders[id]
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	log.Debug().Str("order_id", id).Msg("Serving fixture order")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(order)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// loadOrders reads a fixture file of the form {"<order id>": {...order...}}.
func loadOrders(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var orders map[string]json.RawMessage
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return orders, nil
}

func defaultOrders() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"order_demo": json.RawMessage(`{"id":"order_demo","product_id":"prod_pro",` +
			`"customer":{"id":"cus_demo","email":"demo@example.com"}}`),
		"order_other": json.RawMessage(`{"id":"order_other","product_id":"prod_other",` +
			`"customer":{"id":"cus_other","email":"other@example.com"}}`),
	}
}
