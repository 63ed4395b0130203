package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goplan/pkg/goplan"
	"github.com/mihaimyh/goplan/storage/storagetest"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "goplan:",
		},
		{
			name:       "empty prefix falls back to default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "goplan:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "{billing}:"},
			wantPrefix: "{billing}:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Contains(t, s.scripts, "upsert")
			assert.Contains(t, s.scripts, "claim")
		})
	}
}

func TestStorage_Conformance(t *testing.T) {
	client := setupTestRedis(t)
	storagetest.Run(t, func(t *testing.T) goplan.Storage {
		s, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStorage_KeyLayout(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, Config{KeyPrefix: "test:"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.UpsertPlan(ctx, &goplan.UpsertRequest{
		IdentityKey: "email:a@example.com",
		Plan:        goplan.PlanPro,
		Source:      "polar",
		UpdatedAt:   time.Now(),
	})
	require.NoError(t, err)

	exists, err := client.Exists(ctx, "test:plan:email:a@example.com").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestStorage_PayloadVerbatim(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	payload := "{ \"id\": \"evt_ws\",\n  \"type\": \"order.completed\" }"
	_, err = s.RecordEvent(ctx, &goplan.WebhookEvent{
		EventID:   "evt_ws",
		EventType: "order.completed",
		Payload:   []byte(payload),
	})
	require.NoError(t, err)

	ev, err := s.GetEvent(ctx, "evt_ws")
	require.NoError(t, err)
	assert.Equal(t, payload, string(ev.Payload))
}

func TestScriptStrings(t *testing.T) {
	_, err := scriptStrings("nope", 2)
	assert.Error(t, err)

	_, err = scriptStrings([]interface{}{"merged"}, 2)
	assert.Error(t, err)

	parts, err := scriptStrings([]interface{}{"merged", "{}"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"merged", "{}"}, parts)
}
