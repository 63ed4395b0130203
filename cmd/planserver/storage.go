package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goplan/internal/config"
	"github.com/mihaimyh/goplan/pkg/goplan"
	firestorestore "github.com/mihaimyh/goplan/storage/firestore"
	"github.com/mihaimyh/goplan/storage/memory"
	"github.com/mihaimyh/goplan/storage/postgres"
	redisstore "github.com/mihaimyh/goplan/storage/redis"
	"github.com/mihaimyh/goplan/storage/sqlite"
)

// backend is the selected storage plus its lifecycle hooks. ping is nil for
// backends without a cheap health check.
type backend struct {
	goplan.Storage
	ping  func(ctx context.Context) error
	close func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openStorage(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return &backend{Storage: memory.New()}, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		s, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{Storage: s, ping: s.Ping, close: s.Close}, nil

	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return &backend{Storage: s, ping: s.Ping, close: func() error {
			s.Close()
			return nil
		}}, nil

	case config.StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{Storage: s, close: s.Close}, nil

	case config.StorageSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite at %s: %w", cfg.SQLitePath, err)
		}
		return &backend{Storage: s, ping: s.Ping, close: s.Close}, nil

	default:
		return nil, fmt.Errorf("%w: unknown storage %q", config.ErrInvalidConfig, cfg.Storage)
	}
}
