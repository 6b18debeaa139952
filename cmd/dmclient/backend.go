package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/marketfeed/marketfeed/internal/app/storage/postgres"
	"github.com/marketfeed/marketfeed/internal/cache"
	"github.com/marketfeed/marketfeed/internal/config"
	"github.com/marketfeed/marketfeed/internal/database"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
	"github.com/marketfeed/marketfeed/supabase/client"
)

// backend pairs the configured messages.Backend with what has to be closed.
type backend struct {
	messages.Backend
	shared  messages.SharedProfileStore
	closers []func() error
}

func (b *backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres.DSN,
			postgres.WithUser(cfg.Postgres.UserID),
			postgres.WithLogger(log.Named("postgres")),
		)
		if err != nil {
			return nil, err
		}
		b.Backend = store
		b.closers = append(b.closers, store.Close)

	default:
		ccfg := client.Config{
			URL:         cfg.Supabase.URL,
			APIKey:      cfg.Supabase.AnonKey,
			AccessToken: cfg.Supabase.AccessToken,
			Timeout:     cfg.Supabase.Timeout,
		}
		if cfg.Supabase.EnableResilience {
			rc := client.DefaultResilienceConfig()
			ccfg.Resilience = &rc
		}
		c, err := client.New(ccfg)
		if err != nil {
			return nil, fmt.Errorf("supabase client: %w", err)
		}
		sb := database.NewSupabaseBackend(c, database.WithLogger(log.Named("supabase")))
		b.Backend = sb
		b.closers = append(b.closers, sb.Close)
	}

	if cfg.Redis.Addr != "" {
		store, rdb, err := cache.New(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// the shared tier is optional
			log.WithError(err).Warn("redis profile cache disabled")
		} else {
			b.shared = store
			b.closers = append(b.closers, closeRedis(rdb))
		}
	}
	return b, nil
}

func closeRedis(rdb *redis.Client) func() error {
	return rdb.Close
}
