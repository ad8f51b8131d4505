package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-warehouse/internal/authoriser"
	"github.com/telhawk-systems/telhawk-warehouse/internal/cache"
	"github.com/telhawk-systems/telhawk-warehouse/internal/config"
	"github.com/telhawk-systems/telhawk-warehouse/internal/dlq"
	"github.com/telhawk-systems/telhawk-warehouse/internal/enricher"
	"github.com/telhawk-systems/telhawk-warehouse/internal/listener"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-warehouse/internal/transport"
	"github.com/telhawk-systems/telhawk-warehouse/internal/warehouse"
)

const authRequestTimeout = 5 * time.Second

func newStore(cc config.CacheConfig) (cache.Store, error) {
	switch cc.Backend {
	case config.CacheBackendRedis:
		var opts []cache.RedisOption
		if cc.Compress {
			opts = append(opts, cache.WithCompression())
		}
		store, err := cache.NewRedisCache(cc.RedisURL, cc.Key, cc.MaxEntries, cc.PageSize, opts...)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return store, nil
	default:
		return cache.NewMemoryCache(cc.MaxEntries), nil
	}
}

// newRateLimiter falls back to no limiting when Redis is unreachable.
func newRateLimiter(rc config.RateLimitConfig, log *slog.Logger) ratelimit.RateLimiter {
	if !rc.Enabled {
		log.Info("Rate limiting disabled in configuration")
		return &ratelimit.NoOpRateLimiter{}
	}

	limiter, err := ratelimit.NewRedisRateLimiter(rc.RedisURL, rc.Requests, rc.Window)
	if err != nil {
		log.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting",
			logging.Error(err),
		)
		return &ratelimit.NoOpRateLimiter{}
	}

	log.Info("Rate limiting enabled",
		slog.Int("requests", rc.Requests),
		slog.Duration("window", rc.Window),
	)
	return limiter
}

func newAuthoriser(ac config.AuthConfig) authoriser.Authoriser {
	if ac.URL != "" {
		return authoriser.NewRemote(ac.URL, ac.ClientID, authRequestTimeout, ac.CacheTTL)
	}
	return authoriser.Static{Token: ac.Token}
}

func newListenerConfig(lc config.ListenerConfig) listener.Config {
	return listener.Config{
		Address:         lc.Address,
		MaxPayloadBytes: lc.MaxPayloadBytes,
		ReadTimeout:     lc.ReadTimeout,
		Concurrent:      lc.Concurrent,
		MaxConnections:  lc.MaxConnections,
		LoopbackOnly:    lc.LoopbackOnly,
	}
}

// newWarehouse builds the send path from configuration. The returned close
// function releases the dead letter connection, if any.
func newWarehouse(ctx context.Context, c *config.Config, log *slog.Logger) (*warehouse.Warehouse, func() error, error) {
	dispatcher := transport.New(c.Dispatch.Endpoint, newAuthoriser(c.Auth), c.Dispatch.Timeout,
		transport.WithLogger(log),
	)

	opts := []warehouse.Option{warehouse.WithLogger(log)}
	closeFn := func() error { return nil }

	if c.DLQ.Enabled {
		queue, err := dlq.Connect(ctx, c.DLQ.NATSURL, c.DLQ.Stream, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize dead letter queue: %w", err)
		}
		opts = append(opts, warehouse.WithDeadLetter(queue))
		closeFn = queue.Close
		log.Info("Dead Letter Queue enabled", slog.String("nats", c.DLQ.NATSURL))
	}

	w := warehouse.New(dispatcher, opts...)
	if c.Identity.UserID != enricher.UnsetUserID {
		w.SetUserID(c.Identity.UserID)
	}
	if c.Identity.SessionID != "" {
		w.SetSessionID(c.Identity.SessionID)
	}
	return w, closeFn, nil
}
