package throttle

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"restpipe/internal/models"
)

// NewRedisClient opens the client used by the redis backend.
func NewRedisClient(cfg models.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// FromConfig builds a Throttle from configuration. client is only used by
// the redis backend and may be nil otherwise. A disabled configuration yields
// a Throttle with no limiters.
func FromConfig(cfg models.ThrottleConfig, client *redis.Client) (*Throttle, error) {
	t := &Throttle{DenyStatus: cfg.DenyStatus, TrustForwarded: cfg.TrustForwarded}
	if !cfg.Enabled {
		return t, nil
	}
	if cfg.Backend == models.ThrottleBackendRedis && client == nil {
		return nil, fmt.Errorf("redis backend requires a client")
	}

	build := func(rate, class string) (Limiter, error) {
		if rate == "" {
			return nil, nil
		}
		limit, window, err := models.ParseRate(rate)
		if err != nil {
			return nil, err
		}
		switch {
		case cfg.Backend == models.ThrottleBackendRedis:
			return NewRedisWindow(client, cfg.Redis.KeyPrefix+class+":", limit, window), nil
		case cfg.Algorithm == models.ThrottleTokenBucket:
			return NewTokenBucket(limit, window, cfg.CleanupInterval), nil
		default:
			return NewSlidingWindow(limit, window, cfg.CleanupInterval), nil
		}
	}

	var err error
	if t.Anonymous, err = build(cfg.AnonRate, "anon"); err != nil {
		return nil, fmt.Errorf("anonymous rate: %w", err)
	}
	if t.Authenticated, err = build(cfg.UserRate, "user"); err != nil {
		t.Close()
		return nil, fmt.Errorf("user rate: %w", err)
	}
	return t, nil
}
