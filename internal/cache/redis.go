package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

// Redis is a score cache shared between runs through Redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // 0 = no expiry
	log    *logger.Logger
}

// NewRedis connects to Redis. Returns error if connection fails.
func NewRedis(url string, ttl time.Duration, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: "kbprobe:bt:",
		ttl:    ttl,
		log:    log,
	}, nil
}

// Get implements Scores.
func (r *Redis) Get(ctx context.Context, key string) (float64, bool) {
	s, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("Score cache read failed", "error", err)
		}
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Set implements Scores.
func (r *Redis) Set(ctx context.Context, key string, score float64) {
	val := strconv.FormatFloat(score, 'g', -1, 64)
	if err := r.client.Set(ctx, r.prefix+key, val, r.ttl).Err(); err != nil {
		r.log.Warn("Score cache write failed", "error", err)
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
