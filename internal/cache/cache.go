// Package cache stores back-translation subject scores keyed by token sequence.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

// Metrics is the interface for recording cache metrics.
// This allows the cache to be decoupled from the metrics package.
type Metrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Scores caches scalar scores. Implementations are safe for concurrent use.
// Backend failures degrade to misses.
type Scores interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, score float64)
	Close() error
}

// New creates the score cache selected by cfg.
func New(cfg config.CacheConfig, log *logger.Logger) (Scores, error) {
	switch cfg.Type {
	case "memory", "":
		m, err := NewMemory(cfg.Size)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "redis":
		r, err := NewRedis(cfg.RedisURL, time.Duration(cfg.TTL)*time.Second, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// Noop never stores anything.
type Noop struct{}

// Get implements Scores.
func (Noop) Get(context.Context, string) (float64, bool) { return 0, false }

// Set implements Scores.
func (Noop) Set(context.Context, string, float64) {}

// Close implements Scores.
func (Noop) Close() error { return nil }

// Instrumented wraps a cache and records hits and misses.
type Instrumented struct {
	Scores
	name    string
	metrics Metrics
}

// WithMetrics wraps s so every lookup is recorded under name.
func WithMetrics(s Scores, name string, m Metrics) *Instrumented {
	return &Instrumented{Scores: s, name: name, metrics: m}
}

// Get implements Scores.
func (c *Instrumented) Get(ctx context.Context, key string) (float64, bool) {
	v, ok := c.Scores.Get(ctx, key)
	if ok {
		c.metrics.RecordCacheHit(c.name)
	} else {
		c.metrics.RecordCacheMiss(c.name)
	}
	return v, ok
}
