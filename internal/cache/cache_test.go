package cache

import (
	"context"
	"math"
	"testing"

	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) RecordCacheHit(string)  { m.hits++ }
func (m *countingMetrics) RecordCacheMiss(string) { m.misses++ }

func TestMemory_SetGet(t *testing.T) {
	c, err := NewMemory(10)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "k", -1.25)
	got, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != -1.25 {
		t.Errorf("Get() = %v, want -1.25", got)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestMemory_Eviction(t *testing.T) {
	c, err := NewMemory(2)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Set(ctx, "c", 3)

	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestMemory_NegativeInfinity(t *testing.T) {
	c, _ := NewMemory(1)
	ctx := context.Background()

	c.Set(ctx, "empty", math.Inf(-1))
	got, ok := c.Get(ctx, "empty")
	if !ok || !math.IsInf(got, -1) {
		t.Errorf("Get() = %v, %v; want -Inf, true", got, ok)
	}
}

func TestInstrumented(t *testing.T) {
	mem, _ := NewMemory(10)
	m := &countingMetrics{}
	c := WithMetrics(mem, "bt", m)
	ctx := context.Background()

	c.Get(ctx, "k")
	c.Set(ctx, "k", 1)
	c.Get(ctx, "k")

	if m.hits != 1 || m.misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", m.hits, m.misses)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CacheConfig
		wantErr bool
	}{
		{"memory", config.CacheConfig{Type: "memory", Size: 5}, false},
		{"none", config.CacheConfig{Type: "none"}, false},
		{"unknown", config.CacheConfig{Type: "memcached"}, true},
		{"redis bad url", config.CacheConfig{Type: "redis", RedisURL: "invalid://url"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, logger.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if c != nil {
				c.Close()
			}
		})
	}
}

func TestNoop(t *testing.T) {
	var c Scores = Noop{}
	c.Set(context.Background(), "k", 1)
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Error("Noop should never hit")
	}
}

func TestNewRedis_ConnectionFailure(t *testing.T) {
	_, err := NewRedis("redis://localhost:9999", 0, logger.Discard())
	if err == nil {
		t.Fatal("expected error for connection failure")
	}
}

func TestRedis_SetGet(t *testing.T) {
	// Skip if Redis not available
	c, err := NewRedis("redis://localhost:6379/15", 0, logger.Discard())
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer c.Close()

	ctx := context.Background()
	defer c.client.Del(ctx, c.prefix+"test-key")

	c.Set(ctx, "test-key", -0.731)
	got, ok := c.Get(ctx, "test-key")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != -0.731 {
		t.Errorf("Get() = %v, want -0.731", got)
	}

	if _, ok := c.Get(ctx, "absent-key"); ok {
		t.Error("expected cache miss")
	}
}
