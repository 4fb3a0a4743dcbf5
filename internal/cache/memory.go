package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is an in-process LRU score cache.
type Memory struct {
	lru *lru.Cache[string, float64]
}

// NewMemory creates a memory cache holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, float64](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: c}, nil
}

// Get implements Scores.
func (m *Memory) Get(_ context.Context, key string) (float64, bool) {
	return m.lru.Get(key)
}

// Set implements Scores.
func (m *Memory) Set(_ context.Context, key string, score float64) {
	m.lru.Add(key, score)
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Close implements Scores.
func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
