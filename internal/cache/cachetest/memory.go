// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// Cache is an in-memory cache.Cache. Entries never expire. Fail makes
// every call fail, which simulates a Redis outage; FailOn fails one method.
type Cache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[uuid.UUID]models.StatusView
	counters map[string]int64
	err      error
	methods  map[string]error
}

var _ cache.Cache = (*Cache)(nil)

func New() *Cache {
	return &Cache{
		values:   map[string][]byte{},
		statuses: map[uuid.UUID]models.StatusView{},
		counters: map[string]int64{},
		methods:  map[string]error{},
	}
}

// failure must be called with mu held.
func (c *Cache) failure(method string) error {
	if c.err != nil {
		return c.err
	}
	return c.methods[method]
}

func (c *Cache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Set"); err != nil {
		return err
	}
	c.values[key] = append([]byte(nil), value...)
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Get"); err != nil {
		return nil, false, err
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Delete"); err != nil {
		return err
	}
	delete(c.values, key)
	return nil
}

func (c *Cache) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure("Ping")
}

func (c *Cache) SetMemoStatus(_ context.Context, view models.StatusView, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("SetMemoStatus"); err != nil {
		return err
	}
	if cur, ok := c.statuses[view.MemoID]; ok {
		if cur.Round > view.Round || (cur.Round == view.Round && cur.UpdatedAt.After(view.UpdatedAt)) {
			return nil
		}
	}
	c.statuses[view.MemoID] = view
	return nil
}

func (c *Cache) GetMemoStatus(_ context.Context, memoID uuid.UUID) (*models.StatusView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("GetMemoStatus"); err != nil {
		return nil, false, err
	}
	v, ok := c.statuses[memoID]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *Cache) DeleteMemoStatus(_ context.Context, memoID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("DeleteMemoStatus"); err != nil {
		return err
	}
	delete(c.statuses, memoID)
	return nil
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("IncrWithExpiry"); err != nil {
		return 0, err
	}
	c.counters[key]++
	return c.counters[key], nil
}

// Status returns the cached view of a memo without going through the interface.
func (c *Cache) Status(memoID uuid.UUID) (models.StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.statuses[memoID]
	return v, ok
}

// Fail sets or clears the error returned by every call.
func (c *Cache) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// FailOn sets or clears the error returned by the named method only.
func (c *Cache) FailOn(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.methods, method)
		return
	}
	c.methods[method] = err
}
