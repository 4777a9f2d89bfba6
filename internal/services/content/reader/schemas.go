package reader

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
)

// resolved is a cached schema together with its query model.
type resolved struct {
	schema  schema.Schema
	app     schema.App
	model   querymodel.Model
	fetched time.Time
}

// modelCache memoizes query models per (app, schema). Concurrent misses for
// the same key share one provider lookup, which runs detached from any
// single caller and is bounded by timeout.
type modelCache struct {
	provider schema.Provider
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]resolved
	flight  singleflight.Group
}

func newModelCache(provider schema.Provider, ttl, timeout time.Duration, now func() time.Time) *modelCache {
	return &modelCache{
		provider: provider,
		ttl:      ttl,
		timeout:  timeout,
		now:      now,
		entries:  make(map[string]resolved),
	}
}

func cacheKey(appID, schemaID string) string {
	return appID + "\x00" + schemaID
}

func (c *modelCache) get(ctx context.Context, appID, schemaID string) (resolved, error) {
	key := cacheKey(appID, schemaID)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetched) < c.ttl {
		return entry, nil
	}

	results := c.flight.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		s, err := c.provider.FindSchema(lookupCtx, appID, schemaID)
		if err != nil {
			return resolved{}, err
		}
		app, err := c.provider.FindApp(lookupCtx, appID)
		if err != nil {
			return resolved{}, err
		}
		entry := resolved{schema: s, app: app, model: querymodel.Build(s, app), fetched: c.now()}
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	select {
	case <-ctx.Done():
		return resolved{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return resolved{}, result.Err
		}
		return result.Val.(resolved), nil
	}
}

// Invalidate drops the cached model of one schema.
func (c *modelCache) Invalidate(appID, schemaID string) {
	key := cacheKey(appID, schemaID)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.flight.Forget(key)
}
