// Package cache provides the in-process cache used for hot lookups:
// crosswalk rows, quota snapshots, negative results. It wraps gocache over a
// ristretto backend behind a small generic surface.
package cache

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Cache is the read-through surface consumers depend on. Misses and backend
// errors both read as ok=false; a cache is never load-bearing.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
}

type local[T any] struct {
	inner   *gocache.Cache[T]
	backing *ristretto.Cache
}

var _ Cache[[]byte] = (*local[[]byte])(nil)

// NewLocal creates an in-process cache bounded to roughly maxBytes.
func NewLocal[T any](maxBytes int64) (Cache[T], error) {
	backing, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	inner := gocache.New[T](ristretto_store.NewRistretto(backing))
	return &local[T]{inner: inner, backing: backing}, nil
}

// Get implements Cache.
func (l *local[T]) Get(ctx context.Context, key string) (T, bool) {
	v, err := l.inner.Get(ctx, key)
	return v, err == nil
}

// GetWithTTL implements Cache.
func (l *local[T]) GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool) {
	v, ttl, err := l.inner.GetWithTTL(ctx, key)
	return v, ttl, err == nil
}

// Set implements Cache. Ristretto applies writes asynchronously; we wait so
// callers get read-after-write behavior.
func (l *local[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	_ = l.inner.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(1))
	l.backing.Wait()
}

// Delete implements Cache.
func (l *local[T]) Delete(ctx context.Context, key string) error {
	return l.inner.Delete(ctx, key)
}

// Fuzz scales d into the range (d, d*f) so cohorts of entries written
// together don't expire together.
func Fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}
