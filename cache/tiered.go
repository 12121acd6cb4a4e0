package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LookupObserver receives one call per tier consulted on a read.
type LookupObserver func(ns, tier string, hit bool)

// Tiered is a read-through cache: a bounded in-process LRU in front of an
// optional shared store. Values cross the shared tier as JSON.
type Tiered[V any] struct {
	ns        string
	mem       *expirable.LRU[string, V]
	shared    Shared
	sharedTTL time.Duration
	observe   LookupObserver
	log       *log.Logger
}

type TieredOptions struct {
	Size      int
	MemoryTTL time.Duration
	SharedTTL time.Duration
	Shared    Shared
	Observe   LookupObserver
	Logger    *log.Logger
}

func NewTiered[V any](ns string, opts TieredOptions) *Tiered[V] {
	if opts.Size <= 0 {
		opts.Size = 1000
	}
	if opts.Observe == nil {
		opts.Observe = func(string, string, bool) {}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Tiered[V]{
		ns:        ns,
		mem:       expirable.NewLRU[string, V](opts.Size, nil, opts.MemoryTTL),
		shared:    opts.Shared,
		sharedTTL: opts.SharedTTL,
		observe:   opts.Observe,
		log:       opts.Logger.With("cache", ns),
	}
}

// Get consults memory, then the shared tier. A shared hit refills memory.
// Shared tier failures degrade to a miss.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.mem.Get(key); ok {
		t.observe(t.ns, "memory", true)
		return v, true
	}
	t.observe(t.ns, "memory", false)

	var zero V
	if t.shared == nil {
		return zero, false
	}
	raw, ok, err := t.shared.Get(ctx, t.ns, key)
	if err != nil {
		t.log.Warn("shared tier read failed", "key", key, "err", err)
		return zero, false
	}
	t.observe(t.ns, "shared", ok)
	if !ok {
		return zero, false
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		t.log.Warn("undecodable shared entry", "key", key, "err", err)
		return zero, false
	}
	t.mem.Add(key, v)
	return v, true
}

// Set writes both tiers.
func (t *Tiered[V]) Set(ctx context.Context, key string, v V) {
	t.mem.Add(key, v)
	if t.shared == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.log.Warn("unencodable cache value", "key", key, "err", err)
		return
	}
	if err := t.shared.Set(ctx, t.ns, key, raw, t.sharedTTL); err != nil {
		t.log.Warn("shared tier write failed", "key", key, "err", err)
	}
}

// Fetch returns the cached value or loads and caches it.
func (t *Tiered[V]) Fetch(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := t.Get(ctx, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	t.Set(ctx, key, v)
	return v, nil
}

// FetchMaybe is Fetch for loaders that may report absence. Absence is not
// cached.
func (t *Tiered[V]) FetchMaybe(ctx context.Context, key string, load func(context.Context) (V, bool, error)) (V, bool, error) {
	if v, ok := t.Get(ctx, key); ok {
		return v, true, nil
	}
	v, found, err := load(ctx)
	if err != nil || !found {
		return v, false, err
	}
	t.Set(ctx, key, v)
	return v, true, nil
}

// Delete drops key from both tiers.
func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	t.mem.Remove(key)
	if t.shared == nil {
		return
	}
	if err := t.shared.Delete(ctx, t.ns, key); err != nil {
		t.log.Warn("shared tier delete failed", "key", key, "err", err)
	}
}

// Evict drops key from memory only; used when another process already
// updated the shared tier.
func (t *Tiered[V]) Evict(key string) {
	t.mem.Remove(key)
}

func (t *Tiered[V]) Purge() {
	t.mem.Purge()
}

func (t *Tiered[V]) Len() int {
	return t.mem.Len()
}
