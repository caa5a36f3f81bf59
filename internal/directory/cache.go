package directory

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheSize = 10000

type cacheKey struct {
	kind Kind
	id   string
}

type cacheEntry struct {
	name    string
	expires time.Time
}

// Cached puts an LRU cache in front of another directory. Only hits are
// cached; misses go to the backing directory every time.
type Cached struct {
	next  Directory
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCached wraps next with a cache of size entries that expire after ttl.
// A zero ttl keeps entries until they are evicted or overwritten.
func NewCached(next Directory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New(size)
	return &Cached{next: next, cache: cache, ttl: ttl, now: time.Now}
}

func (c *Cached) Name(ctx context.Context, kind Kind, id string) (string, error) {
	key := cacheKey{kind: kind, id: id}
	if v, ok := c.cache.Get(key); ok {
		e := v.(cacheEntry)
		if e.expires.IsZero() || c.now().Before(e.expires) {
			return e.name, nil
		}
		c.cache.Remove(key)
	}

	name, err := c.next.Name(ctx, kind, id)
	if err != nil {
		return "", err
	}
	e := cacheEntry{name: name}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.cache.Add(key, e)
	return name, nil
}

// SetName writes through to the backing directory when it is writable.
func (c *Cached) SetName(ctx context.Context, kind Kind, id, name string) error {
	w, ok := c.next.(Writer)
	if !ok {
		return ErrReadOnly
	}
	if err := w.SetName(ctx, kind, id, name); err != nil {
		return err
	}
	c.cache.Remove(cacheKey{kind: kind, id: id})
	return nil
}

// Len returns the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}

var (
	_ Directory = (*Cached)(nil)
	_ Writer    = (*Cached)(nil)
)
