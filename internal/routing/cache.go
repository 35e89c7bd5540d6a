package routing

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/coride/internal/models"
)

// Router returns the path a rider would travel between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Location) ([]models.Location, error)
}

// StraightLine is the zero-dependency router: origin to destination directly.
type StraightLine struct{}

func (StraightLine) Route(_ context.Context, from, to models.Location) ([]models.Location, error) {
	return []models.Location{from, to}, nil
}

const defaultCacheCapacity = 4096

// Cache is a bounded LRU of route lookups keyed by coords, with a TTL.
type Cache struct {
	mu       sync.Mutex
	store    map[string]*list.Element
	ll       *list.List
	ttl      time.Duration
	capacity int
}

type cacheEntry struct {
	key  string
	path []models.Location
	ts   time.Time
}

// NewCache creates a cache with the provided TTL and capacity; a
// non-positive capacity uses the default.
func NewCache(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &Cache{store: make(map[string]*list.Element), ll: list.New(), ttl: ttl, capacity: capacity}
}

func keyFor(a, b models.Location) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Location) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns a cached path and true if present and not expired.
func (c *Cache) Get(a, b models.Location) ([]models.Location, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.store[k]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if time.Since(e.ts) > c.ttl {
		c.ll.Remove(el)
		delete(c.store, k)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return clonePath(e.path), true
}

// Set stores a path, evicting the least recently used entry when full.
func (c *Cache) Set(a, b models.Location, path []models.Location) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.store[k]; ok {
		el.Value = &cacheEntry{key: k, path: clonePath(path), ts: time.Now()}
		c.ll.MoveToFront(el)
		return
	}
	c.store[k] = c.ll.PushFront(&cacheEntry{key: k, path: clonePath(path), ts: time.Now()})
	if c.ll.Len() > c.capacity {
		tail := c.ll.Back()
		c.ll.Remove(tail)
		delete(c.store, tail.Value.(*cacheEntry).key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// CachedRouter consults Cache before asking Next.
type CachedRouter struct {
	Next  Router
	Cache *Cache
}

func (r *CachedRouter) Route(ctx context.Context, from, to models.Location) ([]models.Location, error) {
	if p, ok := r.Cache.Get(from, to); ok {
		return p, nil
	}
	p, err := r.Next.Route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r.Cache.Set(from, to, p)
	return p, nil
}

func clonePath(p []models.Location) []models.Location {
	out := make([]models.Location, len(p))
	copy(out, p)
	return out
}
