package revision

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// DefaultCacheSize is the number of objects the shared cache keeps revisions for.
const DefaultCacheSize = 4096

// Cache holds frozen revisions keyed by (id, branch, version). It is safe for concurrent use
// and is normally shared by every view in the process.
type Cache struct {
	mu    sync.Mutex
	byID  *lru.Cache[ident.ID, []*Revision]
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache returns a cache holding revisions of at most size objects.
func NewCache(size int) (*Cache, error) {
	l, err := lru.New[ident.ID, []*Revision](size)
	if err != nil {
		return nil, err
	}
	return &Cache{byID: l}, nil
}

var (
	sharedOnce  sync.Once
	sharedCache *Cache
)

// Shared returns the process-wide cache.
func Shared() *Cache {
	sharedOnce.Do(func() {
		c, err := NewCache(DefaultCacheSize)
		if err != nil {
			panic(err)
		}
		sharedCache = c
	})
	return sharedCache
}

// Put stores r, freezing a copy when r is still mutable. A current revision marks older
// current revisions of the same branch as superseded at its timestamp.
func (c *Cache) Put(r *Revision) {
	if r == nil || r.id.IsNull() {
		return
	}
	if !r.frozen {
		r = r.Served(r.revised, r.perm)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.byID.Peek(r.id)
	next := make([]*Revision, 0, len(list)+1)
	replaced := false
	for _, old := range list {
		switch {
		case old.branch == r.branch && old.version == r.version:
			replaced = true
			if r.revised == 0 && old.revised != 0 {
				next = append(next, old)
			} else {
				next = append(next, r)
			}
		case old.branch == r.branch && old.version < r.version && old.revised == 0 && r.revised == 0:
			next = append(next, old.Served(r.timestamp, old.perm))
		default:
			next = append(next, old)
		}
	}
	if !replaced {
		next = append(next, r)
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].branch != next[j].branch {
			return next[i].branch < next[j].branch
		}
		return next[i].version < next[j].version
	})
	c.byID.Add(r.id, next)
}

// Get returns the revision with key k.
func (c *Cache) Get(k Key) (*Revision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.byID.Get(k.ID)
	for _, r := range list {
		if r.branch == k.Branch && r.version == k.Version {
			c.hits.Add(1)
			return r, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Lookup returns the revision of id on branch known to be visible at ts (0 = latest).
func (c *Cache) Lookup(id ident.ID, branch string, ts int64) (*Revision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.byID.Get(id)
	for i := len(list) - 1; i >= 0; i-- {
		if r := list[i]; r.branch == branch && r.ValidAt(ts) {
			c.hits.Add(1)
			return r, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Load returns the revision produced by fetch, collapsing concurrent loads with the same key.
// A non-nil result is stored in the cache.
func (c *Cache) Load(ctx context.Context, key string, fetch func(context.Context) (*Revision, error)) (*Revision, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		r, err := fetch(ctx)
		if err != nil || r == nil {
			return r, err
		}
		c.Put(r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r, _ := v.(*Revision)
	return r, nil
}

// Remove drops every revision of id.
func (c *Cache) Remove(id ident.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID.Remove(id)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID.Purge()
}

// Len returns the number of cached objects.
func (c *Cache) Len() int { return c.byID.Len() }

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) { return c.hits.Load(), c.misses.Load() }

// Supersede marks current revisions of id on branch older than version as replaced at ts. It
// keeps the cache honest about commits whose new revision it never saw. Use math.MaxInt as the
// version for a removed object.
func (c *Cache) Supersede(id ident.ID, branch string, version int, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.byID.Peek(id)
	if !ok {
		return
	}
	next := make([]*Revision, len(list))
	changed := false
	for i, r := range list {
		next[i] = r
		if r.branch == branch && r.version < version && r.revised == 0 {
			next[i] = r.Served(ts, r.perm)
			changed = true
		}
	}
	if changed {
		c.byID.Add(id, next)
	}
}
