package view

import (
	"sort"
	"time"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// handleCache maps ids to the handles of one view. It is guarded by the view's mutex.
type handleCache struct {
	policy  CachePolicy
	byID    map[ident.ID]*Handle
	locked  func(id ident.ID) bool
	evicted uint64
}

func newHandleCache(p CachePolicy, locked func(ident.ID) bool) *handleCache {
	return &handleCache{policy: p, byID: make(map[ident.ID]*Handle), locked: locked}
}

func (c *handleCache) get(id ident.ID) (*Handle, bool) {
	h, ok := c.byID[id]
	return h, ok
}

// register adds h under its id. An id already taken by another handle is a sequencing bug.
func (c *handleCache) register(h *Handle) error {
	if other, ok := c.byID[h.id]; ok && other != h {
		return gerrors.ErrIllegalTransition.New("register " + h.id.String() + ": id already has a handle")
	}
	c.byID[h.id] = h
	h.evicted = false
	return nil
}

func (c *handleCache) deregister(h *Handle) {
	if c.byID[h.id] == h {
		delete(c.byID, h.id)
	}
}

func (c *handleCache) evictable(h *Handle, now time.Time) bool {
	if h.pinned || (h.state != fsm.Clean && h.state != fsm.Proxy) {
		return false
	}
	if c.locked != nil && c.locked(h.id) {
		return false
	}
	return c.policy.Evictable(h, now)
}

// evict drops h when the policy allows it and reports whether it did.
func (c *handleCache) evict(h *Handle, now time.Time) bool {
	if c.byID[h.id] != h || !c.evictable(h, now) {
		return false
	}
	delete(c.byID, h.id)
	h.evicted = true
	c.evicted++
	return true
}

// sweep evicts every evictable handle and returns how many were dropped.
func (c *handleCache) sweep(now time.Time) int {
	n := 0
	for id, h := range c.byID {
		if c.evictable(h, now) {
			delete(c.byID, id)
			h.evicted = true
			c.evicted++
			n++
		}
	}
	return n
}

// remap renames handles atomically. Every old id must have a handle; otherwise nothing changes.
func (c *handleCache) remap(m ident.Mapping) error {
	for old := range m {
		if _, ok := c.byID[old]; !ok {
			return gerrors.ErrIllegalTransition.New("remap " + old.String() + ": no handle")
		}
	}
	moved := make([]*Handle, 0, len(m))
	for old := range m {
		moved = append(moved, c.byID[old])
		delete(c.byID, old)
	}
	for _, h := range moved {
		h.id = m[h.id]
		c.byID[h.id] = h
	}
	return nil
}

// all returns the cached handles ordered by id.
func (c *handleCache) all() []*Handle {
	out := make([]*Handle, 0, len(c.byID))
	for _, h := range c.byID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Less(out[j].id) })
	return out
}

func (c *handleCache) len() int { return len(c.byID) }
