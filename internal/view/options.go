package view

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Mode selects what a view may do.
type Mode uint8

const (
	Transactional Mode = iota
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read-only"
	}
	return "transactional"
}

// CachePolicy decides when idle handles leave the handle cache. Only clean or proxy handles
// that are neither locked nor pinned are ever evicted.
type CachePolicy interface {
	// Evictable reports whether h may be dropped at now.
	Evictable(h *Handle, now time.Time) bool
	// SweepOnAccess reports whether the cache should be swept on every access.
	SweepOnAccess() bool
}

// Strong keeps every handle until the view closes.
type Strong struct{}

func (Strong) Evictable(*Handle, time.Time) bool { return false }
func (Strong) SweepOnAccess() bool               { return false }

// TimeBased evicts handles idle for longer than TTL.
type TimeBased struct {
	TTL time.Duration
}

func (p TimeBased) Evictable(h *Handle, now time.Time) bool {
	return now.Sub(h.lastAccess) > p.TTL
}

func (TimeBased) SweepOnAccess() bool { return true }

// RefCounted evicts a handle once Release drops its reference count to zero.
type RefCounted struct{}

func (RefCounted) Evictable(h *Handle, _ time.Time) bool { return h.refs <= 0 }
func (RefCounted) SweepOnAccess() bool                  { return false }

// InvalidationPolicy is told about handles affected by remote changes. Calls are made after
// the view's mutex is released, so a policy may call back into the view.
type InvalidationPolicy interface {
	// Stale is called when a clean handle was reset to proxy by a newer remote revision.
	Stale(h *Handle)
	// Removed is called when the object behind h was detached remotely.
	Removed(h *Handle)
	// Invalid is called when an event reaches a handle whose object no longer exists.
	Invalid(h *Handle, e fsm.Event)
}

// LogPolicy logs every invalidation at debug level.
type LogPolicy struct {
	Log *logrus.Entry
}

func (p LogPolicy) entry() *logrus.Entry {
	if p.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return p.Log
}

func (p LogPolicy) Stale(h *Handle)   { p.entry().WithField("id", h.ID()).Debug("object is stale") }
func (p LogPolicy) Removed(h *Handle) { p.entry().WithField("id", h.ID()).Debug("object removed remotely") }

func (p LogPolicy) Invalid(h *Handle, e fsm.Event) {
	p.entry().WithFields(logrus.Fields{"id": h.ID(), "event": e}).Debug("access to removed object")
}

// Conflict is one local change overtaken by a remote commit.
type Conflict struct {
	Handle *Handle
	// Old is the clean revision the local change was based on.
	Old *revision.Revision
	// Incoming is the key of the remote revision, zero when the object was removed.
	Incoming revision.Key
	// Delta is the remote change from Old when the repository sent one.
	Delta   *revision.Delta
	Removed bool
}

// ConflictResolver receives every conflict produced by one invalidation batch in a single call.
type ConflictResolver func(conflicts []Conflict)

// Change describes a remote update of one object.
type Change struct {
	ID      ident.ID
	Key     revision.Key
	Deltas  []revision.FeatureDelta
	Removed bool
}

// Listener observes remote changes of one object.
type Listener func(c Change)

// Options configures Open.
type Options struct {
	Point branch.Point
	Mode  Mode
	// DurableAreaID reattaches locks kept by an earlier view.
	DurableAreaID string

	Classes *model.Registry
	Cache   CachePolicy
	// Revisions is the process-wide revision cache; nil uses revision.Shared().
	Revisions *revision.Cache
	Policy    InvalidationPolicy
	Resolver  ConflictResolver
	Log       *logrus.Entry
	// Author is recorded with every commit.
	Author string

	QueueSize   int
	LockTimeout time.Duration
	// LockRetryElapsed bounds the total time LockWithRetry keeps retrying.
	LockRetryElapsed time.Duration
	PrefetchChunk    int
	// AutoReleaseLocks releases every lock the view holds on a successful commit.
	AutoReleaseLocks bool
	Now              func() time.Time
}

const (
	DefaultLockTimeout      = 5 * time.Second
	DefaultLockRetryElapsed = 10 * time.Second
	DefaultPrefetchChunk    = 64
)

func (o *Options) setDefaults() {
	if o.Point.Branch == "" {
		o.Point = branch.Latest(branch.Main)
	}
	if o.Classes == nil {
		o.Classes = model.NewRegistry()
	}
	if o.Cache == nil {
		o.Cache = Strong{}
	}
	if o.Revisions == nil {
		o.Revisions = revision.Shared()
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Policy == nil {
		o.Policy = LogPolicy{Log: o.Log}
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.LockRetryElapsed == 0 {
		o.LockRetryElapsed = DefaultLockRetryElapsed
	}
	if o.PrefetchChunk <= 0 {
		o.PrefetchChunk = DefaultPrefetchChunk
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
