// Package view is the client-side working copy of a branched object graph.
//
// A View caches handles for the objects an application touched, tracks local edits as
// reversible deltas, commits them optimistically through a repo.Repository and keeps cached
// objects consistent with remote commits pushed through an invalidation pipeline. All state of
// one view is guarded by a single mutex; repository round trips are made while holding it.
package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/invalidation"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Committable is implemented by views that can change the graph.
type Committable interface {
	Commit(ctx context.Context) (CommitInfo, error)
	Rollback(ctx context.Context) error
	SetSavepoint() Savepoint
	RollbackToSavepoint(ctx context.Context, sp Savepoint) error
	Pending() bool
}

// Lockable is implemented by views that take pessimistic locks.
type Lockable interface {
	Lock(ctx context.Context, ids []ident.ID, typ locks.Type, timeout time.Duration, recursive bool) error
	LockWithRetry(ctx context.Context, ids []ident.ID, typ locks.Type, timeout time.Duration, recursive bool) error
	Unlock(ctx context.Context, ids []ident.ID, typ locks.Type, recursive bool) error
	EnableDurableLocking(ctx context.Context) (string, error)
	DisableDurableLocking(ctx context.Context, releaseLocks bool) error
}

var (
	_ Committable          = (*View)(nil)
	_ Lockable             = (*View)(nil)
	_ invalidation.Applier = (*View)(nil)
)

// View is a window over the graph at one branch point.
type View struct {
	id   string
	repo repo.Repository
	opts Options
	revs *revision.Cache

	mu       sync.Mutex
	cond     *sync.Cond
	log      *logrus.Entry
	point    branch.Point
	mode     Mode
	closed   bool
	deferred []func()

	// applied is the newest batch applied by the pipeline; committed the newest own commit.
	applied   int64
	committed int64

	alloc     ident.Allocator
	handles   *handleCache
	locks     *locks.Tracker
	txn       *txn
	listeners map[ident.ID]map[int]Listener
	nextSub   int

	pipeline  *invalidation.Pipeline
	cancelSub func()
}

// Open opens a view on r.
func Open(ctx context.Context, r repo.Repository, opts Options) (*View, error) {
	opts.setDefaults()
	if opts.Mode == Transactional && !opts.Point.IsLatest() {
		return nil, gerrors.ErrNoPermission.New("a transactional view must target the latest point of a branch")
	}
	v := &View{
		id:        uuid.NewString(),
		repo:      r,
		opts:      opts,
		revs:      opts.Revisions,
		point:     opts.Point,
		mode:      opts.Mode,
		txn:       newTxn(),
		listeners: make(map[ident.ID]map[int]Listener),
	}
	v.cond = sync.NewCond(&v.mu)
	v.log = opts.Log.WithFields(logrus.Fields{"view": v.id, "branch": opts.Point.Branch})
	v.locks = locks.NewTracker(v.id, v.log)
	v.handles = newHandleCache(opts.Cache, func(id ident.ID) bool { return v.locks.HeldAny(id) })

	v.mu.Lock()
	defer v.mu.Unlock()
	v.pipeline = invalidation.New(v, opts.QueueSize, 0, v.log)
	v.cancelSub = r.Subscribe(v.id, sink{v})
	res, err := r.OpenView(ctx, repo.OpenRequest{
		ViewID:        v.id,
		Point:         opts.Point,
		ReadOnly:      opts.Mode == ReadOnly,
		DurableAreaID: opts.DurableAreaID,
	})
	if err != nil {
		v.cancelSub()
		go v.pipeline.Close()
		return nil, fmt.Errorf("open view: %w", err)
	}
	if res.DurableAreaID != "" {
		v.locks.Resume(res.DurableAreaID)
	}
	v.locks.Update(res.LockStates)
	if res.Timestamp > v.applied {
		v.applied = res.Timestamp
	}
	v.log.WithFields(logrus.Fields{"point": opts.Point.String(), "mode": opts.Mode.String()}).Info("view opened")
	return v, nil
}

func (v *View) ID() string { return v.id }

func (v *View) Mode() Mode { return v.mode }

func (v *View) Point() branch.Point {
	defer v.enter()()
	return v.point
}

// LastApplied returns the newest timestamp the view is known to be consistent with.
func (v *View) LastApplied() int64 {
	defer v.enter()()
	return v.lastApplied()
}

func (v *View) lastApplied() int64 {
	if v.committed > v.applied {
		return v.committed
	}
	return v.applied
}

// Closed reports whether Close was called.
func (v *View) Closed() bool {
	defer v.enter()()
	return v.closed
}

// AsCommittable returns the view as a Committable; read-only views are not.
func (v *View) AsCommittable() (Committable, bool) {
	return v, v.mode == Transactional
}

// AsLockable returns the view as a Lockable.
func (v *View) AsLockable() (Lockable, bool) { return v, true }

// enter locks the view. The returned function unlocks it and then runs callbacks queued with
// later, such as invalidation policies and lock listeners.
func (v *View) enter() func() {
	v.mu.Lock()
	return v.leave
}

func (v *View) leave() {
	fns := v.deferred
	v.deferred = nil
	v.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// later queues fn to run once the view's mutex is released.
func (v *View) later(fn func()) { v.deferred = append(v.deferred, fn) }

func (v *View) checkOpen() error {
	if v.closed {
		return gerrors.ErrViewClosed.New(v.id)
	}
	return nil
}

func (v *View) writable() bool {
	return v.mode == Transactional && v.point.IsLatest()
}

func (v *View) class(name string) (*model.Class, error) {
	return v.opts.Classes.Lookup(name)
}

// touch records an access to h and sweeps the cache when the policy asks for it.
func (v *View) touch(h *Handle) {
	now := v.opts.Now()
	h.lastAccess = now
	if v.handles.policy.SweepOnAccess() {
		if n := v.handles.sweep(now); n > 0 {
			v.log.Debugf("evicted %d idle handles", n)
		}
	}
}

// live returns the handle registered for an evicted handle's id, re-registering h when the id
// is free.
func (v *View) live(h *Handle) *Handle {
	if !h.evicted {
		return h
	}
	if other, ok := v.handles.get(h.id); ok {
		return other
	}
	if err := v.handles.register(h); err != nil {
		v.log.WithError(err).Error("re-register evicted handle")
	}
	return h
}

// Get returns the handle of id. A missing handle is loaded when loadOnDemand is set; otherwise
// nil is returned. The null id yields nil.
func (v *View) Get(ctx context.Context, id ident.ID, loadOnDemand bool) (*Handle, error) {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.get(ctx, id, loadOnDemand)
}

func (v *View) get(ctx context.Context, id ident.ID, load bool) (*Handle, error) {
	if id.IsNull() {
		return nil, nil
	}
	if h, ok := v.handles.get(id); ok {
		v.touch(h)
		if load && h.state.IsInvalid() {
			return nil, v.fire(ctx, h, fsm.Read, &step{})
		}
		return h, nil
	}
	if !load {
		return nil, nil
	}
	if _, ok := v.txn.detached[id]; ok {
		return nil, gerrors.ErrObjectNotFound.New(id.String() + " was deleted in this transaction")
	}
	if !id.IsPersistent() {
		return nil, gerrors.ErrObjectNotFound.New(id.String())
	}
	h := &Handle{owner: v, id: id, state: fsm.Proxy, pendingKey: revision.Key{ID: id}}
	if err := v.handles.register(h); err != nil {
		return nil, err
	}
	if err := v.fire(ctx, h, fsm.Read, &step{}); err != nil {
		if h.state == fsm.Proxy {
			v.handles.deregister(h)
		}
		return nil, err
	}
	v.touch(h)
	return h, nil
}

// load fetches the revision of h visible at the view's point, through the shared cache.
func (v *View) load(ctx context.Context, h *Handle) (*revision.Revision, error) {
	p := v.point
	if k := h.pendingKey; k.Version > 0 {
		if r, ok := v.revs.Get(k); ok && r.ValidAt(p.Timestamp) {
			recordCacheHit(ctx)
			return r, nil
		}
	}
	if r, ok := v.revs.Lookup(h.id, p.Branch, p.Timestamp); ok {
		recordCacheHit(ctx)
		return r, nil
	}
	recordCacheMiss(ctx)
	start := time.Now()
	r, err := v.revs.Load(ctx, h.id.String()+"@"+p.String(), func(ctx context.Context) (*revision.Revision, error) {
		return v.repo.FetchRevision(ctx, h.id, p)
	})
	recordLoad(ctx, time.Since(start), err == nil && r != nil)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", h.id, err)
	}
	return r, nil
}

// NewObject returns a transient object of the named class. It joins the graph once it is
// attached as a root or added to a containment feature.
func (v *View) NewObject(className string) (*Handle, error) {
	c, err := v.class(className)
	if err != nil {
		return nil, err
	}
	return &Handle{owner: v, class: c, state: fsm.Transient, shadow: revision.New(c, ident.NullID)}, nil
}

// Create makes a new root object.
func (v *View) Create(ctx context.Context, className string) (*Handle, error) {
	h, err := v.NewObject(className)
	if err != nil {
		return nil, err
	}
	if err := v.Attach(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Attach adds a transient object, with everything it contains, to the view as a root. An
// object deleted earlier in the transaction gets its former id back.
func (v *View) Attach(ctx context.Context, h *Handle) error {
	if h.owner != v {
		return fmt.Errorf("attach: %s belongs to another view", h)
	}
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if !v.writable() {
		return gerrors.ErrNoPermission.New("view is " + v.mode.String())
	}
	if h.state != fsm.Transient {
		return gerrors.ErrIllegalTransition.New("Attach of " + h.String())
	}
	return v.attachTree(ctx, h, ident.NullID, "")
}

func (v *View) isReattach(h *Handle) bool {
	return !h.formerID.IsNull() && v.txn.detached[h.formerID] == h
}

func (v *View) attachTree(ctx context.Context, h *Handle, container ident.ID, field string) error {
	if !v.isReattach(h) {
		if err := v.fire(ctx, h, fsm.Prepare, &step{}); err != nil {
			return err
		}
		return v.fire(ctx, h, fsm.Attach, &step{container: container, field: field})
	}
	for _, kid := range h.kidList() {
		if !v.isReattach(kid) {
			if err := v.fire(ctx, kid, fsm.Prepare, &step{}); err != nil {
				return err
			}
		}
	}
	return v.fire(ctx, h, fsm.Reattach, &step{container: container, field: field})
}

// kidList returns the transient children in feature order.
func (h *Handle) kidList() []*Handle {
	var out []*Handle
	for _, f := range h.class.Containments() {
		out = append(out, h.kids[f.Name]...)
	}
	return out
}

// Delete removes the object behind h, and everything it contains, from the graph. The handle
// becomes transient and can be attached again before commit.
func (v *View) Delete(ctx context.Context, h *Handle) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.delete(ctx, h)
}

func (v *View) delete(ctx context.Context, h *Handle) error {
	h = v.live(h)
	if h.state == fsm.Transient {
		return nil
	}
	if !v.writable() {
		return gerrors.ErrNoPermission.New("view is " + v.mode.String())
	}
	if err := v.fire(ctx, h, fsm.Read, &step{}); err != nil {
		return err
	}
	if h.state == fsm.Clean && !h.rev.Writable() {
		return gerrors.ErrNoPermission.New(h.id.String() + " is read-only")
	}
	if c := h.rev.Container(); !c.IsNull() {
		parent, err := v.get(ctx, c, true)
		if err != nil && !gerrors.Is(err, gerrors.ErrObjectNotFound) {
			return err
		}
		if parent != nil && !parent.state.IsInvalid() {
			if err := v.removeRef(ctx, parent, h.rev.ContainingField(), h.id); err != nil {
				return err
			}
		}
	}
	return v.fire(ctx, h, fsm.Detach, &step{})
}

// removeRef removes the first occurrence of id from parent's list feature.
func (v *View) removeRef(ctx context.Context, parent *Handle, feature string, id ident.ID) error {
	return v.write(ctx, parent, func(r *revision.Revision) (revision.FeatureDelta, error) {
		values, err := r.List(feature)
		if err != nil {
			return revision.FeatureDelta{}, err
		}
		for i, val := range values {
			if val.References(id) {
				old, err := r.Remove(feature, i)
				return revision.FeatureDelta{Kind: revision.RemoveDelta, Feature: feature, Index: i, Value: old}, err
			}
		}
		return revision.FeatureDelta{}, fmt.Errorf("%s does not contain %s in %q", parent.id, id, feature)
	})
}

// write fires Write on h with the edit fn.
func (v *View) write(ctx context.Context, h *Handle, fn editFunc) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if !v.writable() {
		return gerrors.ErrNoPermission.New("view is " + v.mode.String())
	}
	h = v.live(h)
	if err := v.fire(ctx, h, fsm.Write, &step{edit: fn}); err != nil {
		return err
	}
	v.touch(h)
	return nil
}

// addChild attaches or moves child into parent's containment feature.
func (v *View) addChild(ctx context.Context, parent *Handle, feature string, index int, child *Handle) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if !v.writable() {
		return gerrors.ErrNoPermission.New("view is " + v.mode.String())
	}
	parent = v.live(parent)
	if err := v.fire(ctx, parent, fsm.Read, &step{}); err != nil {
		return err
	}
	insert := func(id ident.ID) editFunc {
		return func(r *revision.Revision) (revision.FeatureDelta, error) {
			values, err := r.List(feature)
			if err != nil {
				return revision.FeatureDelta{}, err
			}
			at := index
			if at < 0 || at > len(values) {
				at = len(values)
			}
			err = r.Add(feature, at, revision.Ref(id))
			return revision.FeatureDelta{Kind: revision.AddDelta, Feature: feature, Index: at, Value: revision.Ref(id)}, err
		}
	}

	if child.state == fsm.Transient {
		if v.isReattach(child) {
			if err := v.write(ctx, parent, insert(child.formerID)); err != nil {
				return err
			}
			return v.attachTree(ctx, child, parent.id, feature)
		}
		if err := v.fire(ctx, child, fsm.Prepare, &step{}); err != nil {
			return err
		}
		if err := v.write(ctx, parent, insert(child.id)); err != nil {
			v.unprepare(ctx, child)
			return err
		}
		return v.fire(ctx, child, fsm.Attach, &step{container: parent.id, field: feature})
	}

	child = v.live(child)
	if err := v.fire(ctx, child, fsm.Read, &step{}); err != nil {
		return err
	}
	if err := v.checkCycle(ctx, parent, child); err != nil {
		return err
	}
	if c := child.rev.Container(); !c.IsNull() {
		old, err := v.get(ctx, c, true)
		if err != nil {
			return err
		}
		if err := v.removeRef(ctx, old, child.rev.ContainingField(), child.id); err != nil {
			return err
		}
	}
	pid := parent.id
	err := v.write(ctx, child, func(r *revision.Revision) (revision.FeatureDelta, error) {
		oldC, oldF, err := r.SetContainer(pid, feature)
		return revision.FeatureDelta{Kind: revision.ContainerDelta, Container: pid, Field: feature, OldContainer: oldC, OldField: oldF}, err
	})
	if err != nil {
		return err
	}
	return v.write(ctx, parent, insert(child.id))
}

// checkCycle fails when parent is child or lies inside child's subtree.
func (v *View) checkCycle(ctx context.Context, parent, child *Handle) error {
	for cur := parent; cur != nil; {
		if cur == child {
			return fmt.Errorf("add child: %s would contain itself", child.id)
		}
		if err := v.fire(ctx, cur, fsm.Read, &step{}); err != nil || cur.rev == nil {
			return err
		}
		next, err := v.get(ctx, cur.rev.Container(), true)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// unprepare reverts a subtree prepared for an attach that did not happen.
func (v *View) unprepare(ctx context.Context, h *Handle) {
	for _, kid := range h.kidList() {
		if kid.state == fsm.Prepared {
			v.unprepare(ctx, kid)
		}
	}
	if err := v.fire(ctx, h, fsm.Detach, &step{}); err != nil {
		v.log.WithError(err).Error("revert prepared object")
	}
}

// Subscribe registers l for remote changes of id and returns its cancel function.
func (v *View) Subscribe(id ident.ID, l Listener) func() {
	defer v.enter()()
	n := v.nextSub
	v.nextSub++
	if v.listeners[id] == nil {
		v.listeners[id] = make(map[int]Listener)
	}
	v.listeners[id][n] = l
	return func() {
		defer v.enter()()
		for key, ls := range v.listeners {
			delete(ls, n)
			if len(ls) == 0 {
				delete(v.listeners, key)
			}
		}
	}
}

// Handles returns the ids of all cached handles, sorted.
func (v *View) Handles() []ident.ID {
	defer v.enter()()
	hs := v.handles.all()
	out := make([]ident.ID, len(hs))
	for i, h := range hs {
		out[i] = h.id
	}
	return out
}

// Roots loads every root object visible at the view's point, when the repository can list them.
func (v *View) Roots(ctx context.Context) ([]*Handle, error) {
	lister, ok := v.repo.(interface {
		Roots(p branch.Point) ([]ident.ID, error)
	})
	if !ok {
		return nil, fmt.Errorf("repository cannot list roots")
	}
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := lister.Roots(v.point)
	if err != nil {
		return nil, err
	}
	out := make([]*Handle, 0, len(ids))
	for _, id := range ids {
		h, err := v.get(ctx, id, true)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Close closes the view. Blocked operations fail with ErrViewClosed, the invalidation
// pipeline stops and the repository releases the view's non-durable locks.
func (v *View) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.cond.Broadcast()
	v.mu.Unlock()

	v.cancelSub()
	v.pipeline.Close()
	err := v.repo.CloseView(ctx, v.id)

	v.mu.Lock()
	for _, h := range v.handles.all() {
		h.evicted = true
	}
	v.handles = newHandleCache(v.handles.policy, v.handles.locked)
	if v.locks.DurableArea() == "" {
		v.locks.Reset()
	}
	v.txn = newTxn()
	v.mu.Unlock()

	v.log.Info("view closed")
	if err != nil {
		return fmt.Errorf("close view: %w", err)
	}
	return nil
}
