package view

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// txn is the pending state of the current transaction.
type txn struct {
	new   map[ident.ID]*Handle
	dirty map[ident.ID]*Handle
	// detached is keyed by the former persistent id.
	detached   map[ident.ID]*Handle
	savepoints []*snapshot
}

func newTxn() *txn {
	return &txn{
		new:      make(map[ident.ID]*Handle),
		dirty:    make(map[ident.ID]*Handle),
		detached: make(map[ident.ID]*Handle),
	}
}

func (t *txn) pending() bool {
	return len(t.new)+len(t.dirty)+len(t.detached) > 0
}

func sorted(m map[ident.ID]*Handle) []*Handle {
	out := make([]*Handle, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].id, out[j].id
		if a.IsNull() {
			a = out[i].formerID
		}
		if b.IsNull() {
			b = out[j].formerID
		}
		return a.Less(b)
	})
	return out
}

// CommitInfo describes a successful commit.
type CommitInfo struct {
	Timestamp int64
	// Mappings maps the temporary ids of new objects to their persistent ids.
	Mappings ident.Mapping
	New      int
	Changed  int
	Detached int
}

// Pending reports whether the transaction holds uncommitted changes.
func (v *View) Pending() bool {
	defer v.enter()()
	return v.txn.pending()
}

// Commit sends the pending changes to the repository. On failure every pending change is kept.
func (v *View) Commit(ctx context.Context) (CommitInfo, error) {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return CommitInfo{}, err
	}
	if v.mode == ReadOnly {
		return CommitInfo{}, gerrors.ErrNoPermission.New("view is read-only")
	}
	ctx, span := tracer.Start(ctx, "view.Commit", trace.WithAttributes(attribute.String("branch", v.point.Branch)))
	defer span.End()

	if !v.txn.pending() {
		return CommitInfo{Timestamp: v.lastApplied()}, nil
	}
	for _, h := range sorted(v.txn.dirty) {
		if h.state == fsm.Conflict || h.state == fsm.InvalidConflict {
			recordCommit(ctx, "conflict")
			return CommitInfo{}, gerrors.ErrConflictDetected.New(h.String())
		}
	}
	if err := v.checkDangling(); err != nil {
		recordCommit(ctx, "dangling")
		return CommitInfo{}, err
	}

	req := repo.CommitRequest{
		ViewID:       v.id,
		Branch:       v.point.Branch,
		Author:       v.opts.Author,
		ReleaseLocks: v.opts.AutoReleaseLocks,
	}
	news := sorted(v.txn.new)
	dirty := sorted(v.txn.dirty)
	detached := sorted(v.txn.detached)
	for _, h := range news {
		req.New = append(req.New, h.rev.Clone())
	}
	for _, h := range dirty {
		req.Deltas = append(req.Deltas, h.delta.Clone())
	}
	for _, h := range detached {
		req.Detached = append(req.Detached, h.baseline.Key())
	}

	start := time.Now()
	res, err := v.repo.Commit(ctx, req)
	if err != nil {
		recordCommit(ctx, "rejected")
		span.RecordError(err)
		v.log.WithError(err).Warn("commit rejected")
		return CommitInfo{}, fmt.Errorf("commit: %w", err)
	}

	// Locally locked new objects are locked at the repository once they have persistent ids.
	var relock []revision.Key
	var relockTypes []locks.Type
	for _, h := range news {
		if v.opts.AutoReleaseLocks {
			continue
		}
		switch {
		case v.locks.IsLocked(h.id, locks.Write, false):
			relock, relockTypes = append(relock, revision.Key{ID: res.Mappings.Lookup(h.id)}), append(relockTypes, locks.Write)
		case v.locks.IsLocked(h.id, locks.Read, false):
			relock, relockTypes = append(relock, revision.Key{ID: res.Mappings.Lookup(h.id)}), append(relockTypes, locks.Read)
		}
	}

	if err := v.remap(res.Mappings); err != nil {
		v.log.WithError(err).Error("remap after commit")
		return CommitInfo{}, err
	}
	st := &stamp{branch: v.point.Branch, ts: res.Timestamp, versions: res.Versions, mapping: res.Mappings}
	for _, h := range append(news, dirty...) {
		if err := v.fire(ctx, h, fsm.Commit, &step{commit: st}); err != nil {
			v.log.WithError(err).WithField("handle", h.String()).Error("commit handle")
		}
	}
	for _, h := range detached {
		h.formerID, h.baseline = ident.NullID, nil
	}

	changed := v.locks.Update(res.LockStates)
	for _, h := range news {
		if !v.opts.AutoReleaseLocks {
			continue
		}
		v.locks.Forget(h.id)
	}
	for i, k := range relock {
		v.locks.Forget(k.ID)
		lr, err := v.repo.Lock(ctx, repo.LockRequest{
			ViewID: v.id, Branch: v.point.Branch, Keys: []revision.Key{k}, Type: relockTypes[i], Timeout: 0,
		})
		if err != nil {
			v.log.WithError(err).WithField("id", k.ID).Warn("lock committed object")
			continue
		}
		changed = append(changed, v.locks.Update(lr.States)...)
	}
	if len(changed) > 0 {
		tracker := v.locks
		v.later(func() { tracker.Dispatch(changed) })
	}

	if res.Timestamp > v.committed {
		v.committed = res.Timestamp
	}
	v.cond.Broadcast()
	v.txn = newTxn()

	info := CommitInfo{
		Timestamp: res.Timestamp,
		Mappings:  res.Mappings,
		New:       len(news),
		Changed:   len(dirty),
		Detached:  len(detached),
	}
	recordCommit(ctx, "ok")
	v.log.WithFields(logrus.Fields{
		"timestamp": info.Timestamp,
		"new":       info.New,
		"changed":   info.Changed,
		"detached":  info.Detached,
		"took":      time.Since(start),
	}).Info("committed")
	return info, nil
}

// checkDangling fails when a pending revision references an object deleted in this
// transaction, or a temporary object that was never attached.
func (v *View) checkDangling() error {
	check := func(from ident.ID, r *revision.Revision) error {
		refs := r.References()
		if c := r.Container(); !c.IsNull() {
			refs = append(refs, c)
		}
		for _, to := range refs {
			if to.IsNull() {
				return gerrors.ErrDanglingReference.New(from, "a transient object")
			}
			if _, ok := v.txn.detached[to]; ok {
				return gerrors.ErrDanglingReference.New(from, to)
			}
			if to.IsTemporary() {
				if _, ok := v.txn.new[to]; !ok {
					return gerrors.ErrDanglingReference.New(from, to)
				}
			}
		}
		return nil
	}
	for _, h := range sorted(v.txn.new) {
		if err := check(h.id, h.rev); err != nil {
			return err
		}
	}
	for _, h := range sorted(v.txn.dirty) {
		if err := check(h.id, h.rev); err != nil {
			return err
		}
	}
	return nil
}

// remap renames temporary ids everywhere the view keeps them. Unfrozen revisions are rewritten
// by the Commit transition itself.
func (v *View) remap(m ident.Mapping) error {
	if len(m) == 0 {
		return nil
	}
	if err := v.handles.remap(m); err != nil {
		return err
	}
	next := make(map[ident.ID]*Handle, len(v.txn.new))
	for _, h := range v.txn.new {
		next[h.id] = h
	}
	v.txn.new = next
	for _, h := range v.txn.dirty {
		h.delta.Remap(m)
	}
	v.locks.Remap(m)
	for old, id := range m {
		if ls, ok := v.listeners[old]; ok {
			delete(v.listeners, old)
			v.listeners[id] = ls
		}
	}
	return nil
}

// Rollback discards every pending change.
func (v *View) Rollback(ctx context.Context) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if v.mode == ReadOnly {
		return gerrors.ErrNoPermission.New("view is read-only")
	}
	n := len(v.txn.new) + len(v.txn.dirty) + len(v.txn.detached)
	v.revert(ctx, v.txn.new, v.txn.dirty, v.txn.detached)
	v.txn = newTxn()
	recordRollback(ctx)
	v.log.WithField("discarded", n).Info("rolled back")
	return nil
}

// revert undoes the given pending handles: new ones become transient, changed ones proxies and
// detached ones proxies under their former id.
func (v *View) revert(ctx context.Context, news, dirty, detached map[ident.ID]*Handle) {
	for _, h := range sorted(news) {
		if h.state != fsm.New {
			continue
		}
		if err := v.fire(ctx, h, fsm.Detach, &step{shallow: true}); err != nil {
			v.log.WithError(err).WithField("handle", h.String()).Error("rollback new object")
		}
	}
	for _, h := range sorted(dirty) {
		if err := v.fire(ctx, h, fsm.Rollback, &step{}); err != nil {
			v.log.WithError(err).WithField("handle", h.String()).Error("rollback changed object")
		}
		delete(v.txn.dirty, h.id)
	}
	for id, h := range detached {
		if v.txn.detached[id] != h {
			continue
		}
		h.pendingKey = h.baseline.Key()
		h.id, h.formerID = id, ident.NullID
		h.shadow, h.kids, h.baseline = nil, nil, nil
		h.state = fsm.Proxy
		if err := v.handles.register(h); err != nil {
			v.log.WithError(err).WithField("id", id).Warn("restore detached object")
		}
		delete(v.txn.detached, id)
	}
}

// Savepoint identifies a snapshot taken with SetSavepoint.
type Savepoint int

// snapshot is the transaction state at a savepoint.
type snapshot struct {
	news, dirty, detached map[ident.ID]*Handle
	handles               map[*Handle]handleState
}

type handleState struct {
	id         ident.ID
	state      fsm.State
	rev, base  *revision.Revision
	delta      *revision.Delta
	shadow     *revision.Revision
	kids       map[string][]*Handle
	formerID   ident.ID
	baseline   *revision.Revision
	pendingKey revision.Key
	registered bool
}

func copyMap(m map[ident.ID]*Handle) map[ident.ID]*Handle {
	out := make(map[ident.ID]*Handle, len(m))
	for k, h := range m {
		out[k] = h
	}
	return out
}

func cloneRev(r *revision.Revision) *revision.Revision {
	if r == nil || r.Frozen() {
		return r
	}
	return r.Clone()
}

func (v *View) capture(h *Handle, into map[*Handle]handleState) {
	if _, ok := into[h]; ok {
		return
	}
	s := handleState{
		id: h.id, state: h.state,
		rev: cloneRev(h.rev), base: h.base, shadow: cloneRev(h.shadow),
		formerID: h.formerID, baseline: h.baseline, pendingKey: h.pendingKey,
	}
	if h.delta != nil {
		s.delta = h.delta.Clone()
	}
	if h.kids != nil {
		s.kids = make(map[string][]*Handle, len(h.kids))
		for f, ks := range h.kids {
			s.kids[f] = append([]*Handle(nil), ks...)
		}
	}
	if reg, ok := v.handles.get(h.id); ok && reg == h {
		s.registered = true
	}
	into[h] = s
	for _, ks := range h.kids {
		for _, k := range ks {
			v.capture(k, into)
		}
	}
}

func (v *View) snapshot() *snapshot {
	s := &snapshot{
		news: copyMap(v.txn.new), dirty: copyMap(v.txn.dirty), detached: copyMap(v.txn.detached),
		handles: make(map[*Handle]handleState),
	}
	for _, m := range []map[ident.ID]*Handle{v.txn.new, v.txn.dirty, v.txn.detached} {
		for _, h := range m {
			v.capture(h, s.handles)
		}
	}
	return s
}

// SetSavepoint records the current transaction state.
func (v *View) SetSavepoint() Savepoint {
	defer v.enter()()
	v.txn.savepoints = append(v.txn.savepoints, v.snapshot())
	return Savepoint(len(v.txn.savepoints) - 1)
}

// RollbackToSavepoint restores the transaction state recorded by sp. Later savepoints are
// discarded; sp stays valid. Handles that became conflicting or were removed remotely since
// sp keep that state.
func (v *View) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if int(sp) < 0 || int(sp) >= len(v.txn.savepoints) {
		return fmt.Errorf("rollback to savepoint %d: no such savepoint", sp)
	}
	snap := v.txn.savepoints[sp]

	// Undo what happened after the savepoint to handles it does not know.
	news, dirty, detached := map[ident.ID]*Handle{}, map[ident.ID]*Handle{}, map[ident.ID]*Handle{}
	for id, h := range v.txn.new {
		if _, ok := snap.handles[h]; !ok {
			news[id] = h
		}
	}
	for id, h := range v.txn.dirty {
		if _, ok := snap.handles[h]; !ok {
			dirty[id] = h
		}
	}
	for id, h := range v.txn.detached {
		if _, ok := snap.handles[h]; !ok {
			detached[id] = h
		}
	}
	v.revert(ctx, news, dirty, detached)

	remote := func(h *Handle) bool {
		return h.state == fsm.Conflict || h.state.IsInvalid()
	}
	for h := range snap.handles {
		if !remote(h) {
			v.handles.deregister(h)
		}
	}
	for h, s := range snap.handles {
		if remote(h) {
			continue
		}
		h.id, h.state = s.id, s.state
		h.rev, h.base, h.shadow = cloneRev(s.rev), s.base, cloneRev(s.shadow)
		h.delta = nil
		if s.delta != nil {
			h.delta = s.delta.Clone()
		}
		h.kids = nil
		if s.kids != nil {
			h.kids = make(map[string][]*Handle, len(s.kids))
			for f, ks := range s.kids {
				h.kids[f] = append([]*Handle(nil), ks...)
			}
		}
		h.formerID, h.baseline, h.pendingKey = s.formerID, s.baseline, s.pendingKey
		if s.registered {
			if err := v.handles.register(h); err != nil {
				v.log.WithError(err).WithField("handle", h.String()).Error("restore savepoint")
			}
		}
	}

	v.txn.new, v.txn.dirty, v.txn.detached = copyMap(snap.news), copyMap(snap.dirty), copyMap(snap.detached)
	for id, h := range v.txn.dirty {
		if h.state.IsInvalid() && h.state != fsm.InvalidConflict {
			delete(v.txn.dirty, id)
		}
	}
	v.txn.savepoints = v.txn.savepoints[:sp+1]
	v.log.WithField("savepoint", int(sp)).Debug("rolled back to savepoint")
	return nil
}
