package view

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// editFunc applies one edit to a mutable revision and describes it.
type editFunc func(r *revision.Revision) (revision.FeatureDelta, error)

// step carries the inputs of one event.
type step struct {
	edit editFunc

	// container and field place an attached or re-attached object.
	container ident.ID
	field     string
	// shallow detaches one handle without walking its children.
	shallow bool

	// key, incoming and delta describe a remote revision for Invalidate.
	key      revision.Key
	incoming *revision.Revision
	delta    *revision.Delta
	forced   bool
	out      *applied

	commit *stamp

	// work and diff are computed for Reattach.
	work *revision.Revision
	diff *revision.Delta
}

// stamp holds the commit coordinates handed out by the repository.
type stamp struct {
	branch   string
	ts       int64
	versions map[ident.ID]int
	mapping  ident.Mapping
}

// applied collects what one invalidation run produced for delivery after unlock.
type applied struct {
	conflicts []Conflict
	changes   []Change
}

// facts builds the transition context for e on h.
func (v *View) facts(h *Handle, e fsm.Event, s *step) (fsm.Context, error) {
	var c fsm.Context
	switch e {
	case fsm.Write:
		c.Writable = v.writable() && h.rev != nil && h.rev.Writable()
	case fsm.Reattach:
		work, err := v.populate(h, h.formerID, s.container, s.field)
		if err != nil {
			return c, err
		}
		d, err := revision.Diff(h.baseline, work)
		if err != nil {
			return c, err
		}
		s.work, s.diff = work, d
		c.DeltaEmpty = d.IsEmpty()
	case fsm.Invalidate:
		local := h.key()
		c.IncomingVersion = s.key.Version
		c.LocalVersion = local.Version
		c.Forced = s.forced || (local.Version > 0 && local.Branch != s.key.Branch)
		c.Cached = s.incoming != nil
	}
	return c, nil
}

// fire drives h through event e and carries out the transition's effects.
func (v *View) fire(ctx context.Context, h *Handle, e fsm.Event, s *step) error {
	c, err := v.facts(h, e, s)
	if err != nil {
		return err
	}
	t, err := fsm.Apply(h.state, e, c)
	if err != nil {
		if t.Effects.Has(fsm.InvokeInvalidPolicy) {
			policy := v.opts.Policy
			v.later(func() { policy.Invalid(h, e) })
		}
		if gerrors.Is(err, gerrors.ErrIllegalTransition) {
			v.log.WithError(err).WithField("handle", h.String()).Error("illegal transition")
		}
		return err
	}
	if !t.Changed() {
		return nil
	}
	if v.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		v.log.WithField("id", h.id).Trace(t.String())
	}

	switch {
	case t.Effects.Has(fsm.LoadRevision):
		if err := v.loadInto(ctx, h); err != nil {
			return err
		}
		if t.Effects.Has(fsm.ReenterEvent) {
			return v.fire(ctx, h, e, s)
		}
		return nil
	case e == fsm.Prepare:
		return v.onPrepare(ctx, h, t)
	case e == fsm.Attach:
		return v.onAttach(ctx, h, t, s)
	case e == fsm.Reattach:
		return v.onReattach(ctx, h, t, s)
	case e == fsm.Detach:
		return v.onDetach(ctx, h, t, s)
	case e == fsm.Write:
		return v.onWrite(h, t, s)
	case e == fsm.Invalidate:
		v.onInvalidate(ctx, h, t, s)
		return nil
	case e == fsm.DetachRemote:
		v.onDetachRemote(h, t, s)
		return nil
	case e == fsm.Commit:
		return v.onCommit(h, t, s)
	case e == fsm.Rollback:
		v.onRollback(h, t)
		return nil
	}
	h.state = t.To
	return nil
}

// loadInto loads the revision of a proxy. A missing object is removed remotely.
func (v *View) loadInto(ctx context.Context, h *Handle) error {
	r, err := v.load(ctx, h)
	if err != nil {
		return err
	}
	if r == nil {
		if err := v.fire(ctx, h, fsm.DetachRemote, &step{}); err != nil {
			return err
		}
		return gerrors.ErrObjectNotFound.New(h.id.String())
	}
	if h.class == nil {
		c, err := v.class(r.Class())
		if err != nil {
			return err
		}
		h.class = c
	}
	h.rev = r
	h.pendingKey = revision.Key{}
	h.state = fsm.Clean
	return nil
}

// populate builds the content of an attached object from its shadow and transient children.
func (v *View) populate(h *Handle, id, container ident.ID, field string) (*revision.Revision, error) {
	r := h.shadow.Clone()
	if err := r.SetID(id); err != nil {
		return nil, err
	}
	for _, f := range h.class.Containments() {
		for i, kid := range h.kids[f.Name] {
			kidID := kid.id
			if kidID.IsNull() {
				kidID = kid.formerID
			}
			if err := r.Add(f.Name, i, revision.Ref(kidID)); err != nil {
				return nil, err
			}
		}
	}
	if _, _, err := r.SetContainer(container, field); err != nil {
		return nil, err
	}
	return r, nil
}

func (v *View) onPrepare(ctx context.Context, h *Handle, t fsm.Transition) error {
	if t.Effects.Has(fsm.AllocateID) {
		h.id = v.alloc.NewTemporary()
	}
	if t.Effects.Has(fsm.AllocateRevision) {
		h.rev = revision.New(h.class, h.id)
	}
	if t.Effects.Has(fsm.PrepareChildren) {
		for _, kid := range h.kidList() {
			if v.isReattach(kid) {
				continue
			}
			if err := v.fire(ctx, kid, fsm.Prepare, &step{}); err != nil {
				return err
			}
		}
	}
	if t.Effects.Has(fsm.Register) {
		if err := v.handles.register(h); err != nil {
			return err
		}
	}
	h.state = t.To
	h.lastAccess = v.opts.Now()
	return nil
}

func (v *View) onAttach(ctx context.Context, h *Handle, t fsm.Transition, s *step) error {
	if t.Effects.Has(fsm.PopulateRevision) {
		r, err := v.populate(h, h.id, s.container, s.field)
		if err != nil {
			return err
		}
		h.rev = r
	}
	kids := h.kids
	if t.Effects.Has(fsm.ClearShadow) {
		h.shadow, h.kids = nil, nil
	}
	h.state = t.To
	v.txn.new[h.id] = h
	return v.attachKids(ctx, h, kids)
}

// attachKids attaches the transient children of a freshly attached or re-attached object.
func (v *View) attachKids(ctx context.Context, h *Handle, kids map[string][]*Handle) error {
	for _, f := range h.class.Containments() {
		for _, kid := range kids[f.Name] {
			var err error
			if kid.state == fsm.Prepared {
				err = v.fire(ctx, kid, fsm.Attach, &step{container: h.id, field: f.Name})
			} else {
				err = v.attachTree(ctx, kid, h.id, f.Name)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *View) onReattach(ctx context.Context, h *Handle, t fsm.Transition, s *step) error {
	id := h.formerID
	if t.Effects.Has(fsm.RestoreID) {
		h.id = id
		h.formerID = ident.NullID
	}
	if t.Effects.Has(fsm.Register) {
		if err := v.handles.register(h); err != nil {
			return err
		}
	}
	kids := h.kids
	if t.Effects.Has(fsm.ClearShadow) {
		h.shadow, h.kids = nil, nil
	}
	if t.Effects.Has(fsm.RecordDelta) {
		h.base, h.rev, h.delta = h.baseline, s.work, s.diff
		v.txn.dirty[id] = h
	} else {
		h.rev = h.baseline
	}
	h.baseline = nil
	h.state = t.To
	delete(v.txn.detached, id)
	if t.Effects.Has(fsm.CancelSelfReferences) {
		v.cancelSelfReferences(id)
	}
	return v.attachKids(ctx, h, kids)
}

// cancelSelfReferences drops edits that re-assigned a reference to id while the object was
// detached. Handles left without edits collapse to clean.
func (v *View) cancelSelfReferences(id ident.ID) {
	for _, h := range v.txn.dirty {
		if h.delta == nil {
			continue
		}
		h.delta.Filter(func(fd revision.FeatureDelta) bool {
			return !(fd.Kind == revision.SetDelta && fd.Old.References(id) && fd.Value.References(id))
		})
		v.collapse(h)
	}
}

// collapse turns a dirty handle whose content equals its base back into a clean one.
func (v *View) collapse(h *Handle) {
	if h.state != fsm.Dirty || h.base == nil {
		return
	}
	if !h.delta.IsEmpty() && !revision.EqualContent(h.rev, h.base) {
		return
	}
	h.rev, h.base, h.delta = h.base, nil, nil
	h.state = fsm.Clean
	delete(v.txn.dirty, h.id)
}

func (v *View) onDetach(ctx context.Context, h *Handle, t fsm.Transition, s *step) error {
	if t.Effects.Has(fsm.DetachChildren) && !s.shallow {
		kids := make(map[string][]*Handle)
		for _, f := range h.class.Containments() {
			values, err := h.rev.List(f.Name)
			if err != nil {
				return err
			}
			for _, val := range values {
				id, ok := val.AsRef()
				if !ok {
					continue
				}
				kid, err := v.get(ctx, id, true)
				if err != nil {
					if gerrors.Is(err, gerrors.ErrObjectNotFound) {
						continue
					}
					return err
				}
				if err := v.fire(ctx, kid, fsm.Detach, &step{}); err != nil {
					return err
				}
				kids[f.Name] = append(kids[f.Name], kid)
			}
		}
		h.kids = kids
	}
	if t.Effects.Has(fsm.Deregister) {
		v.handles.deregister(h)
		delete(v.txn.new, h.id)
		delete(v.txn.dirty, h.id)
	}
	if t.Effects.Has(fsm.ClearHandle) {
		if h.shadow == nil && h.rev != nil {
			shadow := h.rev.Clone()
			for _, f := range h.class.Containments() {
				if _, err := shadow.Clear(f.Name); err != nil {
					return err
				}
			}
			if _, _, err := shadow.SetContainer(ident.NullID, ""); err != nil {
				return err
			}
			h.shadow = shadow
		}
		if h.id.IsPersistent() {
			h.formerID = h.id
			h.baseline = h.clean()
			v.txn.detached[h.id] = h
		} else {
			v.locks.Forget(h.id)
		}
		h.id = ident.NullID
		h.rev, h.base, h.delta = nil, nil, nil
	}
	h.state = t.To
	return nil
}

func (v *View) onWrite(h *Handle, t fsm.Transition, s *step) error {
	if !t.Effects.Has(fsm.RecordDelta) {
		h.state = t.To
		return nil
	}
	if h.state == fsm.New {
		_, err := s.edit(h.rev)
		return err
	}
	if t.Effects.Has(fsm.CloneRevision) {
		work := h.rev.Clone()
		fd, err := s.edit(work)
		if err != nil {
			return err
		}
		h.base, h.rev = h.rev, work
		h.delta = revision.NewDelta(h.base.Key())
		h.delta.Record(fd)
		h.state = t.To
		v.txn.dirty[h.id] = h
		v.collapse(h)
		return nil
	}
	fd, err := s.edit(h.rev)
	if err != nil {
		return err
	}
	h.delta.Record(fd)
	h.state = t.To
	v.collapse(h)
	return nil
}

func (v *View) onInvalidate(ctx context.Context, h *Handle, t fsm.Transition, s *step) {
	change := Change{ID: h.id, Key: s.key}
	if s.delta != nil {
		change.Deltas = s.delta.Deltas
	}
	if t.Effects.Has(fsm.AdoptRevision) {
		h.rev = s.incoming
	}
	if t.Effects.Has(fsm.ResetToProxy) {
		h.rev = nil
		h.pendingKey = s.key
	}
	if t.Effects.Has(fsm.UpdatePendingKey) {
		h.pendingKey = s.key
	}
	if t.Effects.Has(fsm.InvokeStalePolicy) {
		policy := v.opts.Policy
		v.later(func() { policy.Stale(h) })
	}
	if t.Effects.Has(fsm.RecordConflict) && s.out != nil {
		s.out.conflicts = append(s.out.conflicts, Conflict{Handle: h, Old: h.base, Incoming: s.key, Delta: s.delta})
	}
	h.state = t.To
	recordInvalidation(ctx, t.To.String())
	// Listeners hear about content they can read; proxies and conflicts go to the policies.
	if s.out != nil && t.To == fsm.Clean {
		s.out.changes = append(s.out.changes, change)
	}
}

func (v *View) onDetachRemote(h *Handle, t fsm.Transition, s *step) {
	if t.Effects.Has(fsm.Deregister) {
		v.handles.deregister(h)
	}
	if t.Effects.Has(fsm.InvokeRemovedPolicy) {
		policy := v.opts.Policy
		v.later(func() { policy.Removed(h) })
	}
	if t.Effects.Has(fsm.RecordConflict) && s.out != nil {
		s.out.conflicts = append(s.out.conflicts, Conflict{Handle: h, Old: h.base, Removed: true})
	}
	h.state = t.To
	if s.out != nil {
		s.out.changes = append(s.out.changes, Change{ID: h.id, Removed: true})
	}
}

func (v *View) onCommit(h *Handle, t fsm.Transition, s *step) error {
	st := s.commit
	if t.Effects.Has(fsm.RemapID) || t.Effects.Has(fsm.ApplyRewrites) {
		if err := h.rev.Remap(st.mapping); err != nil {
			return err
		}
	}
	if t.Effects.Has(fsm.StampRevision) {
		if err := h.rev.Stamp(st.branch, st.versions[h.id], st.ts); err != nil {
			return err
		}
	}
	if t.Effects.Has(fsm.FreezeRevision) {
		h.rev.Freeze()
	}
	if t.Effects.Has(fsm.RegisterRevision) {
		v.revs.Put(h.rev)
	}
	h.base, h.delta = nil, nil
	h.state = t.To
	return nil
}

func (v *View) onRollback(h *Handle, t fsm.Transition) {
	if t.Effects.Has(fsm.DiscardPending) {
		h.pendingKey = h.key()
		h.rev, h.base, h.delta = nil, nil, nil
	}
	h.state = t.To
}
