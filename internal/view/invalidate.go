package view

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/invalidation"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// sink receives pushed changes from the repository.
type sink struct{ v *View }

func (s sink) Invalidate(b invalidation.Batch) {
	if err := s.v.pipeline.Push(context.Background(), b); err != nil {
		s.v.log.WithError(err).WithField("timestamp", b.Timestamp).Debug("batch not queued")
	}
}

// LockChanged folds lock changes made by other owners into the view's lock table. Listeners
// run after the view's mutex is released.
func (s sink) LockChanged(n locks.Notification) {
	v := s.v
	defer v.enter()()
	if v.closed {
		return
	}
	v.dispatchLater(v.locks.Handle(n))
}

// ApplyBatch applies one remote commit. It runs on the pipeline worker, in timestamp order.
func (v *View) ApplyBatch(b invalidation.Batch) {
	ctx := context.Background()
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, k := range b.Changed {
		v.revs.Supersede(k.ID, k.Branch, k.Version, b.Timestamp)
	}
	for _, id := range b.Detached {
		v.revs.Supersede(id, b.Branch, math.MaxInt, b.Timestamp)
	}

	var out applied
	switch {
	case b.Author == v.id:
	case b.Branch != v.point.Branch:
	case !v.point.IsLatest():
		for _, k := range b.Changed {
			if h, ok := v.handles.get(k.ID); ok && h.revisedAt == 0 {
				h.revisedAt = b.Timestamp
			}
		}
		for _, id := range b.Detached {
			if h, ok := v.handles.get(id); ok && h.revisedAt == 0 {
				h.revisedAt = b.Timestamp
			}
		}
	default:
		v.invalidate(ctx, b, &out, false)
	}

	if b.Timestamp > v.applied {
		v.applied = b.Timestamp
	}
	v.cond.Broadcast()
	if len(out.conflicts) > 0 {
		v.log.WithFields(logrus.Fields{"timestamp": b.Timestamp, "conflicts": len(out.conflicts)}).Warn("remote commit conflicts with local changes")
	}
	v.deliver(out)
}

// invalidate feeds the changed and detached objects of b to their cached handles.
func (v *View) invalidate(ctx context.Context, b invalidation.Batch, out *applied, forced bool) {
	for _, k := range b.Changed {
		h, ok := v.handles.get(k.ID)
		if !ok {
			continue
		}
		// The handle was loaded after this commit and already holds its revision.
		if c := h.clean(); !forced && c != nil && c.Key() == k && c.Timestamp() >= b.Timestamp {
			continue
		}
		d := b.Deltas[k.ID]
		s := &step{key: k, incoming: v.derive(h, k, d, b.Timestamp), delta: d, forced: forced, out: out}
		if err := v.fire(ctx, h, fsm.Invalidate, s); err != nil {
			v.log.WithError(err).WithField("id", k.ID).Warn("invalidate")
		}
	}
	for _, id := range b.Detached {
		h, ok := v.handles.get(id)
		if !ok {
			continue
		}
		if err := v.fire(ctx, h, fsm.DetachRemote, &step{out: out}); err != nil {
			v.log.WithError(err).WithField("id", id).Warn("remote detach")
		}
	}
}

// derive returns the incoming revision k, from the shared cache or by applying d to the
// handle's clean revision.
func (v *View) derive(h *Handle, k revision.Key, d *revision.Delta, ts int64) *revision.Revision {
	if r, ok := v.revs.Get(k); ok {
		return r
	}
	clean := h.clean()
	if clean == nil || d == nil || d.Base() != clean.Key() {
		return nil
	}
	next, err := d.ApplyTo(clean)
	if err != nil {
		v.log.WithError(err).WithField("key", k.String()).Debug("derive revision from delta")
		return nil
	}
	if err := next.Stamp(k.Branch, k.Version, ts); err != nil {
		return nil
	}
	next = next.Served(0, clean.Permission())
	v.revs.Put(next)
	return next
}

// deliver releases the view's mutex, runs queued policies, hands conflicts to the resolver in
// one call and then notifies listeners in batch order. The mutex must be held on entry.
func (v *View) deliver(out applied) {
	resolver := v.opts.Resolver
	type call struct {
		l Listener
		c Change
	}
	var calls []call
	for _, c := range out.changes {
		for _, l := range sortedListeners(v.listeners[c.ID]) {
			calls = append(calls, call{l, c})
		}
	}
	for range out.conflicts {
		recordConflict(context.Background())
	}
	v.leave()

	if resolver != nil && len(out.conflicts) > 0 {
		resolver(out.conflicts)
	}
	for _, c := range calls {
		c.l(c.c)
	}
}

func sortedListeners(m map[int]Listener) []Listener {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Listener, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// OnConflict replaces the conflict resolver.
func (v *View) OnConflict(r ConflictResolver) {
	defer v.enter()()
	v.opts.Resolver = r
}
