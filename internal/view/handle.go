package view

import (
	"context"
	"fmt"
	"time"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Handle is the client-side proxy of one graph object. A handle belongs to the view that made
// it for its whole life; every method takes that view's mutex.
type Handle struct {
	owner *View
	id    ident.ID
	class *model.Class
	state fsm.State

	// rev is frozen while clean. New and dirty handles hold a private working copy.
	rev *revision.Revision
	// base is the clean revision a dirty handle's delta applies to.
	base  *revision.Revision
	delta *revision.Delta

	// shadow holds the working values while transient; contained children live in kids.
	shadow *revision.Revision
	kids   map[string][]*Handle
	// formerID and baseline remember a persistent object detached in the current transaction.
	formerID ident.ID
	baseline *revision.Revision
	// pendingKey is the revision a proxy expects to load.
	pendingKey revision.Key

	refs       int
	pinned     bool
	evicted    bool
	lastAccess time.Time
	// revisedAt is when a historical view learned that the object changed after its point.
	revisedAt int64
}

func (h *Handle) String() string {
	name := "?"
	if h.class != nil {
		name = h.class.Name
	}
	if h.id.IsNull() {
		return fmt.Sprintf("%s(transient %s)", name, h.state)
	}
	return fmt.Sprintf("%s(%s %s)", name, h.id, h.state)
}

func (h *Handle) lock() func() {
	h.owner.mu.Lock()
	return h.owner.mu.Unlock
}

func (h *Handle) ID() ident.ID {
	defer h.lock()()
	return h.id
}

func (h *Handle) State() fsm.State {
	defer h.lock()()
	return h.state
}

func (h *Handle) Class() *model.Class { return h.class }

// View returns the owning view, or nil while the handle is transient.
func (h *Handle) View() *View {
	defer h.lock()()
	if h.state == fsm.Transient {
		return nil
	}
	return h.owner
}

// Revision returns the revision currently backing h: the clean revision, the working copy of a
// pending handle, or nil for proxies and transient handles.
func (h *Handle) Revision() *revision.Revision {
	defer h.lock()()
	return h.rev
}

// Base returns the clean revision a dirty handle's pending delta is based on.
func (h *Handle) Base() *revision.Revision {
	defer h.lock()()
	if h.base != nil {
		return h.base
	}
	if h.state == fsm.Clean {
		return h.rev
	}
	return nil
}

// Delta returns a copy of the pending delta of a dirty handle.
func (h *Handle) Delta() *revision.Delta {
	defer h.lock()()
	if h.delta == nil {
		return nil
	}
	return h.delta.Clone()
}

// RevisedAt returns the timestamp at which a historical view saw the object change, or 0.
func (h *Handle) RevisedAt() int64 {
	defer h.lock()()
	return h.revisedAt
}

// Pin keeps h in the handle cache regardless of the eviction policy.
func (h *Handle) Pin() {
	defer h.lock()()
	h.pinned = true
}

func (h *Handle) Unpin() {
	defer h.lock()()
	h.pinned = false
}

// Retain adds a reference for the RefCounted policy.
func (h *Handle) Retain() {
	defer h.lock()()
	h.refs++
}

// Release drops a reference. Under RefCounted the handle is evicted when the count reaches zero.
func (h *Handle) Release() {
	defer h.lock()()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 {
		h.owner.handles.evict(h, h.owner.opts.Now())
	}
}

// key returns the revision key h is consistent with.
func (h *Handle) key() revision.Key {
	switch {
	case h.base != nil:
		return h.base.Key()
	case h.rev != nil:
		return h.rev.Key()
	default:
		return h.pendingKey
	}
}

// clean returns the last clean revision of h.
func (h *Handle) clean() *revision.Revision {
	if h.base != nil {
		return h.base
	}
	if h.state == fsm.Clean {
		return h.rev
	}
	return nil
}

// content returns the revision reads are served from, loading proxies.
func (h *Handle) content(ctx context.Context) (*revision.Revision, error) {
	v := h.owner
	if h.state == fsm.Transient {
		return h.shadow, nil
	}
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	h = v.live(h)
	if err := v.fire(ctx, h, fsm.Read, &step{}); err != nil {
		return nil, err
	}
	v.touch(h)
	return h.rev, nil
}

func (h *Handle) feature(name string) (model.Feature, error) {
	if h.class == nil {
		return model.Feature{}, gerrors.ErrObjectNotFound.New(h.id.String())
	}
	return h.class.Feature(name)
}

// Get returns the value of a single-valued feature.
func (h *Handle) Get(ctx context.Context, feature string) (revision.Value, error) {
	defer h.owner.enter()()
	r, err := h.content(ctx)
	if err != nil {
		return revision.Null, err
	}
	return r.Get(feature)
}

// List returns the values of a feature.
func (h *Handle) List(ctx context.Context, feature string) ([]revision.Value, error) {
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		if kids, ok := h.kids[feature]; ok {
			out := make([]revision.Value, 0, len(kids))
			for _, k := range kids {
				out = append(out, revision.Ref(k.id))
			}
			return out, nil
		}
	}
	r, err := h.content(ctx)
	if err != nil {
		return nil, err
	}
	return r.List(feature)
}

// Set assigns a single-valued feature. Null unsets it.
func (h *Handle) Set(ctx context.Context, feature string, v revision.Value) error {
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		old, err := r.Set(feature, -1, v)
		return revision.FeatureDelta{Kind: revision.SetDelta, Feature: feature, Index: -1, Value: v, Old: old}, err
	})
}

// SetAt replaces the list element at index.
func (h *Handle) SetAt(ctx context.Context, feature string, index int, v revision.Value) error {
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		old, err := r.Set(feature, index, v)
		return revision.FeatureDelta{Kind: revision.SetDelta, Feature: feature, Index: index, Value: v, Old: old}, err
	})
}

// Unset clears a feature.
func (h *Handle) Unset(ctx context.Context, feature string) error {
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		many, err := r.IsMany(feature)
		if err != nil {
			return revision.FeatureDelta{}, err
		}
		idx := -1
		if many {
			idx = 0
		}
		old, err := r.Unset(feature)
		return revision.FeatureDelta{Kind: revision.UnsetDelta, Feature: feature, Index: idx, OldList: old}, err
	})
}

// Add appends v to a list feature.
func (h *Handle) Add(ctx context.Context, feature string, v revision.Value) error {
	return h.Insert(ctx, feature, -1, v)
}

// Insert adds v to a list feature at index; -1 appends.
func (h *Handle) Insert(ctx context.Context, feature string, index int, v revision.Value) error {
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		at := index
		if at < 0 {
			values, err := r.List(feature)
			if err != nil {
				return revision.FeatureDelta{}, err
			}
			at = len(values)
		}
		err := r.Add(feature, at, v)
		return revision.FeatureDelta{Kind: revision.AddDelta, Feature: feature, Index: at, Value: v}, err
	})
}

// Move relocates a list element.
func (h *Handle) Move(ctx context.Context, feature string, from, to int) error {
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		v, err := r.Move(feature, from, to)
		return revision.FeatureDelta{Kind: revision.MoveDelta, Feature: feature, From: from, Index: to, Value: v}, err
	})
}

// Remove deletes the list element at index. Removing from a containment feature detaches the
// child together with everything it contains.
func (h *Handle) Remove(ctx context.Context, feature string, index int) error {
	f, err := h.feature(feature)
	if err != nil {
		return err
	}
	if f.Kind != model.Containment {
		return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
			v, err := r.Remove(feature, index)
			return revision.FeatureDelta{Kind: revision.RemoveDelta, Feature: feature, Index: index, Value: v}, err
		})
	}
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		kids := h.kids[feature]
		if index < 0 || index >= len(kids) {
			return gerrors.ErrIndexOutOfRange.New(index, feature, len(kids))
		}
		h.kids[feature] = append(kids[:index:index], kids[index+1:]...)
		return nil
	}
	r, err := h.content(ctx)
	if err != nil {
		return err
	}
	values, err := r.List(feature)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(values) {
		return gerrors.ErrIndexOutOfRange.New(index, feature, len(values))
	}
	id, _ := values[index].AsRef()
	child, err := h.owner.get(ctx, id, true)
	if err != nil {
		return err
	}
	return h.owner.delete(ctx, child)
}

// Clear empties a feature. Clearing a containment feature detaches every child.
func (h *Handle) Clear(ctx context.Context, feature string) error {
	f, err := h.feature(feature)
	if err != nil {
		return err
	}
	if f.Kind == model.Containment {
		n, err := h.countChildren(ctx, feature)
		if err != nil {
			return err
		}
		for i := n - 1; i >= 0; i-- {
			if err := h.Remove(ctx, feature, i); err != nil {
				return err
			}
		}
		return nil
	}
	return h.edit(ctx, feature, func(r *revision.Revision) (revision.FeatureDelta, error) {
		many, err := r.IsMany(feature)
		if err != nil {
			return revision.FeatureDelta{}, err
		}
		idx := 0
		if !many {
			idx = -1
		}
		old, err := r.Clear(feature)
		return revision.FeatureDelta{Kind: revision.ClearDelta, Feature: feature, Index: idx, OldList: old}, err
	})
}

func (h *Handle) countChildren(ctx context.Context, feature string) (int, error) {
	values, err := h.List(ctx, feature)
	return len(values), err
}

// edit applies a non-containment write.
func (h *Handle) edit(ctx context.Context, feature string, fn editFunc) error {
	f, err := h.feature(feature)
	if err != nil {
		return err
	}
	if f.Kind == model.Containment {
		return fmt.Errorf("feature %q of %s is a containment: use AddChild and Remove", feature, h.class.Name)
	}
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		_, err := fn(h.shadow)
		return err
	}
	return h.owner.write(ctx, h, fn)
}

// AddChild inserts child into a containment feature at index (-1 appends). A transient child
// is attached, or re-attached when it was detached earlier in the transaction. An attached
// child is moved out of its current container.
func (h *Handle) AddChild(ctx context.Context, feature string, index int, child *Handle) error {
	f, err := h.feature(feature)
	if err != nil {
		return err
	}
	if f.Kind != model.Containment {
		return fmt.Errorf("feature %q of %s is not a containment", feature, h.class.Name)
	}
	if child.owner != h.owner {
		return fmt.Errorf("add child: %s belongs to another view", child)
	}
	if child == h {
		return fmt.Errorf("add child: %s cannot contain itself", h)
	}
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		if child.state != fsm.Transient {
			return fmt.Errorf("add child: %s is attached and %s is transient", child, h)
		}
		if h.kids == nil {
			h.kids = make(map[string][]*Handle)
		}
		kids := h.kids[feature]
		if index < 0 || index > len(kids) {
			index = len(kids)
		}
		kids = append(kids, nil)
		copy(kids[index+1:], kids[index:])
		kids[index] = child
		h.kids[feature] = kids
		return nil
	}
	return h.owner.addChild(ctx, h, feature, index, child)
}

// Children returns the handles contained in a containment feature.
func (h *Handle) Children(ctx context.Context, feature string) ([]*Handle, error) {
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		return append([]*Handle(nil), h.kids[feature]...), nil
	}
	r, err := h.content(ctx)
	if err != nil {
		return nil, err
	}
	values, err := r.List(feature)
	if err != nil {
		return nil, err
	}
	out := make([]*Handle, 0, len(values))
	for _, val := range values {
		id, ok := val.AsRef()
		if !ok {
			continue
		}
		c, err := h.owner.get(ctx, id, true)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Container returns the handle containing h, or nil for roots and transient handles.
func (h *Handle) Container(ctx context.Context) (*Handle, error) {
	defer h.owner.enter()()
	if h.state == fsm.Transient {
		return nil, nil
	}
	r, err := h.content(ctx)
	if err != nil {
		return nil, err
	}
	if r.Container().IsNull() {
		return nil, nil
	}
	return h.owner.get(ctx, r.Container(), true)
}

// Ref returns a reference value pointing at h.
func (h *Handle) Ref() revision.Value {
	defer h.lock()()
	return revision.Ref(h.id)
}
