package view

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Lock takes a read or write lock on ids. New objects are locked locally; everything else goes
// to the repository in one request. timeout 0 fails immediately when a lock is held elsewhere
// and repo.NoTimeout waits until it is granted. On failure the local lock table is unchanged.
func (v *View) Lock(ctx context.Context, ids []ident.ID, typ locks.Type, timeout time.Duration, recursive bool) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "view.Lock", trace.WithAttributes(
		attribute.String("type", typ.String()), attribute.Int("objects", len(ids))))
	defer span.End()

	var keys []revision.Key
	var local []ident.ID
	for _, id := range ids {
		if h, ok := v.handles.get(id); ok && h.state == fsm.New {
			local = append(local, v.newSubtree(h, recursive)...)
			continue
		}
		if id.IsTemporary() {
			return gerrors.ErrObjectNotFound.New(id.String())
		}
		keys = append(keys, v.lockKey(id))
	}

	var changed []locks.State
	if len(keys) > 0 {
		start := time.Now()
		res, err := v.repo.Lock(ctx, repo.LockRequest{
			ViewID:    v.id,
			Branch:    v.point.Branch,
			Keys:      keys,
			Type:      typ,
			Recursive: recursive,
			Timeout:   timeout,
		})
		recordLockRequest(ctx, typ.String(), err == nil, time.Since(start))
		if err != nil {
			span.RecordError(err)
			v.log.WithError(err).WithField("objects", len(keys)).Debug("lock refused")
			return err
		}
		if v.closed {
			return gerrors.ErrViewClosed.New(v.id)
		}
		changed = v.locks.Update(res.States)
		if err := v.awaitApplied(ctx, res.RequiredTimestamp, timeout); err != nil {
			v.dispatchLater(changed)
			return err
		}
	}
	for _, id := range local {
		changed = append(changed, v.locks.LockLocal(id, typ)...)
	}
	v.dispatchLater(changed)
	return nil
}

// lockKey returns the key the view holds for id, so the repository can detect staleness.
func (v *View) lockKey(id ident.ID) revision.Key {
	h, ok := v.handles.get(id)
	if !ok {
		return revision.Key{ID: id}
	}
	switch h.state {
	case fsm.Clean, fsm.Dirty, fsm.Conflict:
		return h.key()
	}
	return revision.Key{ID: id}
}

// newSubtree returns h and, when recursive, every new object it contains.
func (v *View) newSubtree(h *Handle, recursive bool) []ident.ID {
	out := []ident.ID{h.id}
	if !recursive {
		return out
	}
	for _, f := range h.class.Containments() {
		values, _ := h.rev.List(f.Name)
		for _, val := range values {
			id, ok := val.AsRef()
			if !ok {
				continue
			}
			if kid, ok := v.handles.get(id); ok && kid.state == fsm.New {
				out = append(out, v.newSubtree(kid, true)...)
			}
		}
	}
	return out
}

func (v *View) dispatchLater(changed []locks.State) {
	if len(changed) == 0 {
		return
	}
	tracker := v.locks
	v.later(func() { tracker.Dispatch(changed) })
}

// awaitApplied blocks until the view applied every batch up to ts. timeout > 0 bounds the wait.
func (v *View) awaitApplied(ctx context.Context, ts int64, timeout time.Duration) error {
	if v.applied >= ts {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		t := time.AfterFunc(timeout, v.wake)
		defer t.Stop()
	}
	stop := context.AfterFunc(ctx, v.wake)
	defer stop()
	for v.applied < ts {
		if v.closed {
			return gerrors.ErrViewClosed.New(v.id)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return gerrors.ErrLockTimeout.New(timeout)
		}
		v.cond.Wait()
	}
	return nil
}

func (v *View) wake() {
	v.mu.Lock()
	v.cond.Broadcast()
	v.mu.Unlock()
}

// AwaitTimestamp blocks until the view applied every remote change up to ts.
func (v *View) AwaitTimestamp(ctx context.Context, ts int64, timeout time.Duration) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.awaitApplied(ctx, ts, timeout)
}

// Unlock releases locks on ids; nil releases every lock the view holds. typ 0 releases both
// lock types.
func (v *View) Unlock(ctx context.Context, ids []ident.ID, typ locks.Type, recursive bool) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	types := []locks.Type{typ}
	if typ == 0 {
		types = []locks.Type{locks.Read, locks.Write}
	}
	var changed []locks.State
	var remote []ident.ID
	if ids == nil {
		for _, t := range types {
			for _, id := range v.locks.Held(t) {
				if id.IsTemporary() {
					changed = append(changed, v.locks.UnlockLocal(id, t)...)
				}
			}
		}
	}
	for _, id := range ids {
		h, ok := v.handles.get(id)
		if ok && h.state == fsm.New {
			for _, sub := range v.newSubtree(h, recursive) {
				for _, t := range types {
					changed = append(changed, v.locks.UnlockLocal(sub, t)...)
				}
			}
			continue
		}
		remote = append(remote, id)
	}
	if ids == nil || len(remote) > 0 {
		res, err := v.repo.Unlock(ctx, repo.UnlockRequest{ViewID: v.id, IDs: remote, Type: typ, Recursive: recursive})
		if err != nil {
			v.dispatchLater(changed)
			return err
		}
		changed = append(changed, v.locks.Update(res.States)...)
	}
	v.dispatchLater(changed)
	return nil
}

// LockWithRetry is Lock with retries. Stale objects are refreshed before the next attempt and
// timeouts are retried with exponential backoff until LockRetryElapsed has passed.
func (v *View) LockWithRetry(ctx context.Context, ids []ident.ID, typ locks.Type, timeout time.Duration, recursive bool) error {
	params := backoff.NewExponentialBackOff()
	params.InitialInterval = 10 * time.Millisecond
	params.MaxInterval = time.Second
	params.MaxElapsedTime = v.opts.LockRetryElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := v.Lock(ctx, ids, typ, timeout, recursive)
		switch {
		case err == nil:
			return nil
		case gerrors.Is(err, gerrors.ErrStaleRevision):
			v.log.WithField("attempt", attempt).Debug("lock found stale objects, refreshing")
			if rerr := v.Refresh(ctx, gerrors.StaleIDs(err)); rerr != nil {
				return backoff.Permanent(rerr)
			}
			return err
		case gerrors.Is(err, gerrors.ErrLockTimeout):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(params, ctx))
}

// Refresh reloads clean handles of ids from the repository. Objects with pending changes
// cannot be refreshed.
func (v *View) Refresh(ctx context.Context, ids []ident.ID) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		h, ok := v.handles.get(id)
		if !ok {
			continue
		}
		switch h.state {
		case fsm.Clean:
			if err := v.fire(ctx, h, fsm.Invalidate, &step{key: revision.Key{ID: id, Branch: v.point.Branch}, forced: true}); err != nil {
				return err
			}
			h.pendingKey = revision.Key{ID: id}
			v.revs.Remove(id)
		case fsm.Proxy:
			h.pendingKey = revision.Key{ID: id}
			v.revs.Remove(id)
		case fsm.Dirty, fsm.Conflict:
			return gerrors.ErrConflictDetected.New(h.String() + " has pending changes")
		default:
			continue
		}
		if err := v.fire(ctx, h, fsm.Read, &step{}); err != nil {
			return err
		}
	}
	return nil
}

// EnableDurableLocking moves the view's locks into a durable area that survives Close. It
// returns the area id, which reopens the locks with Options.DurableAreaID.
func (v *View) EnableDurableLocking(ctx context.Context) (string, error) {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	return v.locks.EnableDurable(ctx, func(ctx context.Context) (string, error) {
		return v.repo.EnableDurableLocking(ctx, v.id)
	})
}

// DisableDurableLocking ends durable locking, releasing the area's locks when releaseLocks is set.
func (v *View) DisableDurableLocking(ctx context.Context, releaseLocks bool) error {
	defer v.enter()()
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.locks.DisableDurable(ctx, func(ctx context.Context, release bool) error {
		return v.repo.DisableDurableLocking(ctx, v.id, release)
	}, releaseLocks)
}

// LockState returns the cached lock state of id.
func (v *View) LockState(id ident.ID) locks.State { return v.locks.Get(id) }

// IsLocked reports whether id is locked with typ by this view, or by anyone else when byOthers.
func (v *View) IsLocked(id ident.ID, typ locks.Type, byOthers bool) bool {
	return v.locks.IsLocked(id, typ, byOthers)
}

// DurableArea returns the active durable lock area, or "".
func (v *View) DurableArea() string { return v.locks.DurableArea() }

// OnLockChange registers l for lock state changes and returns its cancel function.
func (v *View) OnLockChange(l locks.Listener) func() { return v.locks.OnChange(l) }

// HeldLocks returns the ids this view holds typ locks on, sorted.
func (v *View) HeldLocks(typ locks.Type) []ident.ID { return v.locks.Held(typ) }
