package repo

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/store"
)

type storedArea struct {
	ID    string      `json:"id"`
	Locks []areaEntry `json:"locks"`
}

type areaEntry struct {
	ID    string `json:"id"`
	Read  bool   `json:"read,omitempty"`
	Write bool   `json:"write,omitempty"`
}

// Lock grants all requested locks at once or none. A request blocked by other owners waits up
// to Timeout; a zero Timeout fails immediately and NoTimeout waits until granted.
func (l *Local) Lock(ctx context.Context, req LockRequest) (LockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.view(req.ViewID)
	if err != nil {
		return LockResult{}, err
	}
	if req.Type != locks.Read && req.Type != locks.Write {
		return LockResult{}, gerrors.ErrIllegalTransition.New("lock with type " + req.Type.String())
	}
	if req.Branch == "" {
		req.Branch = v.point.Branch
	}
	head := branch.Latest(req.Branch)

	var deadline time.Time
	if req.Timeout >= 0 {
		deadline = time.Now().Add(req.Timeout)
		if req.Timeout > 0 {
			t := time.AfterFunc(req.Timeout, l.wakeLockWaiters)
			defer t.Stop()
		}
	}
	stop := context.AfterFunc(ctx, l.wakeLockWaiters)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return LockResult{}, err
		}
		// The view may have been closed or switched to durable locking while waiting.
		v, err = l.view(req.ViewID)
		if err != nil {
			return LockResult{}, err
		}
		owner := l.ownerOf(v, req.ViewID)

		var stale []ident.ID
		for _, k := range req.Keys {
			if k.Version == 0 || !k.ID.IsPersistent() {
				continue
			}
			cur, err := l.resolve(k.ID, head)
			if err != nil {
				return LockResult{}, err
			}
			if cur == nil || cur.Key() != k {
				stale = append(stale, k.ID)
			}
		}
		if len(stale) > 0 {
			return LockResult{}, &gerrors.StaleRevisionError{IDs: stale}
		}

		ids, err := l.expand(req.Keys, head, req.Recursive)
		if err != nil {
			return LockResult{}, err
		}
		blocked := false
		for _, id := range ids {
			if l.lockTable[id].Blocks(owner, req.Type) {
				blocked = true
				break
			}
		}
		if !blocked {
			res := LockResult{}
			for _, id := range ids {
				s := l.lockTable[id]
				s.ID = id
				s = s.With(owner, req.Type)
				l.lockTable[id] = s
				res.States = append(res.States, s)
				if ts := l.lastTouched(id, head); ts > res.RequiredTimestamp {
					res.RequiredTimestamp = ts
				}
			}
			if v.area != "" {
				if err := l.persistArea(v.area); err != nil {
					return LockResult{}, err
				}
			}
			l.hub.lockChanged(locks.Notification{Owner: owner, States: res.States})
			return res, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return LockResult{}, gerrors.ErrLockTimeout.New(req.Timeout.String())
		}
		l.lockCond.Wait()
	}
}

func (l *Local) wakeLockWaiters() {
	l.mu.Lock()
	l.lockCond.Broadcast()
	l.mu.Unlock()
}

// expand returns the ids of keys plus, when recursive, every object contained in them.
func (l *Local) expand(keys []revision.Key, head branch.Point, recursive bool) ([]ident.ID, error) {
	seen := make(map[ident.ID]bool)
	var out []ident.ID
	var walk func(id ident.ID) error
	walk = func(id ident.ID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		out = append(out, id)
		if !recursive {
			return nil
		}
		r, err := l.resolve(id, head)
		if err != nil || r == nil {
			return err
		}
		c, err := l.classes.Lookup(r.Class())
		if err != nil {
			return nil
		}
		for _, f := range c.Containments() {
			children, err := r.List(f.Name)
			if err != nil {
				return err
			}
			for _, ch := range children {
				if cid, ok := ch.AsRef(); ok {
					if err := walk(cid); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	for _, k := range keys {
		if err := walk(k.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lastTouched returns the timestamp of the last commit that changed id as seen from head.
func (l *Local) lastTouched(id ident.ID, head branch.Point) int64 {
	var ts int64
	if r, err := l.resolve(id, head); err == nil && r != nil {
		ts = r.Timestamp()
	}
	for _, t := range l.tombs[id] {
		if t > ts {
			ts = t
		}
	}
	return ts
}

func (l *Local) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.view(req.ViewID)
	if err != nil {
		return UnlockResult{}, err
	}
	owner := l.ownerOf(v, req.ViewID)
	var changed []locks.State
	if req.IDs == nil {
		changed = l.releaseAll(owner, req.Type)
	} else {
		keys := make([]revision.Key, len(req.IDs))
		for i, id := range req.IDs {
			keys[i] = revision.Key{ID: id}
		}
		ids, err := l.expand(keys, branch.Latest(v.point.Branch), req.Recursive)
		if err != nil {
			return UnlockResult{}, err
		}
		for _, id := range ids {
			if s, ok := l.release(id, owner, req.Type); ok {
				changed = append(changed, s)
			}
		}
	}
	if v.area != "" {
		if err := l.persistArea(v.area); err != nil {
			return UnlockResult{}, err
		}
	}
	l.lockCond.Broadcast()
	l.hub.lockChanged(locks.Notification{Owner: owner, States: changed})
	return UnlockResult{States: changed}, nil
}

// release drops owner's locks of type typ (0 = both) on id and reports whether anything changed.
func (l *Local) release(id ident.ID, owner locks.Owner, typ locks.Type) (locks.State, bool) {
	s, ok := l.lockTable[id]
	if !ok {
		return locks.State{}, false
	}
	next := s
	if typ == 0 || typ == locks.Read {
		next = next.Without(owner, locks.Read)
	}
	if typ == 0 || typ == locks.Write {
		next = next.Without(owner, locks.Write)
	}
	if next.Writer == s.Writer && len(next.Readers) == len(s.Readers) {
		return locks.State{}, false
	}
	if next.Unlocked() {
		delete(l.lockTable, id)
	} else {
		l.lockTable[id] = next
	}
	return next, true
}

func (l *Local) releaseAll(owner locks.Owner, typ locks.Type) []locks.State {
	var changed []locks.State
	for id := range l.lockTable {
		if s, ok := l.release(id, owner, typ); ok {
			changed = append(changed, s)
		}
	}
	sortStates(changed)
	return changed
}

// EnableDurableLocking moves the view's locks into a new durable area that survives CloseView.
func (l *Local) EnableDurableLocking(ctx context.Context, viewID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.view(viewID)
	if err != nil {
		return "", err
	}
	if v.area != "" {
		return v.area, nil
	}
	area := ulid.Make().String()
	from, to := locks.Owner(viewID), locks.Owner(area)
	var changed []locks.State
	for id, s := range l.lockTable {
		if s.HeldBy(from, locks.Read) || s.HeldBy(from, locks.Write) {
			s = s.Rename(from, to)
			l.lockTable[id] = s
			changed = append(changed, s)
		}
	}
	l.areas[area] = true
	v.area = area
	if err := l.persistArea(area); err != nil {
		return "", err
	}
	sortStates(changed)
	l.hub.lockChanged(locks.Notification{Owner: to, States: changed})
	l.log.WithFields(logrus.Fields{"view": viewID, "area": area}).Info("durable locking enabled")
	return area, nil
}

func (l *Local) DisableDurableLocking(ctx context.Context, viewID string, releaseLocks bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.view(viewID)
	if err != nil {
		return err
	}
	if v.area == "" {
		return nil
	}
	area := v.area
	v.area = ""
	if !releaseLocks {
		return nil
	}
	changed := l.releaseAll(locks.Owner(area), 0)
	delete(l.areas, area)
	if l.db != nil {
		if err := l.db.Write(func(w *store.Writer) error { return w.DeleteArea(area) }); err != nil {
			return err
		}
	}
	l.lockCond.Broadcast()
	l.hub.lockChanged(locks.Notification{Owner: locks.Owner(area), States: changed})
	return nil
}

func (l *Local) persistArea(area string) error {
	if l.db == nil {
		return nil
	}
	owner := locks.Owner(area)
	rec := storedArea{ID: area}
	for id, s := range l.lockTable {
		e := areaEntry{ID: id.String(), Read: s.HeldBy(owner, locks.Read), Write: s.HeldBy(owner, locks.Write)}
		if e.Read || e.Write {
			rec.Locks = append(rec.Locks, e)
		}
	}
	return l.db.Write(func(w *store.Writer) error { return w.PutArea(area, rec) })
}
