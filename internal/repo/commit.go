package repo

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/store"
)

// Commit applies a transaction atomically. Base revisions are checked optimistically: any
// delta or detach whose base is no longer the visible revision fails the whole commit with a
// CommitConflictError.
func (l *Local) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.view(req.ViewID)
	if err != nil {
		return CommitResult{}, err
	}
	if v.readOnly {
		return CommitResult{}, gerrors.ErrNoPermission.New("view " + req.ViewID + " is read-only")
	}
	if req.Branch == "" {
		req.Branch = v.point.Branch
	}
	if _, ok := l.tree.Get(req.Branch); !ok {
		return CommitResult{}, gerrors.ErrBranchNotFound.New(req.Branch)
	}
	owner := l.ownerOf(v, req.ViewID)
	head := branch.Latest(req.Branch)

	bases, err := l.checkBases(req, head, owner)
	if err != nil {
		return CommitResult{}, err
	}

	mapping := make(ident.Mapping, len(req.New))
	nextID := l.nextID
	for _, r := range req.New {
		if !r.ID().IsTemporary() {
			return CommitResult{}, fmt.Errorf("new object %s has no temporary id", r.ID())
		}
		if _, err := l.classes.Lookup(r.Class()); err != nil {
			return CommitResult{}, err
		}
		nextID++
		mapping[r.ID()] = ident.NewPersistent(nextID)
	}

	prevClock := l.clock
	ts := l.tick()
	res := CommitResult{Timestamp: ts, Mappings: mapping, Versions: make(map[ident.ID]int)}
	batch := Batch{Branch: req.Branch, Timestamp: ts, Author: req.ViewID, Deltas: make(map[ident.ID]*revision.Delta)}
	var stored []*revision.Revision

	for _, r := range req.New {
		nr := r.Clone()
		if err := nr.Remap(mapping); err != nil {
			l.clock = prevClock
			return CommitResult{}, err
		}
		if err := nr.Stamp(req.Branch, 1, ts); err != nil {
			l.clock = prevClock
			return CommitResult{}, err
		}
		stored = append(stored, nr)
	}
	for _, d := range req.Deltas {
		base := bases[d.ID]
		rd := d.Clone()
		rd.Remap(mapping)
		nr, err := rd.ApplyTo(base)
		if err != nil {
			l.clock = prevClock
			return CommitResult{}, fmt.Errorf("commit %s: %w", d.ID, err)
		}
		version := 1
		if base.Branch() == req.Branch {
			version = base.Version() + 1
		}
		if err := nr.Stamp(req.Branch, version, ts); err != nil {
			l.clock = prevClock
			return CommitResult{}, err
		}
		stored = append(stored, nr)
		batch.Deltas[d.ID] = rd
	}
	for _, r := range stored {
		for _, ref := range r.References() {
			if ref.IsTemporary() {
				l.clock = prevClock
				return CommitResult{}, gerrors.ErrDanglingReference.New(r.ID(), ref)
			}
		}
		if c := r.Container(); c.IsTemporary() {
			l.clock = prevClock
			return CommitResult{}, gerrors.ErrDanglingReference.New(r.ID(), c)
		}
		r.Freeze()
	}

	if l.db != nil {
		err := l.db.Write(func(w *store.Writer) error {
			for _, r := range stored {
				if err := w.PutRevision(r); err != nil {
					return err
				}
			}
			for _, k := range req.Detached {
				if err := w.PutTombstone(k.ID, req.Branch, ts); err != nil {
					return err
				}
			}
			if err := w.PutCounter(counterNextID, nextID); err != nil {
				return err
			}
			return w.PutCounter(counterClock, uint64(ts))
		})
		if err != nil {
			l.clock = prevClock
			return CommitResult{}, fmt.Errorf("persist commit: %w", err)
		}
	}

	l.nextID = nextID
	for _, r := range stored {
		l.insert(r)
		res.Versions[r.ID()] = r.Version()
		batch.Changed = append(batch.Changed, r.Key())
	}
	for _, k := range req.Detached {
		l.tomb(k.ID, req.Branch, ts)
		batch.Detached = append(batch.Detached, k.ID)
	}

	var changed []locks.State
	if req.ReleaseLocks {
		changed = l.releaseAll(owner, 0)
		if v.area != "" {
			if err := l.persistArea(v.area); err != nil {
				l.log.WithError(err).Warn("persist durable area")
			}
		}
		l.lockCond.Broadcast()
	}
	res.LockStates = changed

	l.hub.publish(batch)
	l.hub.lockChanged(locks.Notification{Owner: owner, States: changed})
	l.log.WithFields(logrus.Fields{
		"view": req.ViewID, "branch": req.Branch, "timestamp": ts,
		"new": len(req.New), "changed": len(req.Deltas), "detached": len(req.Detached),
	}).Info("commit")
	return res, nil
}

func (l *Local) checkBases(req CommitRequest, head branch.Point, owner locks.Owner) (map[ident.ID]*revision.Revision, error) {
	bases := make(map[ident.ID]*revision.Revision, len(req.Deltas))
	var conflicts []ident.ID
	check := func(k revision.Key) (*revision.Revision, error) {
		if l.protected[k.ID] {
			return nil, gerrors.ErrNoPermission.New(k.ID.String() + " is read-only")
		}
		s := l.lockTable[k.ID]
		if s.HeldByOthers(owner, locks.Write) || s.HeldByOthers(owner, locks.Read) {
			return nil, gerrors.ErrNoPermission.New(k.ID.String() + " is locked by another owner")
		}
		cur, err := l.resolve(k.ID, head)
		if err != nil {
			return nil, err
		}
		if cur == nil || cur.Key() != k {
			conflicts = append(conflicts, k.ID)
			return nil, nil
		}
		return cur, nil
	}
	for _, d := range req.Deltas {
		cur, err := check(d.Base())
		if err != nil {
			return nil, err
		}
		bases[d.ID] = cur
	}
	for _, k := range req.Detached {
		if _, err := check(k); err != nil {
			return nil, err
		}
	}
	if len(conflicts) > 0 {
		return nil, &gerrors.CommitConflictError{IDs: conflicts}
	}
	return bases, nil
}
