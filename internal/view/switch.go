package view

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/invalidation"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// SetBranchPoint moves the view to p and reports whether the point changed. Cached objects
// that look different at p are refreshed in a single repository round trip.
func (v *View) SetBranchPoint(ctx context.Context, p branch.Point) (bool, error) {
	v.mu.Lock()
	if err := v.checkOpen(); err != nil {
		v.leave()
		return false, err
	}
	if p == v.point {
		v.leave()
		return false, nil
	}
	if v.locks.DurableArea() != "" {
		v.leave()
		return false, gerrors.ErrDurableLockingMode.New("branch switch")
	}
	if !v.point.IsLatest() {
		v.leave()
		return false, gerrors.ErrNoPermission.New("a historical view stays at " + v.point.String())
	}
	if v.mode == Transactional {
		if !p.IsLatest() {
			v.leave()
			return false, gerrors.ErrNoPermission.New("a transactional view must target the latest point of a branch")
		}
		if v.txn.pending() {
			v.leave()
			return false, gerrors.ErrNoPermission.New("switch with uncommitted changes")
		}
	}
	ctx, span := tracer.Start(ctx, "view.SetBranchPoint", trace.WithAttributes(attribute.String("point", p.String())))
	defer span.End()

	var stale []revision.Key
	for _, h := range v.handles.all() {
		switch h.state {
		case fsm.Clean:
			if r := h.rev; r.Branch() != p.Branch || !r.ValidAt(p.Timestamp) {
				stale = append(stale, r.Key())
			}
		case fsm.Proxy:
			h.pendingKey = revision.Key{ID: h.id}
		}
	}
	res, err := v.repo.SwitchTarget(ctx, v.id, p, stale)
	if err != nil {
		v.leave()
		return false, fmt.Errorf("switch to %s: %w", p, err)
	}
	if v.closed {
		v.leave()
		return false, gerrors.ErrViewClosed.New(v.id)
	}

	from := v.point
	v.point = p
	v.log = v.log.WithField("branch", p.Branch)
	for _, r := range res.Revisions {
		v.revs.Put(r)
	}
	var out applied
	v.invalidate(ctx, invalidation.Batch{Branch: p.Branch, Timestamp: res.Timestamp, Changed: res.Changed, Detached: res.Detached}, &out, true)
	for _, h := range v.handles.all() {
		h.revisedAt = 0
	}
	if res.Timestamp > v.applied {
		v.applied = res.Timestamp
	}
	v.cond.Broadcast()
	v.log.WithFields(logrus.Fields{
		"from":     from.String(),
		"to":       p.String(),
		"stale":    len(stale),
		"changed":  len(res.Changed),
		"detached": len(res.Detached),
	}).Info("switched branch point")
	v.deliver(out)
	return true, nil
}
