// Package repo defines the protocol between a view and the repository that owns the graph, and
// provides Local, an in-process repository backed by bbolt.
package repo

import (
	"context"
	"time"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/invalidation"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// Batch is the change set pushed to views after every commit.
type Batch = invalidation.Batch

// NoTimeout makes a lock request wait until it is granted.
const NoTimeout time.Duration = -1

type OpenRequest struct {
	ViewID   string
	Point    branch.Point
	ReadOnly bool
	// DurableAreaID reattaches a durable lock area created by an earlier view.
	DurableAreaID string
}

type OpenResult struct {
	Point branch.Point
	// Timestamp is the repository clock at open; the view is consistent with every commit up to it.
	Timestamp     int64
	LockStates    []locks.State
	DurableAreaID string
}

type CommitRequest struct {
	ViewID string
	Branch string
	Author string
	// New holds revisions of objects created in the transaction, under temporary ids.
	New []*revision.Revision
	// Deltas holds the changes of existing objects against their base revisions.
	Deltas []*revision.Delta
	// Detached holds the base keys of objects removed in the transaction.
	Detached     []revision.Key
	ReleaseLocks bool
}

type CommitResult struct {
	Timestamp int64
	Mappings  ident.Mapping
	// Versions holds the committed version of every new and changed object, by final id.
	Versions   map[ident.ID]int
	LockStates []locks.State
}

type LockRequest struct {
	ViewID string
	Branch string
	// Keys name the objects to lock with the versions the caller holds. Version 0 skips the
	// staleness check for that object.
	Keys      []revision.Key
	Type      locks.Type
	Recursive bool
	Timeout   time.Duration
}

type LockResult struct {
	States []locks.State
	// RequiredTimestamp is the last commit touching the locked objects. The caller must have
	// applied every batch up to it before relying on its cached revisions.
	RequiredTimestamp int64
}

type UnlockRequest struct {
	ViewID string
	// IDs to unlock; nil releases everything the caller holds.
	IDs []ident.ID
	// Type 0 releases both read and write locks.
	Type      locks.Type
	Recursive bool
}

type UnlockResult struct {
	States []locks.State
}

type SwitchResult struct {
	Timestamp int64
	Changed   []revision.Key
	Detached  []ident.ID
	// Revisions are the revisions visible at the new point for Changed.
	Revisions []*revision.Revision
}

// Sink receives pushed changes for one view. Calls for one sink are made from a single
// goroutine, in commit order.
type Sink interface {
	Invalidate(b Batch)
	LockChanged(n locks.Notification)
}

// Repository is the collaborator a view talks to.
type Repository interface {
	OpenView(ctx context.Context, req OpenRequest) (OpenResult, error)
	CloseView(ctx context.Context, viewID string) error
	// FetchRevision returns the revision of id visible at point, or nil when it does not exist.
	FetchRevision(ctx context.Context, id ident.ID, point branch.Point) (*revision.Revision, error)
	// FetchRevisions returns the revisions of ids visible at point plus, up to depth, the
	// revisions of objects they reference. Missing ids are skipped.
	FetchRevisions(ctx context.Context, ids []ident.ID, point branch.Point, depth int) ([]*revision.Revision, error)
	SwitchTarget(ctx context.Context, viewID string, point branch.Point, stale []revision.Key) (SwitchResult, error)
	Commit(ctx context.Context, req CommitRequest) (CommitResult, error)
	Lock(ctx context.Context, req LockRequest) (LockResult, error)
	Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error)
	EnableDurableLocking(ctx context.Context, viewID string) (string, error)
	DisableDurableLocking(ctx context.Context, viewID string, releaseLocks bool) error
	Subscribe(viewID string, sink Sink) (cancel func())
}
