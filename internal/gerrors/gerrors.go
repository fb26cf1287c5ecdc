// Package gerrors defines the error kinds shared by the graph view layer.
//
// Every recoverable failure surfaced to application code is one of these kinds,
// possibly wrapped with fmt.Errorf("...: %w"). Use Is to test for a kind through
// any amount of wrapping.
package gerrors

import (
	"fmt"
	"sort"
	"strings"

	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

var (
	// ErrIllegalTransition is a sequencing bug: an event reached a state that cannot handle it.
	// It is never recovered locally.
	ErrIllegalTransition = goerrors.NewKind("illegal transition: %s")

	ErrNoPermission       = goerrors.NewKind("no permission: %s")
	ErrObjectNotFound     = goerrors.NewKind("object not found: %s")
	ErrDanglingReference  = goerrors.NewKind("dangling reference from %s to %s")
	ErrLockTimeout        = goerrors.NewKind("lock timeout after %s")
	ErrStaleRevision      = goerrors.NewKind("stale revisions: %s")
	ErrConflictDetected   = goerrors.NewKind("conflict detected: %s")
	ErrCommitConflict     = goerrors.NewKind("commit conflict: %s")
	ErrViewClosed         = goerrors.NewKind("view %s is closed")
	ErrFrozenRevision     = goerrors.NewKind("revision %s is frozen")
	ErrUnknownFeature     = goerrors.NewKind("class %s has no feature %q")
	ErrIndexOutOfRange    = goerrors.NewKind("index %d out of range for feature %q (len %d)")
	ErrBranchNotFound     = goerrors.NewKind("branch %q not found")
	ErrClassNotFound      = goerrors.NewKind("class %q not registered")
	ErrDurableLockingMode = goerrors.NewKind("durable locking: %s")
)

// Is reports whether err is, or wraps, an error of the given kind.
func Is(err error, kind *goerrors.Kind) bool {
	for err != nil {
		if kind.Is(err) {
			return true
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return false
		}
	}
	return false
}

// StaleRevisionError is returned by lock operations when the repository holds a newer
// revision than the caller for some of the objects being locked. The caller refreshes
// IDs and retries.
type StaleRevisionError struct {
	IDs []ident.ID
}

func (e *StaleRevisionError) Error() string {
	return ErrStaleRevision.New(joinIDs(e.IDs)).Error()
}

func (e *StaleRevisionError) Unwrap() error {
	return ErrStaleRevision.New(joinIDs(e.IDs))
}

// CommitConflictError is returned by a commit whose base revisions were superseded
// by concurrent commits.
type CommitConflictError struct {
	IDs []ident.ID
}

func (e *CommitConflictError) Error() string {
	return ErrCommitConflict.New(joinIDs(e.IDs)).Error()
}

func (e *CommitConflictError) Unwrap() error {
	return ErrCommitConflict.New(joinIDs(e.IDs))
}

// StaleIDs extracts the ids carried by a StaleRevisionError anywhere in err's chain.
func StaleIDs(err error) []ident.ID {
	for err != nil {
		if s, ok := err.(*StaleRevisionError); ok {
			return s.IDs
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

func joinIDs(ids []ident.ID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	sort.Strings(parts)
	return fmt.Sprintf("[%s]", strings.Join(parts, " "))
}
