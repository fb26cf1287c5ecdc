// Package fsm is the lifecycle state machine of a cached graph object.
//
// Apply is a pure function: it never touches a handle. It returns the next state and the set of
// effects the caller must carry out, in the order they are declared below.
package fsm

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
)

// State is the lifecycle state of an object handle.
type State uint8

const (
	Transient State = iota
	Prepared
	New
	Clean
	Dirty
	Proxy
	Conflict
	Invalid
	InvalidConflict
)

var stateNames = [...]string{
	Transient:       "TRANSIENT",
	Prepared:        "PREPARED",
	New:             "NEW",
	Clean:           "CLEAN",
	Dirty:           "DIRTY",
	Proxy:           "PROXY",
	Conflict:        "CONFLICT",
	Invalid:         "INVALID",
	InvalidConflict: "INVALID_CONFLICT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// IsInvalid reports whether s is one of the terminal removed states.
func (s State) IsInvalid() bool { return s == Invalid || s == InvalidConflict }

// HasPending reports whether s carries uncommitted local changes.
func (s State) HasPending() bool {
	return s == New || s == Dirty || s == Conflict || s == InvalidConflict
}

// Event drives a transition.
type Event uint8

const (
	Prepare Event = iota
	Attach
	Detach
	Reattach
	Read
	Write
	Invalidate
	DetachRemote
	Commit
	Rollback
)

var eventNames = [...]string{
	Prepare:      "Prepare",
	Attach:       "Attach",
	Detach:       "Detach",
	Reattach:     "Reattach",
	Read:         "Read",
	Write:        "Write",
	Invalidate:   "Invalidate",
	DetachRemote: "DetachRemote",
	Commit:       "Commit",
	Rollback:     "Rollback",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", e)
}

// Effect is a bit set of actions the caller performs for a transition.
type Effect uint32

const (
	AllocateID Effect = 1 << iota
	AllocateRevision
	PrepareChildren
	Register
	PopulateRevision
	ClearShadow
	RestoreID
	RecordDelta
	CancelSelfReferences
	CloneRevision
	LoadRevision
	// ReenterEvent asks the caller to fire the same event again once LoadRevision completed.
	ReenterEvent
	DetachChildren
	Deregister
	ClearHandle
	AdoptRevision
	ResetToProxy
	InvokeStalePolicy
	UpdatePendingKey
	RecordConflict
	InvokeRemovedPolicy
	RemapID
	StampRevision
	ApplyRewrites
	FreezeRevision
	RegisterRevision
	DiscardPending
	InvokeInvalidPolicy
)

var effectNames = [...]string{
	"AllocateID", "AllocateRevision", "PrepareChildren", "Register", "PopulateRevision",
	"ClearShadow", "RestoreID", "RecordDelta", "CancelSelfReferences", "CloneRevision",
	"LoadRevision", "ReenterEvent", "DetachChildren", "Deregister", "ClearHandle",
	"AdoptRevision", "ResetToProxy", "InvokeStalePolicy", "UpdatePendingKey", "RecordConflict",
	"InvokeRemovedPolicy", "RemapID", "StampRevision", "ApplyRewrites", "FreezeRevision",
	"RegisterRevision", "DiscardPending", "InvokeInvalidPolicy",
}

// Has reports whether every effect in x is set.
func (e Effect) Has(x Effect) bool { return e&x == x }

func (e Effect) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for rest := e; rest != 0; rest &= rest - 1 {
		i := bits.TrailingZeros32(uint32(rest))
		if i < len(effectNames) {
			names = append(names, effectNames[i])
		}
	}
	return strings.Join(names, "|")
}

// Context carries the facts a transition depends on.
type Context struct {
	// Writable is the permission of the clean revision, checked by Write on Clean.
	Writable bool
	// DeltaEmpty tells Reattach that the re-attached object matches its baseline.
	DeltaEmpty bool
	// Forced invalidations (branch switch) skip the version comparison.
	Forced bool
	// IncomingVersion and LocalVersion are compared by Invalidate. LocalVersion is the clean
	// revision's version, or the base version of the pending delta.
	IncomingVersion int
	LocalVersion    int
	// Cached tells Invalidate on Clean that the incoming revision is already available.
	Cached bool
}

// Transition is the outcome of Apply.
type Transition struct {
	From    State
	Event   Event
	To      State
	Effects Effect
}

// Changed reports whether the transition does anything.
func (t Transition) Changed() bool { return t.From != t.To || t.Effects != 0 }

func (t Transition) String() string {
	return fmt.Sprintf("%s --%s[%s]--> %s", t.From, t.Event, t.Effects, t.To)
}

func noop(s State, e Event) (Transition, error) {
	return Transition{From: s, Event: e, To: s}, nil
}

func to(s State, e Event, next State, effects Effect) (Transition, error) {
	return Transition{From: s, Event: e, To: next, Effects: effects}, nil
}

func illegal(s State, e Event) (Transition, error) {
	return Transition{From: s, Event: e, To: s}, gerrors.ErrIllegalTransition.New(e.String() + " on " + s.String())
}

// Apply returns the transition for event e in state s.
func Apply(s State, e Event, ctx Context) (Transition, error) {
	if s.IsInvalid() {
		return applyInvalid(s, e)
	}
	switch e {
	case Prepare:
		if s == Transient {
			return to(s, e, Prepared, AllocateID|AllocateRevision|PrepareChildren|Register)
		}
	case Attach:
		if s == Prepared {
			return to(s, e, New, PopulateRevision|ClearShadow)
		}
	case Reattach:
		if s == Transient {
			if ctx.DeltaEmpty {
				return to(s, e, Clean, RestoreID|Register|ClearShadow|CancelSelfReferences)
			}
			return to(s, e, Dirty, RestoreID|Register|ClearShadow|RecordDelta|CancelSelfReferences)
		}
	case Detach:
		return applyDetach(s, e)
	case Read:
		switch s {
		case Proxy:
			return to(s, e, Clean, LoadRevision)
		case Transient, Prepared, New, Clean, Dirty, Conflict:
			return noop(s, e)
		}
	case Write:
		return applyWrite(s, e, ctx)
	case Invalidate:
		return applyInvalidate(s, e, ctx)
	case DetachRemote:
		switch s {
		case Proxy, Clean:
			return to(s, e, Invalid, Deregister|InvokeRemovedPolicy)
		case Dirty, Conflict:
			return to(s, e, InvalidConflict, Deregister|InvokeRemovedPolicy|RecordConflict)
		case Transient, Prepared, New:
			return noop(s, e)
		}
	case Commit:
		switch s {
		case New:
			return to(s, e, Clean, RemapID|StampRevision|FreezeRevision|RegisterRevision)
		case Dirty:
			return to(s, e, Clean, StampRevision|ApplyRewrites|FreezeRevision|RegisterRevision)
		case Clean, Proxy, Transient:
			return noop(s, e)
		}
	case Rollback:
		switch s {
		case New, Dirty, Conflict:
			return to(s, e, Proxy, DiscardPending)
		case Clean, Proxy, Transient:
			return noop(s, e)
		}
	}
	return illegal(s, e)
}

func applyDetach(s State, e Event) (Transition, error) {
	switch s {
	case New, Clean, Dirty:
		return to(s, e, Transient, DetachChildren|Deregister|ClearHandle)
	case Prepared:
		return to(s, e, Transient, Deregister|ClearHandle)
	case Proxy:
		return to(s, e, Clean, LoadRevision|ReenterEvent)
	case Conflict:
		return Transition{From: s, Event: e, To: s}, gerrors.ErrConflictDetected.New("detach of a conflicting object")
	case Transient:
		return noop(s, e)
	}
	return illegal(s, e)
}

func applyWrite(s State, e Event, ctx Context) (Transition, error) {
	switch s {
	case Transient, Prepared:
		return noop(s, e)
	case New:
		return to(s, e, New, RecordDelta)
	case Clean:
		if !ctx.Writable {
			return Transition{From: s, Event: e, To: s}, gerrors.ErrNoPermission.New("revision is read-only")
		}
		return to(s, e, Dirty, CloneRevision|RecordDelta)
	case Dirty:
		return to(s, e, Dirty, RecordDelta)
	case Proxy:
		return to(s, e, Clean, LoadRevision|ReenterEvent)
	case Conflict:
		return Transition{From: s, Event: e, To: s}, gerrors.ErrConflictDetected.New("write to a conflicting object")
	}
	return illegal(s, e)
}

func applyInvalidate(s State, e Event, ctx Context) (Transition, error) {
	switch s {
	case Clean:
		if !ctx.Forced && ctx.IncomingVersion <= ctx.LocalVersion {
			return noop(s, e)
		}
		if ctx.Cached {
			return to(s, e, Clean, AdoptRevision)
		}
		return to(s, e, Proxy, ResetToProxy|InvokeStalePolicy)
	case Dirty:
		// A remote change at or after the local base conflicts; only an older one is ignored.
		if ctx.Forced || ctx.IncomingVersion >= ctx.LocalVersion {
			return to(s, e, Conflict, RecordConflict)
		}
		return noop(s, e)
	case Proxy:
		return to(s, e, Proxy, UpdatePendingKey)
	case New, Conflict, Transient, Prepared:
		return noop(s, e)
	}
	return illegal(s, e)
}

func applyInvalid(s State, e Event) (Transition, error) {
	switch e {
	case Rollback:
		if s == InvalidConflict {
			return to(s, e, Invalid, DiscardPending)
		}
		return noop(s, e)
	}
	return Transition{From: s, Event: e, To: s, Effects: InvokeInvalidPolicy},
		gerrors.ErrObjectNotFound.New(e.String() + " on removed object")
}
