// Package locks tracks pessimistic locks as seen by one view.
//
// The repository is authoritative. A Tracker caches the lock state of the objects a view
// touched, updated from the view's own lock operations and from notifications about locks taken
// or released by other owners.
package locks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// Type is the kind of lock.
type Type uint8

const (
	Read Type = iota + 1
	Write
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "none"
	}
}

// ParseType reads "read" or "write".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "read", "r":
		return Read, nil
	case "write", "w":
		return Write, nil
	}
	return 0, fmt.Errorf("unknown lock type %q", s)
}

// Owner identifies a lock holder: a view id, or a durable area id.
type Owner string

// State is the lock state of one object. Readers is sorted.
type State struct {
	ID      ident.ID `json:"-"`
	Readers []Owner  `json:"readers,omitempty"`
	Writer  Owner    `json:"writer,omitempty"`
}

// Unlocked reports whether nobody holds a lock.
func (s State) Unlocked() bool { return len(s.Readers) == 0 && s.Writer == "" }

// HeldBy reports whether owner holds a lock of type t.
func (s State) HeldBy(owner Owner, t Type) bool {
	if t == Write {
		return s.Writer == owner
	}
	return s.hasReader(owner)
}

// HeldByOthers reports whether anyone but owner holds a lock of type t.
func (s State) HeldByOthers(owner Owner, t Type) bool {
	if t == Write {
		return s.Writer != "" && s.Writer != owner
	}
	for _, r := range s.Readers {
		if r != owner {
			return true
		}
	}
	return false
}

// Blocks reports whether s prevents owner from acquiring a lock of type t.
func (s State) Blocks(owner Owner, t Type) bool {
	if s.Writer != "" && s.Writer != owner {
		return true
	}
	return t == Write && s.HeldByOthers(owner, Read)
}

func (s State) hasReader(owner Owner) bool {
	i := sort.Search(len(s.Readers), func(i int) bool { return s.Readers[i] >= owner })
	return i < len(s.Readers) && s.Readers[i] == owner
}

// With returns s with owner holding a lock of type t.
func (s State) With(owner Owner, t Type) State {
	if t == Write {
		s.Writer = owner
		return s
	}
	if s.hasReader(owner) {
		return s
	}
	readers := append(append([]Owner(nil), s.Readers...), owner)
	sort.Slice(readers, func(i, j int) bool { return readers[i] < readers[j] })
	s.Readers = readers
	return s
}

// Without returns s with owner's lock of type t released.
func (s State) Without(owner Owner, t Type) State {
	if t == Write {
		if s.Writer == owner {
			s.Writer = ""
		}
		return s
	}
	readers := make([]Owner, 0, len(s.Readers))
	for _, r := range s.Readers {
		if r != owner {
			readers = append(readers, r)
		}
	}
	if len(readers) == 0 {
		readers = nil
	}
	s.Readers = readers
	return s
}

// Rename returns s with every lock of from transferred to to.
func (s State) Rename(from, to Owner) State {
	if s.Writer == from {
		s.Writer = to
	}
	if s.hasReader(from) {
		s = s.Without(from, Read).With(to, Read)
	}
	return s
}

func (s State) String() string {
	return fmt.Sprintf("%s{readers=%v writer=%q}", s.ID, s.Readers, s.Writer)
}

// Notification reports lock changes made by Owner.
type Notification struct {
	Owner  Owner
	States []State
}

// Listener observes lock state changes.
type Listener func(states []State)

// DurableRequester asks the repository to start durable locking and returns the area id.
type DurableRequester func(ctx context.Context) (string, error)

// DurableReleaser asks the repository to stop durable locking.
type DurableReleaser func(ctx context.Context, releaseLocks bool) error

// Tracker is the local lock table of one view. It is safe for concurrent use; listeners are
// never called with the tracker's mutex held.
type Tracker struct {
	mu        sync.Mutex
	viewOwner Owner
	area      string
	states    map[ident.ID]State
	listeners map[int]Listener
	nextID    int
	log       *logrus.Entry
}

// NewTracker returns a tracker for the view with the given id.
func NewTracker(viewID string, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		viewOwner: Owner(viewID),
		states:    make(map[ident.ID]State),
		listeners: make(map[int]Listener),
		log:       log.WithField("component", "locks"),
	}
}

// Owner returns the owner locks are currently taken under.
func (t *Tracker) Owner() Owner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner()
}

func (t *Tracker) owner() Owner {
	if t.area != "" {
		return Owner(t.area)
	}
	return t.viewOwner
}

// DurableArea returns the active durable area id, or "".
func (t *Tracker) DurableArea() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.area
}

// Get returns the cached state of id.
func (t *Tracker) Get(id ident.ID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[id]; ok {
		return s
	}
	return State{ID: id}
}

// IsLocked reports whether id is locked with type typ by this tracker's owner, or by anyone
// else when byOthers is set.
func (t *Tracker) IsLocked(id ident.ID, typ Type, byOthers bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[id]
	if byOthers {
		return s.HeldByOthers(t.owner(), typ)
	}
	return s.HeldBy(t.owner(), typ)
}

// HeldAny reports whether the owner holds any lock on id.
func (t *Tracker) HeldAny(id ident.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[id]
	return s.HeldBy(t.owner(), Read) || s.HeldBy(t.owner(), Write)
}

// Held returns the ids the owner holds a lock of type typ on, sorted.
func (t *Tracker) Held(typ Type) []ident.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ident.ID
	for id, s := range t.states {
		if s.HeldBy(t.owner(), typ) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Update replaces cached states with the authoritative ones and returns those that changed.
func (t *Tracker) Update(states []State) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(states)
}

func (t *Tracker) update(states []State) []State {
	var changed []State
	for _, s := range states {
		old := t.states[s.ID]
		if equalState(old, s) {
			continue
		}
		if s.Unlocked() {
			delete(t.states, s.ID)
		} else {
			t.states[s.ID] = s
		}
		changed = append(changed, s)
	}
	return changed
}

// LockLocal takes a lock on an object the repository does not know yet.
func (t *Tracker) LockLocal(id ident.ID, typ Type) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[id]
	s.ID = id
	return t.update([]State{s.With(t.owner(), typ)})
}

// UnlockLocal releases a lock taken with LockLocal.
func (t *Tracker) UnlockLocal(id ident.ID, typ Type) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		return nil
	}
	return t.update([]State{s.Without(t.owner(), typ)})
}

// Handle applies a notification about locks changed by another owner. Echoes of this tracker's
// own operations are ignored.
func (t *Tracker) Handle(n Notification) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.Owner == t.owner() {
		return nil
	}
	changed := t.update(n.States)
	if len(changed) > 0 {
		t.log.WithField("owner", n.Owner).Debugf("lock change for %d objects", len(changed))
	}
	return changed
}

// Remap moves states of temporary ids to their persistent ids.
func (t *Tracker) Remap(m ident.Mapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for old, id := range m {
		s, ok := t.states[old]
		if !ok {
			continue
		}
		delete(t.states, old)
		s.ID = id
		t.states[id] = s
	}
}

// Forget drops the cached state of id.
func (t *Tracker) Forget(id ident.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// Reset drops every cached state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[ident.ID]State)
}

// EnableDurable switches the tracker to durable locking. It is idempotent and returns the
// active area id.
func (t *Tracker) EnableDurable(ctx context.Context, request DurableRequester) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.area != "" {
		return t.area, nil
	}
	area, err := request(ctx)
	if err != nil {
		return "", fmt.Errorf("enable durable locking: %w", err)
	}
	t.adoptArea(area)
	return area, nil
}

// Resume adopts an existing durable area, as when a view reopens one.
func (t *Tracker) Resume(area string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if area != "" && t.area == "" {
		t.adoptArea(area)
	}
}

func (t *Tracker) adoptArea(area string) {
	for id, s := range t.states {
		t.states[id] = s.Rename(t.viewOwner, Owner(area))
	}
	t.area = area
	t.log.WithField("area", area).Info("durable locking enabled")
}

// DisableDurable stops durable locking. With releaseLocks the area's locks are dropped,
// otherwise they stay with the area.
func (t *Tracker) DisableDurable(ctx context.Context, release DurableReleaser, releaseLocks bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.area == "" {
		return nil
	}
	if err := release(ctx, releaseLocks); err != nil {
		return fmt.Errorf("disable durable locking: %w", err)
	}
	area := Owner(t.area)
	if releaseLocks {
		for id, s := range t.states {
			s = s.Without(area, Read).Without(area, Write)
			if s.Unlocked() {
				delete(t.states, id)
			} else {
				t.states[id] = s
			}
		}
	}
	t.log.WithField("area", t.area).Info("durable locking disabled")
	t.area = ""
	return nil
}

// OnChange registers a listener and returns its cancel function.
func (t *Tracker) OnChange(l Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Dispatch calls every listener with changed. Callers invoke it after releasing their own locks.
func (t *Tracker) Dispatch(changed []State) {
	if len(changed) == 0 {
		return
	}
	t.mu.Lock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()
	for _, l := range ls {
		l(changed)
	}
}

func equalState(a, b State) bool {
	if a.Writer != b.Writer || len(a.Readers) != len(b.Readers) {
		return false
	}
	for i := range a.Readers {
		if a.Readers[i] != b.Readers[i] {
			return false
		}
	}
	return true
}
