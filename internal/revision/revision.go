// Package revision holds immutable snapshots of graph objects and the reversible deltas
// between them.
//
// A Revision is identified by (ID, Branch, Version). Revisions handed out by the repository or
// the shared cache are frozen; a writer obtains a private copy with Clone and freezes it again
// once committed.
package revision

import (
	"fmt"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/model"
)

// Permission is the access level the repository grants on a served revision.
type Permission uint8

const (
	PermNone Permission = iota
	PermRead
	PermWrite
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	default:
		return "none"
	}
}

// Key identifies one revision.
type Key struct {
	ID      ident.ID
	Branch  string
	Version int
}

func (k Key) String() string { return fmt.Sprintf("%s@%s/v%d", k.ID, k.Branch, k.Version) }

// FieldAccessor is the capability through which deltas read and mutate feature values.
// Index -1 on Set and Add means "single feature" and "append" respectively.
type FieldAccessor interface {
	IsMany(feature string) (bool, error)
	List(feature string) ([]Value, error)
	Set(feature string, index int, v Value) (Value, error)
	Unset(feature string) ([]Value, error)
	Add(feature string, index int, v Value) error
	Remove(feature string, index int) (Value, error)
	Clear(feature string) ([]Value, error)
	Move(feature string, from, to int) (Value, error)
	SetContainer(container ident.ID, field string) (ident.ID, string, error)
}

type slot struct {
	name   string
	many   bool
	values []Value
}

// Revision is one version of one object on one branch.
type Revision struct {
	id              ident.ID
	class           string
	branch          string
	version         int
	timestamp       int64
	revised         int64
	perm            Permission
	container       ident.ID
	containingField string
	slots           []slot
	frozen          bool
}

var _ FieldAccessor = (*Revision)(nil)

// New returns an empty, unfrozen, never-committed revision of class c.
func New(c *model.Class, id ident.ID) *Revision {
	r := &Revision{id: id, class: c.Name, perm: PermWrite, slots: make([]slot, len(c.Features))}
	for i, f := range c.Features {
		r.slots[i] = slot{name: f.Name, many: f.Many}
	}
	return r
}

func (r *Revision) ID() ident.ID            { return r.id }
func (r *Revision) Class() string           { return r.class }
func (r *Revision) Branch() string          { return r.branch }
func (r *Revision) Version() int            { return r.version }
func (r *Revision) Timestamp() int64        { return r.timestamp }
func (r *Revision) Revised() int64          { return r.revised }
func (r *Revision) Permission() Permission  { return r.perm }
func (r *Revision) Container() ident.ID     { return r.container }
func (r *Revision) ContainingField() string { return r.containingField }
func (r *Revision) Frozen() bool            { return r.frozen }

// Key returns the revision's identity.
func (r *Revision) Key() Key { return Key{ID: r.id, Branch: r.branch, Version: r.version} }

// Writable reports whether the repository granted write permission.
func (r *Revision) Writable() bool { return r.perm == PermWrite }

// Freeze makes r immutable. Freezing is permanent.
func (r *Revision) Freeze() { r.frozen = true }

// Clone returns an unfrozen deep copy of r.
func (r *Revision) Clone() *Revision {
	c := *r
	c.frozen = false
	c.slots = make([]slot, len(r.slots))
	for i, s := range r.slots {
		c.slots[i] = slot{name: s.name, many: s.many, values: append([]Value(nil), s.values...)}
	}
	return &c
}

// Served returns a frozen copy of r with the serving metadata set.
func (r *Revision) Served(revised int64, perm Permission) *Revision {
	var c *Revision
	if r.frozen {
		cp := *r
		c = &cp
	} else {
		c = r.Clone()
		c.frozen = true
	}
	c.revised = revised
	c.perm = perm
	return c
}

// Stamp records the commit coordinates on an unfrozen revision.
func (r *Revision) Stamp(branch string, version int, ts int64) error {
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.branch, r.version, r.timestamp, r.revised = branch, version, ts, 0
	return nil
}

// SetID renames an unfrozen revision.
func (r *Revision) SetID(id ident.ID) error {
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.id = id
	return nil
}

// ValidAt reports whether r is known to be the visible revision at ts. Latest (Unspecified)
// asks whether r is still current.
func (r *Revision) ValidAt(ts int64) bool {
	if ts == 0 {
		return r.revised == 0
	}
	return r.timestamp <= ts && (r.revised == 0 || ts < r.revised)
}

// Features returns the feature names in declaration order.
func (r *Revision) Features() []string {
	out := make([]string, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.name
	}
	return out
}

func (r *Revision) slot(feature string) (*slot, error) {
	for i := range r.slots {
		if r.slots[i].name == feature {
			return &r.slots[i], nil
		}
	}
	return nil, gerrors.ErrUnknownFeature.New(r.class, feature)
}

func (r *Revision) mutableSlot(feature string) (*slot, error) {
	if err := r.checkMutable(); err != nil {
		return nil, err
	}
	return r.slot(feature)
}

func (r *Revision) checkMutable() error {
	if r.frozen {
		return gerrors.ErrFrozenRevision.New(r.Key().String())
	}
	return nil
}

func (r *Revision) IsMany(feature string) (bool, error) {
	s, err := r.slot(feature)
	if err != nil {
		return false, err
	}
	return s.many, nil
}

// Get returns the value of a single-valued feature, or Null when unset.
func (r *Revision) Get(feature string) (Value, error) {
	s, err := r.slot(feature)
	if err != nil {
		return Null, err
	}
	if s.many {
		return Null, fmt.Errorf("feature %q of %s is many-valued", feature, r.class)
	}
	if len(s.values) == 0 {
		return Null, nil
	}
	return s.values[0], nil
}

// List returns a copy of the feature's values.
func (r *Revision) List(feature string) ([]Value, error) {
	s, err := r.slot(feature)
	if err != nil {
		return nil, err
	}
	return append([]Value(nil), s.values...), nil
}

func (r *Revision) Set(feature string, index int, v Value) (Value, error) {
	s, err := r.mutableSlot(feature)
	if err != nil {
		return Null, err
	}
	if !s.many {
		old := Null
		if len(s.values) > 0 {
			old = s.values[0]
		}
		if v.IsNull() {
			s.values = nil
		} else {
			s.values = []Value{v}
		}
		return old, nil
	}
	if v.IsNull() {
		return Null, fmt.Errorf("feature %q: null is not a list element", feature)
	}
	if index < 0 || index >= len(s.values) {
		return Null, gerrors.ErrIndexOutOfRange.New(index, feature, len(s.values))
	}
	old := s.values[index]
	s.values[index] = v
	return old, nil
}

func (r *Revision) Unset(feature string) ([]Value, error) {
	s, err := r.mutableSlot(feature)
	if err != nil {
		return nil, err
	}
	old := s.values
	s.values = nil
	return old, nil
}

func (r *Revision) Add(feature string, index int, v Value) error {
	s, err := r.mutableSlot(feature)
	if err != nil {
		return err
	}
	if !s.many {
		return fmt.Errorf("feature %q of %s is single-valued", feature, r.class)
	}
	if v.IsNull() {
		return fmt.Errorf("feature %q: null is not a list element", feature)
	}
	if index < 0 {
		index = len(s.values)
	}
	if index > len(s.values) {
		return gerrors.ErrIndexOutOfRange.New(index, feature, len(s.values))
	}
	s.values = append(s.values, Null)
	copy(s.values[index+1:], s.values[index:])
	s.values[index] = v
	return nil
}

func (r *Revision) Remove(feature string, index int) (Value, error) {
	s, err := r.mutableSlot(feature)
	if err != nil {
		return Null, err
	}
	if index < 0 || index >= len(s.values) {
		return Null, gerrors.ErrIndexOutOfRange.New(index, feature, len(s.values))
	}
	old := s.values[index]
	s.values = append(s.values[:index], s.values[index+1:]...)
	return old, nil
}

func (r *Revision) Clear(feature string) ([]Value, error) {
	return r.Unset(feature)
}

// Move relocates the element at from so that it ends up at index to.
func (r *Revision) Move(feature string, from, to int) (Value, error) {
	s, err := r.mutableSlot(feature)
	if err != nil {
		return Null, err
	}
	n := len(s.values)
	if from < 0 || from >= n {
		return Null, gerrors.ErrIndexOutOfRange.New(from, feature, n)
	}
	if to < 0 || to >= n {
		return Null, gerrors.ErrIndexOutOfRange.New(to, feature, n)
	}
	v := s.values[from]
	if from < to {
		copy(s.values[from:to], s.values[from+1:to+1])
	} else {
		copy(s.values[to+1:from+1], s.values[to:from])
	}
	s.values[to] = v
	return v, nil
}

func (r *Revision) SetContainer(container ident.ID, field string) (ident.ID, string, error) {
	if err := r.checkMutable(); err != nil {
		return ident.NullID, "", err
	}
	oldC, oldF := r.container, r.containingField
	r.container, r.containingField = container, field
	return oldC, oldF, nil
}

// References returns every object referenced from r's features, in feature order.
func (r *Revision) References() []ident.ID {
	var out []ident.ID
	for _, s := range r.slots {
		for _, v := range s.values {
			if id, ok := v.AsRef(); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

// RefersTo reports whether any feature of r references id.
func (r *Revision) RefersTo(id ident.ID) bool {
	for _, s := range r.slots {
		for _, v := range s.values {
			if v.References(id) {
				return true
			}
		}
	}
	return false
}

// Remap rewrites the id, container and all reference values of an unfrozen revision.
func (r *Revision) Remap(m ident.Mapping) error {
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.id = m.Lookup(r.id)
	r.container = m.Lookup(r.container)
	for i := range r.slots {
		for j, v := range r.slots[i].values {
			r.slots[i].values[j] = v.remap(m)
		}
	}
	return nil
}

// EqualContent reports whether a and b hold the same object content: id, class, container and
// feature values. Branch, version and serving metadata are ignored.
func EqualContent(a, b *Revision) bool {
	if a.id != b.id || a.class != b.class || a.container != b.container ||
		a.containingField != b.containingField || len(a.slots) != len(b.slots) {
		return false
	}
	for i := range a.slots {
		sa, sb := a.slots[i], b.slots[i]
		if sa.name != sb.name || len(sa.values) != len(sb.values) {
			return false
		}
		for j := range sa.values {
			if sa.values[j] != sb.values[j] {
				return false
			}
		}
	}
	return true
}
