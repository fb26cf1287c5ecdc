package revision

import (
	"fmt"
	"strings"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// DeltaKind is the kind of a feature edit.
type DeltaKind uint8

const (
	SetDelta DeltaKind = iota + 1
	UnsetDelta
	AddDelta
	RemoveDelta
	ClearDelta
	MoveDelta
	ContainerDelta
)

func (k DeltaKind) String() string {
	switch k {
	case SetDelta:
		return "set"
	case UnsetDelta:
		return "unset"
	case AddDelta:
		return "add"
	case RemoveDelta:
		return "remove"
	case ClearDelta:
		return "clear"
	case MoveDelta:
		return "move"
	case ContainerDelta:
		return "container"
	default:
		return "unknown"
	}
}

// FeatureDelta is one reversible edit. Old values are carried so Reverse needs no revision.
//
//	Set        Index (-1 for single features), Value, Old
//	Unset      Index (-1 for single features), OldList
//	Add        Index, Value
//	Remove     Index, Value (the removed element)
//	Clear      Index (-1 for single features), OldList
//	Move       From, Index (destination), Value (the moved element)
//	Container  Container, Field, OldContainer, OldField
type FeatureDelta struct {
	Kind         DeltaKind
	Feature      string
	Index        int
	From         int
	Value        Value
	Old          Value
	OldList      []Value
	Container    ident.ID
	Field        string
	OldContainer ident.ID
	OldField     string
}

func (fd FeatureDelta) String() string {
	switch fd.Kind {
	case SetDelta:
		return fmt.Sprintf("set %s[%d] %s -> %s", fd.Feature, fd.Index, fd.Old, fd.Value)
	case AddDelta, RemoveDelta:
		return fmt.Sprintf("%s %s[%d] %s", fd.Kind, fd.Feature, fd.Index, fd.Value)
	case MoveDelta:
		return fmt.Sprintf("move %s[%d->%d]", fd.Feature, fd.From, fd.Index)
	case ContainerDelta:
		return fmt.Sprintf("container %s.%s -> %s.%s", fd.OldContainer, fd.OldField, fd.Container, fd.Field)
	default:
		return fmt.Sprintf("%s %s", fd.Kind, fd.Feature)
	}
}

// Apply performs the edit on a.
func (fd FeatureDelta) Apply(a FieldAccessor) error {
	var err error
	switch fd.Kind {
	case SetDelta:
		_, err = a.Set(fd.Feature, fd.Index, fd.Value)
	case UnsetDelta:
		_, err = a.Unset(fd.Feature)
	case AddDelta:
		err = a.Add(fd.Feature, fd.Index, fd.Value)
	case RemoveDelta:
		_, err = a.Remove(fd.Feature, fd.Index)
	case ClearDelta:
		_, err = a.Clear(fd.Feature)
	case MoveDelta:
		_, err = a.Move(fd.Feature, fd.From, fd.Index)
	case ContainerDelta:
		_, _, err = a.SetContainer(fd.Container, fd.Field)
	default:
		err = fmt.Errorf("unknown delta kind %d", fd.Kind)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", fd, err)
	}
	return nil
}

// Reverse returns the edits undoing fd, in application order.
func (fd FeatureDelta) Reverse() []FeatureDelta {
	switch fd.Kind {
	case SetDelta:
		return []FeatureDelta{{Kind: SetDelta, Feature: fd.Feature, Index: fd.Index, Value: fd.Old, Old: fd.Value}}
	case UnsetDelta, ClearDelta:
		if len(fd.OldList) == 0 {
			return nil
		}
		if fd.Index == -1 {
			return []FeatureDelta{{Kind: SetDelta, Feature: fd.Feature, Index: -1, Value: fd.OldList[0]}}
		}
		out := make([]FeatureDelta, len(fd.OldList))
		for i, v := range fd.OldList {
			out[i] = FeatureDelta{Kind: AddDelta, Feature: fd.Feature, Index: i, Value: v}
		}
		return out
	case AddDelta:
		return []FeatureDelta{{Kind: RemoveDelta, Feature: fd.Feature, Index: fd.Index, Value: fd.Value}}
	case RemoveDelta:
		return []FeatureDelta{{Kind: AddDelta, Feature: fd.Feature, Index: fd.Index, Value: fd.Value}}
	case MoveDelta:
		return []FeatureDelta{{Kind: MoveDelta, Feature: fd.Feature, From: fd.Index, Index: fd.From, Value: fd.Value}}
	case ContainerDelta:
		return []FeatureDelta{{
			Kind: ContainerDelta, Container: fd.OldContainer, Field: fd.OldField,
			OldContainer: fd.Container, OldField: fd.Field,
		}}
	}
	return nil
}

func (fd FeatureDelta) remap(m ident.Mapping) FeatureDelta {
	fd.Value = fd.Value.remap(m)
	fd.Old = fd.Old.remap(m)
	if fd.OldList != nil {
		list := make([]Value, len(fd.OldList))
		for i, v := range fd.OldList {
			list[i] = v.remap(m)
		}
		fd.OldList = list
	}
	fd.Container = m.Lookup(fd.Container)
	fd.OldContainer = m.Lookup(fd.OldContainer)
	return fd
}

// singleValued reports whether fd edits a single-valued feature or the container.
func (fd FeatureDelta) singleValued() bool {
	switch fd.Kind {
	case SetDelta, UnsetDelta:
		return fd.Index == -1
	case ContainerDelta:
		return true
	}
	return false
}

// Delta is the pending change of one object relative to a base revision.
type Delta struct {
	ID      ident.ID
	Branch  string
	Version int
	Deltas  []FeatureDelta
}

// NewDelta returns an empty delta against base.
func NewDelta(base Key) *Delta {
	return &Delta{ID: base.ID, Branch: base.Branch, Version: base.Version}
}

// Base returns the key of the revision the delta applies to.
func (d *Delta) Base() Key { return Key{ID: d.ID, Branch: d.Branch, Version: d.Version} }

// IsEmpty reports whether d changes nothing.
func (d *Delta) IsEmpty() bool { return d == nil || len(d.Deltas) == 0 }

func (d *Delta) String() string {
	parts := make([]string, len(d.Deltas))
	for i, fd := range d.Deltas {
		parts[i] = fd.String()
	}
	return fmt.Sprintf("%s{%s}", d.Base(), strings.Join(parts, "; "))
}

// Clone returns a deep copy of d.
func (d *Delta) Clone() *Delta {
	c := *d
	c.Deltas = make([]FeatureDelta, len(d.Deltas))
	for i, fd := range d.Deltas {
		fd.OldList = append([]Value(nil), fd.OldList...)
		c.Deltas[i] = fd
	}
	return &c
}

// Apply performs every edit on a in order.
func (d *Delta) Apply(a FieldAccessor) error {
	for _, fd := range d.Deltas {
		if err := fd.Apply(a); err != nil {
			return fmt.Errorf("delta %s: %w", d.ID, err)
		}
	}
	return nil
}

// ApplyTo returns a new unfrozen revision holding base with d applied.
func (d *Delta) ApplyTo(base *Revision) (*Revision, error) {
	r := base.Clone()
	if err := d.Apply(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reverse returns the delta that undoes d.
func (d *Delta) Reverse() *Delta {
	r := &Delta{ID: d.ID, Branch: d.Branch, Version: d.Version}
	for i := len(d.Deltas) - 1; i >= 0; i-- {
		r.Deltas = append(r.Deltas, d.Deltas[i].Reverse()...)
	}
	return r
}

// Record appends fd. Repeated single-valued edits of one feature coalesce into one edit that
// keeps the original old value, and an edit returning the feature to that value is dropped.
func (d *Delta) Record(fd FeatureDelta) {
	if !fd.singleValued() {
		d.Deltas = append(d.Deltas, fd)
		return
	}
	for i, prev := range d.Deltas {
		if !prev.singleValued() || (prev.Kind == ContainerDelta) != (fd.Kind == ContainerDelta) {
			continue
		}
		if fd.Kind == ContainerDelta {
			fd.OldContainer, fd.OldField = prev.OldContainer, prev.OldField
			if fd.Container == fd.OldContainer && fd.Field == fd.OldField {
				d.remove(i)
			} else {
				d.Deltas[i] = fd
			}
			return
		}
		if prev.Feature != fd.Feature {
			continue
		}
		orig := prev.originalSingle()
		merged := FeatureDelta{Kind: SetDelta, Feature: fd.Feature, Index: -1, Old: orig}
		if fd.Kind == SetDelta {
			merged.Value = fd.Value
		}
		if merged.Value == orig {
			d.remove(i)
		} else {
			d.Deltas[i] = merged
		}
		return
	}
	if fd.Kind == UnsetDelta {
		// store as Set-to-null so later edits merge uniformly
		old := Null
		if len(fd.OldList) > 0 {
			old = fd.OldList[0]
		}
		fd = FeatureDelta{Kind: SetDelta, Feature: fd.Feature, Index: -1, Old: old}
	}
	d.Deltas = append(d.Deltas, fd)
}

func (fd FeatureDelta) originalSingle() Value {
	if fd.Kind == UnsetDelta {
		if len(fd.OldList) > 0 {
			return fd.OldList[0]
		}
		return Null
	}
	return fd.Old
}

func (d *Delta) remove(i int) {
	d.Deltas = append(d.Deltas[:i], d.Deltas[i+1:]...)
}

// Filter drops every edit for which keep returns false.
func (d *Delta) Filter(keep func(FeatureDelta) bool) {
	out := d.Deltas[:0]
	for _, fd := range d.Deltas {
		if keep(fd) {
			out = append(out, fd)
		}
	}
	d.Deltas = out
}

// Remap rewrites every id carried by d.
func (d *Delta) Remap(m ident.Mapping) {
	d.ID = m.Lookup(d.ID)
	for i, fd := range d.Deltas {
		d.Deltas[i] = fd.remap(m)
	}
}

// References returns ids that d introduces as new values.
func (d *Delta) References() []ident.ID {
	var out []ident.ID
	for _, fd := range d.Deltas {
		if fd.Kind == SetDelta || fd.Kind == AddDelta {
			if id, ok := fd.Value.AsRef(); ok {
				out = append(out, id)
			}
		}
	}
	return out
}
