// Package ident allocates and classifies object identifiers.
//
// An ID is one of:
//   - Persistent: assigned by the repository, stable forever
//   - Temporary:  allocated by a view for objects that were never committed;
//     replaced by a persistent id when the object is committed
//   - External:   a reference to an object outside this graph, addressed by URI
//
// IDs are small comparable values and are used directly as map keys.
package ident

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind classifies an ID.
type Kind uint8

const (
	Null Kind = iota
	Persistent
	Temporary
	External
)

func (k Kind) String() string {
	switch k {
	case Persistent:
		return "persistent"
	case Temporary:
		return "temporary"
	case External:
		return "external"
	default:
		return "null"
	}
}

// ID identifies one graph node.
type ID struct {
	kind Kind
	num  uint64
	uri  string
}

// NullID is the zero ID. It never identifies an object.
var NullID = ID{}

// NewPersistent returns the persistent id n.
func NewPersistent(n uint64) ID { return ID{kind: Persistent, num: n} }

// NewTemporary returns the temporary id with sequence seq.
func NewTemporary(seq uint64) ID { return ID{kind: Temporary, num: seq} }

// NewExternal returns an external reference to uri.
func NewExternal(uri string) ID { return ID{kind: External, uri: uri} }

// Classify returns the kind of id.
func Classify(id ID) Kind { return id.kind }

func (id ID) Kind() Kind         { return id.kind }
func (id ID) IsNull() bool       { return id.kind == Null }
func (id ID) IsPersistent() bool { return id.kind == Persistent }
func (id ID) IsTemporary() bool  { return id.kind == Temporary }
func (id ID) IsExternal() bool   { return id.kind == External }

// Num returns the numeric part of a persistent or temporary id.
func (id ID) Num() uint64 { return id.num }

// URI returns the target of an external id.
func (id ID) URI() string { return id.uri }

// String returns the textual form understood by Parse.
func (id ID) String() string {
	switch id.kind {
	case Persistent:
		return "p:" + strconv.FormatUint(id.num, 10)
	case Temporary:
		return "t:" + strconv.FormatUint(id.num, 10)
	case External:
		return "x:" + id.uri
	default:
		return "null"
	}
}

// Less orders ids by kind, then number, then uri.
func (id ID) Less(other ID) bool {
	if id.kind != other.kind {
		return id.kind < other.kind
	}
	if id.num != other.num {
		return id.num < other.num
	}
	return id.uri < other.uri
}

// Parse reads the textual form of an id ("p:12", "t:3", "x:<uri>", "null").
// A bare number is read as a persistent id.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return NullID, nil
	}
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return NullID, fmt.Errorf("parse id %q: %w", s, err)
		}
		return NewPersistent(n), nil
	}
	switch prefix {
	case "p", "t":
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return NullID, fmt.Errorf("parse id %q: %w", s, err)
		}
		if prefix == "p" {
			return NewPersistent(n), nil
		}
		return NewTemporary(n), nil
	case "x":
		if rest == "" {
			return NullID, fmt.Errorf("parse id %q: empty uri", s)
		}
		return NewExternal(rest), nil
	default:
		return NullID, fmt.Errorf("parse id %q: unknown prefix %q", s, prefix)
	}
}

// Allocator hands out temporary ids for one view. Sequences start at 1 and are never reused,
// so a temporary id that was remapped can never be handed out again.
type Allocator struct {
	next atomic.Uint64
}

// NewTemporary allocates the next temporary id.
func (a *Allocator) NewTemporary() ID {
	return NewTemporary(a.next.Add(1))
}

// Mapping maps temporary ids to the persistent ids assigned at commit.
type Mapping map[ID]ID

// Lookup returns the replacement for id, or id itself when it is not mapped.
func (m Mapping) Lookup(id ID) ID {
	if n, ok := m[id]; ok {
		return n
	}
	return id
}
