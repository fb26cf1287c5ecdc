// Package model describes the classes of graph objects.
//
// The field system is deliberately abstract: a class is an ordered list of features,
// each holding scalars (Attribute), references to other objects (Reference), or
// references to contained children (Containment).
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
)

// FeatureKind says what a feature holds.
type FeatureKind uint8

const (
	Attribute FeatureKind = iota + 1
	Reference
	Containment
)

func (k FeatureKind) String() string {
	switch k {
	case Attribute:
		return "attr"
	case Reference:
		return "ref"
	case Containment:
		return "contains"
	default:
		return "unknown"
	}
}

// Feature is one named field of a class.
type Feature struct {
	Name string      `json:"name"`
	Kind FeatureKind `json:"kind"`
	Many bool        `json:"many"`
}

// IsReference reports whether values of f are object references.
func (f Feature) IsReference() bool { return f.Kind == Reference || f.Kind == Containment }

// Class is a named, ordered set of features.
type Class struct {
	Name     string    `json:"name"`
	Features []Feature `json:"features"`
}

// NewClass builds a class, forcing containment features to be many-valued.
func NewClass(name string, features ...Feature) (*Class, error) {
	if name == "" {
		return nil, fmt.Errorf("class name must not be empty")
	}
	seen := make(map[string]bool, len(features))
	c := &Class{Name: name}
	for _, f := range features {
		if f.Name == "" {
			return nil, fmt.Errorf("class %s: empty feature name", name)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("class %s: duplicate feature %q", name, f.Name)
		}
		seen[f.Name] = true
		if f.Kind == Containment {
			f.Many = true
		}
		c.Features = append(c.Features, f)
	}
	return c, nil
}

// MustClass is NewClass for statically known classes.
func MustClass(name string, features ...Feature) *Class {
	c, err := NewClass(name, features...)
	if err != nil {
		panic(err)
	}
	return c
}

// Feature returns the named feature.
func (c *Class) Feature(name string) (Feature, error) {
	for _, f := range c.Features {
		if f.Name == name {
			return f, nil
		}
	}
	return Feature{}, gerrors.ErrUnknownFeature.New(c.Name, name)
}

// Containments returns the containment features in declaration order.
func (c *Class) Containments() []Feature {
	var out []Feature
	for _, f := range c.Features {
		if f.Kind == Containment {
			out = append(out, f)
		}
	}
	return out
}

// ParseFeature reads the CLI form "name:kind" with an optional trailing "*" for many,
// e.g. "title:attr", "owner:ref", "tags:attr*", "children:contains".
func ParseFeature(s string) (Feature, error) {
	name, kind, found := strings.Cut(s, ":")
	if !found || name == "" {
		return Feature{}, fmt.Errorf("parse feature %q: want name:kind", s)
	}
	f := Feature{Name: name}
	if strings.HasSuffix(kind, "*") {
		f.Many = true
		kind = strings.TrimSuffix(kind, "*")
	}
	switch kind {
	case "attr":
		f.Kind = Attribute
	case "ref":
		f.Kind = Reference
	case "contains":
		f.Kind = Containment
		f.Many = true
	default:
		return Feature{}, fmt.Errorf("parse feature %q: unknown kind %q", s, kind)
	}
	return f, nil
}

// Registry resolves classes by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewRegistry returns a registry holding classes.
func NewRegistry(classes ...*Class) *Registry {
	r := &Registry{classes: make(map[string]*Class)}
	for _, c := range classes {
		r.classes[c.Name] = c
	}
	return r
}

// Register adds or replaces a class.
func (r *Registry) Register(c *Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name] = c
}

// Lookup returns the named class.
func (r *Registry) Lookup(name string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	if !ok {
		return nil, gerrors.ErrClassNotFound.New(name)
	}
	return c, nil
}

// List returns all classes sorted by name.
func (r *Registry) List() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarshalClass encodes a class for storage.
func MarshalClass(c *Class) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalClass decodes a stored class.
func UnmarshalClass(data []byte) (*Class, error) {
	var c Class
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal class: %w", err)
	}
	return NewClass(c.Name, c.Features...)
}
