// Package branch models branch points and the branch tree.
//
// A branch is a named line of history forked from a point on its base branch.
// Resolving an object at a point walks the branch's Path: first the branch itself up
// to the point's timestamp, then each base branch up to the fork timestamp.
package branch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
)

// Main is the root branch every repository starts with.
const Main = "main"

// Unspecified as a timestamp means "latest".
const Unspecified int64 = 0

// Point is a (branch, timestamp) coordinate.
type Point struct {
	Branch    string `json:"branch"`
	Timestamp int64  `json:"timestamp"`
}

// Latest returns the point tracking the head of branch.
func Latest(branch string) Point { return Point{Branch: branch} }

// At returns a fixed, historical point.
func At(branch string, ts int64) Point { return Point{Branch: branch, Timestamp: ts} }

// IsLatest reports whether p tracks the head of its branch.
func (p Point) IsLatest() bool { return p.Timestamp == Unspecified }

func (p Point) String() string {
	if p.IsLatest() {
		return p.Branch + "@latest"
	}
	return p.Branch + "@" + strconv.FormatInt(p.Timestamp, 10)
}

// ParsePoint reads "branch", "branch@latest" or "branch@<timestamp>".
func ParsePoint(s string) (Point, error) {
	name, ts, found := strings.Cut(strings.TrimSpace(s), "@")
	if name == "" {
		return Point{}, fmt.Errorf("parse branch point %q: empty branch", s)
	}
	if !found || ts == "latest" || ts == "" {
		return Latest(name), nil
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || n < 0 {
		return Point{}, fmt.Errorf("parse branch point %q: invalid timestamp", s)
	}
	return At(name, n), nil
}

// Branch describes one branch of the tree. The root branch has a zero Base.
type Branch struct {
	Name    string `json:"name"`
	Base    Point  `json:"base"`
	Created int64  `json:"created"`
}

// IsRoot reports whether b has no base branch.
func (b Branch) IsRoot() bool { return b.Base.Branch == "" }

// Segment is one step of a resolution path. Until is inclusive; Unspecified means unbounded.
type Segment struct {
	Branch string
	Until  int64
}

// Path is the ordered list of branch segments consulted when resolving at a point.
type Path []Segment

// Covers reports whether a revision committed on branch at ts is visible through the path
// segment for that branch.
func (p Path) Covers(branch string, ts int64) bool {
	for _, seg := range p {
		if seg.Branch == branch {
			return seg.Until == Unspecified || ts <= seg.Until
		}
	}
	return false
}

// Tree holds every branch of a repository.
type Tree struct {
	mu       sync.RWMutex
	branches map[string]Branch
}

// NewTree returns a tree containing only the main branch.
func NewTree() *Tree {
	return &Tree{branches: map[string]Branch{Main: {Name: Main}}}
}

// Create adds a branch forked at base. A latest base is pinned to created, so the fork
// point never moves.
func (t *Tree) Create(name string, base Point, created int64) (Branch, error) {
	if name == "" || strings.ContainsAny(name, "@ \t\n") {
		return Branch{}, fmt.Errorf("invalid branch name %q", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.branches[name]; exists {
		return Branch{}, fmt.Errorf("branch %q already exists", name)
	}
	if _, ok := t.branches[base.Branch]; !ok {
		return Branch{}, gerrors.ErrBranchNotFound.New(base.Branch)
	}
	if base.IsLatest() {
		base.Timestamp = created
	}
	b := Branch{Name: name, Base: base, Created: created}
	t.branches[name] = b
	return b, nil
}

// Restore inserts a previously persisted branch without validation.
func (t *Tree) Restore(b Branch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.branches[b.Name] = b
}

// Get returns the named branch.
func (t *Tree) Get(name string) (Branch, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.branches[name]
	return b, ok
}

// List returns all branches sorted by name.
func (t *Tree) List() []Branch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Branch, 0, len(t.branches))
	for _, b := range t.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Path returns the resolution path for p.
func (t *Tree) Path(p Point) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var path Path
	until := p.Timestamp
	name := p.Branch
	for depth := 0; ; depth++ {
		b, ok := t.branches[name]
		if !ok {
			return nil, gerrors.ErrBranchNotFound.New(name)
		}
		if depth > len(t.branches) {
			return nil, fmt.Errorf("branch %q: cyclic base chain", p.Branch)
		}
		path = append(path, Segment{Branch: name, Until: until})
		if b.IsRoot() {
			return path, nil
		}
		if until == Unspecified || until > b.Base.Timestamp {
			until = b.Base.Timestamp
		}
		name = b.Base.Branch
	}
}
