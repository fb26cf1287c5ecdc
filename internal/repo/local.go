package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/store"
)

const (
	counterNextID = "next-id"
	counterClock  = "clock"
)

// Option configures a Local repository.
type Option func(*Local)

// WithClock replaces the wall clock used to stamp commits.
func WithClock(now func() time.Time) Option { return func(l *Local) { l.now = now } }

// WithLogger sets the logger entry.
func WithLogger(log *logrus.Entry) Option { return func(l *Local) { l.log = log } }

type viewInfo struct {
	point    branch.Point
	readOnly bool
	area     string
}

// Local is an in-process repository. All state lives in memory; when opened over a store every
// change is written through before it becomes visible.
type Local struct {
	mu       sync.Mutex
	lockCond *sync.Cond

	db        *store.DB
	tree      *branch.Tree
	classes   *model.Registry
	revs      map[ident.ID]map[string][]*revision.Revision
	tombs     map[ident.ID]map[string]int64
	lockTable map[ident.ID]locks.State
	views     map[string]*viewInfo
	areas     map[string]bool
	protected map[ident.ID]bool
	nextID    uint64
	clock     int64

	now func() time.Time
	hub *hub
	log *logrus.Entry
}

var _ Repository = (*Local)(nil)

// NewLocal returns an empty in-memory repository holding the main branch.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		tree:      branch.NewTree(),
		classes:   model.NewRegistry(),
		revs:      make(map[ident.ID]map[string][]*revision.Revision),
		tombs:     make(map[ident.ID]map[string]int64),
		lockTable: make(map[ident.ID]locks.State),
		views:     make(map[string]*viewInfo),
		areas:     make(map[string]bool),
		protected: make(map[ident.ID]bool),
		now:       time.Now,
		hub:       newHub(),
	}
	l.lockCond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logrus.NewEntry(logrus.StandardLogger())
	}
	l.log = l.log.WithField("component", "repo")
	return l
}

// OpenLocal loads a repository from db and writes every later change through to it. The caller
// keeps ownership of db.
func OpenLocal(db *store.DB, opts ...Option) (*Local, error) {
	l := NewLocal(opts...)
	l.db = db
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	return l, nil
}

func (l *Local) load() error {
	branches, err := l.db.Branches()
	if err != nil {
		return err
	}
	for _, b := range branches {
		l.tree.Restore(b)
	}
	classes, err := l.db.Classes()
	if err != nil {
		return err
	}
	for _, c := range classes {
		l.classes.Register(c)
	}
	if err := l.db.ForEachRevision(func(r *revision.Revision) error {
		l.insert(r)
		return nil
	}); err != nil {
		return err
	}
	if err := l.db.ForEachTombstone(func(id ident.ID, b string, ts int64) error {
		l.tomb(id, b, ts)
		return nil
	}); err != nil {
		return err
	}
	if l.nextID, err = l.db.Counter(counterNextID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	clock, err := l.db.Counter(counterClock)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	l.clock = int64(clock)
	return l.db.ForEachArea(func(id string, data []byte) error {
		var a storedArea
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("area %s: %w", id, err)
		}
		l.areas[id] = true
		for _, s := range a.Locks {
			lid, err := ident.Parse(s.ID)
			if err != nil {
				return fmt.Errorf("area %s: %w", id, err)
			}
			st := l.lockTable[lid]
			st.ID = lid
			if s.Read {
				st = st.With(locks.Owner(id), locks.Read)
			}
			if s.Write {
				st = st.With(locks.Owner(id), locks.Write)
			}
			l.lockTable[lid] = st
		}
		return nil
	})
}

// Close stops push delivery to every subscriber.
func (l *Local) Close() { l.hub.closeAll() }

func (l *Local) insert(r *revision.Revision) {
	byBranch := l.revs[r.ID()]
	if byBranch == nil {
		byBranch = make(map[string][]*revision.Revision)
		l.revs[r.ID()] = byBranch
	}
	list := append(byBranch[r.Branch()], r)
	sort.Slice(list, func(i, j int) bool { return list[i].Version() < list[j].Version() })
	byBranch[r.Branch()] = list
}

func (l *Local) tomb(id ident.ID, b string, ts int64) {
	if l.tombs[id] == nil {
		l.tombs[id] = make(map[string]int64)
	}
	l.tombs[id][b] = ts
}

// tick advances the clock. Timestamps are milliseconds and strictly increasing.
func (l *Local) tick() int64 {
	ts := l.now().UnixMilli()
	if ts <= l.clock {
		ts = l.clock + 1
	}
	l.clock = ts
	return ts
}

func within(ts, until int64) bool { return until == branch.Unspecified || ts <= until }

// resolve returns the revision of id visible at p.
func (l *Local) resolve(id ident.ID, p branch.Point) (*revision.Revision, error) {
	path, err := l.tree.Path(p)
	if err != nil {
		return nil, err
	}
	for _, seg := range path {
		if ts, ok := l.tombs[id][seg.Branch]; ok && within(ts, seg.Until) {
			return nil, nil
		}
		list := l.revs[id][seg.Branch]
		for i := len(list) - 1; i >= 0; i-- {
			if within(list[i].Timestamp(), seg.Until) {
				return list[i], nil
			}
		}
	}
	return nil, nil
}

// serve returns the frozen copy of r handed to views, with its supersession time. Views
// restrict writes further by their own mode and point.
func (l *Local) serve(r *revision.Revision) *revision.Revision {
	var revised int64
	list := l.revs[r.ID()][r.Branch()]
	for _, next := range list {
		if next.Version() == r.Version()+1 {
			revised = next.Timestamp()
			break
		}
	}
	if ts, ok := l.tombs[r.ID()][r.Branch()]; ok && ts > r.Timestamp() && (revised == 0 || ts < revised) {
		revised = ts
	}
	perm := revision.PermWrite
	if l.protected[r.ID()] {
		perm = revision.PermRead
	}
	return r.Served(revised, perm)
}

func (l *Local) view(viewID string) (*viewInfo, error) {
	v, ok := l.views[viewID]
	if !ok {
		return nil, fmt.Errorf("unknown view %q", viewID)
	}
	return v, nil
}

func (l *Local) ownerOf(v *viewInfo, viewID string) locks.Owner {
	if v.area != "" {
		return locks.Owner(v.area)
	}
	return locks.Owner(viewID)
}

// Protect makes id read-only for every view.
func (l *Local) Protect(id ident.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.protected[id] = true
}

func (l *Local) OpenView(ctx context.Context, req OpenRequest) (OpenResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tree.Get(req.Point.Branch); !ok {
		return OpenResult{}, gerrors.ErrBranchNotFound.New(req.Point.Branch)
	}
	if _, exists := l.views[req.ViewID]; exists {
		return OpenResult{}, fmt.Errorf("view %q is already open", req.ViewID)
	}
	if req.DurableAreaID != "" && !l.areas[req.DurableAreaID] {
		return OpenResult{}, gerrors.ErrDurableLockingMode.New("unknown area " + req.DurableAreaID)
	}
	v := &viewInfo{point: req.Point, readOnly: req.ReadOnly, area: req.DurableAreaID}
	l.views[req.ViewID] = v
	res := OpenResult{Point: req.Point, Timestamp: l.clock, DurableAreaID: v.area}
	if v.area != "" {
		owner := locks.Owner(v.area)
		for _, s := range l.lockTable {
			if s.HeldBy(owner, locks.Read) || s.HeldBy(owner, locks.Write) {
				res.LockStates = append(res.LockStates, s)
			}
		}
		sortStates(res.LockStates)
	}
	l.log.WithFields(logrus.Fields{"view": req.ViewID, "point": req.Point.String()}).Debug("view opened")
	return res, nil
}

func (l *Local) CloseView(ctx context.Context, viewID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.views[viewID]
	if !ok {
		return nil
	}
	delete(l.views, viewID)
	if v.area == "" {
		changed := l.releaseAll(locks.Owner(viewID), 0)
		l.hub.lockChanged(locks.Notification{Owner: locks.Owner(viewID), States: changed})
		l.lockCond.Broadcast()
	}
	l.log.WithField("view", viewID).Debug("view closed")
	return nil
}

func (l *Local) FetchRevision(ctx context.Context, id ident.ID, point branch.Point) (*revision.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.resolve(id, point)
	if err != nil || r == nil {
		return nil, err
	}
	return l.serve(r), nil
}

func (l *Local) FetchRevisions(ctx context.Context, ids []ident.ID, point branch.Point, depth int) ([]*revision.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[ident.ID]bool)
	var out []*revision.Revision
	frontier := ids
	for level := 0; len(frontier) > 0 && level <= depth; level++ {
		var next []ident.ID
		for _, id := range frontier {
			if seen[id] || !id.IsPersistent() {
				continue
			}
			seen[id] = true
			r, err := l.resolve(id, point)
			if err != nil {
				return nil, err
			}
			if r == nil {
				continue
			}
			out = append(out, l.serve(r))
			next = append(next, r.References()...)
		}
		frontier = next
	}
	return out, nil
}

func (l *Local) SwitchTarget(ctx context.Context, viewID string, point branch.Point, stale []revision.Key) (SwitchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.view(viewID)
	if err != nil {
		return SwitchResult{}, err
	}
	if _, ok := l.tree.Get(point.Branch); !ok {
		return SwitchResult{}, gerrors.ErrBranchNotFound.New(point.Branch)
	}
	res := SwitchResult{Timestamp: l.clock}
	for _, k := range stale {
		r, err := l.resolve(k.ID, point)
		if err != nil {
			return SwitchResult{}, err
		}
		if r == nil {
			res.Detached = append(res.Detached, k.ID)
			continue
		}
		if r.Key() == k {
			continue
		}
		res.Changed = append(res.Changed, r.Key())
		res.Revisions = append(res.Revisions, l.serve(r))
	}
	v.point = point
	return res, nil
}

func (l *Local) Subscribe(viewID string, sink Sink) func() {
	return l.hub.subscribe(viewID, sink)
}

// DefineClass registers c.
func (l *Local) DefineClass(c *model.Class) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		if err := l.db.Write(func(w *store.Writer) error { return w.PutClass(c) }); err != nil {
			return fmt.Errorf("define class %s: %w", c.Name, err)
		}
	}
	l.classes.Register(c)
	return nil
}

// Classes returns the class registry.
func (l *Local) Classes() *model.Registry { return l.classes }

// CreateBranch forks name from base.
func (l *Local) CreateBranch(name string, base branch.Point) (branch.Branch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tree.Get(name); exists {
		return branch.Branch{}, fmt.Errorf("branch %q already exists", name)
	}
	created := l.tick()
	b, err := l.tree.Create(name, base, created)
	if err != nil {
		return branch.Branch{}, err
	}
	if l.db != nil {
		err := l.db.Write(func(w *store.Writer) error {
			if err := w.PutBranch(b); err != nil {
				return err
			}
			return w.PutCounter(counterClock, uint64(l.clock))
		})
		if err != nil {
			return branch.Branch{}, fmt.Errorf("create branch %s: %w", name, err)
		}
	}
	return b, nil
}

// Branches lists every branch.
func (l *Local) Branches() []branch.Branch { return l.tree.List() }

// History returns every revision of id committed on branch, oldest first.
func (l *Local) History(id ident.ID, branchName string) []*revision.Revision {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*revision.Revision
	for _, r := range l.revs[id][branchName] {
		out = append(out, l.serve(r))
	}
	return out
}

// Roots returns the ids of objects visible at p that have no container, sorted.
func (l *Local) Roots(p branch.Point) ([]ident.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ident.ID
	for id := range l.revs {
		r, err := l.resolve(id, p)
		if err != nil {
			return nil, err
		}
		if r != nil && r.Container().IsNull() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// Now returns the repository clock.
func (l *Local) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

func sortStates(states []locks.State) {
	sort.Slice(states, func(i, j int) bool { return states[i].ID.Less(states[j].ID) })
}
