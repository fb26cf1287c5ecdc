package view

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/fsm"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/invalidation"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

var folder = model.MustClass("Folder",
	model.Feature{Name: "name", Kind: model.Attribute},
	model.Feature{Name: "tags", Kind: model.Attribute, Many: true},
	model.Feature{Name: "link", Kind: model.Reference},
	model.Feature{Name: "children", Kind: model.Containment},
)

type fixture struct {
	t    *testing.T
	repo *repo.Local
	revs *revision.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := repo.NewLocal()
	require.NoError(t, l.DefineClass(folder))
	t.Cleanup(l.Close)
	return &fixture{t: t, repo: l, revs: newCache(t)}
}

func newCache(t *testing.T) *revision.Cache {
	t.Helper()
	c, err := revision.NewCache(256)
	require.NoError(t, err)
	return c
}

func (f *fixture) open(r repo.Repository, mutate ...func(o *Options)) *View {
	f.t.Helper()
	opts := Options{Classes: f.repo.Classes(), Revisions: f.revs}
	for _, m := range mutate {
		m(&opts)
	}
	v, err := Open(context.Background(), r, opts)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v
}

func create(t *testing.T, v *View, name string) *Handle {
	t.Helper()
	h, err := v.Create(context.Background(), "Folder")
	require.NoError(t, err)
	require.NoError(t, h.Set(context.Background(), "name", revision.String(name)))
	return h
}

func newObject(t *testing.T, v *View, name string) *Handle {
	t.Helper()
	h, err := v.NewObject("Folder")
	require.NoError(t, err)
	require.NoError(t, h.Set(context.Background(), "name", revision.String(name)))
	return h
}

func commit(t *testing.T, v *View) CommitInfo {
	t.Helper()
	info, err := v.Commit(context.Background())
	require.NoError(t, err)
	return info
}

func nameOf(t *testing.T, h *Handle) string {
	t.Helper()
	val, err := h.Get(context.Background(), "name")
	require.NoError(t, err)
	s, _ := val.AsString()
	return s
}

func rename(t *testing.T, v *View, h *Handle, name string) CommitInfo {
	t.Helper()
	require.NoError(t, h.Set(context.Background(), "name", revision.String(name)))
	return commit(t, v)
}

// deltaless strips deltas from pushed batches, so views cannot derive new revisions.
type deltaless struct{ *repo.Local }

func (d deltaless) Subscribe(viewID string, s repo.Sink) func() {
	return d.Local.Subscribe(viewID, stripSink{s})
}

type stripSink struct{ repo.Sink }

func (s stripSink) Invalidate(b invalidation.Batch) {
	b.Deltas = nil
	s.Sink.Invalidate(b)
}

// gated holds pushed batches until open is closed.
type gated struct {
	*repo.Local
	open chan struct{}
}

func (g gated) Subscribe(viewID string, s repo.Sink) func() {
	return g.Local.Subscribe(viewID, gateSink{s, g.open})
}

type gateSink struct {
	repo.Sink
	open chan struct{}
}

func (s gateSink) Invalidate(b invalidation.Batch) {
	<-s.open
	s.Sink.Invalidate(b)
}

type recordingPolicy struct {
	mu      sync.Mutex
	stale   []ident.ID
	removed []ident.ID
}

func (p *recordingPolicy) Stale(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale = append(p.stale, h.ID())
}

func (p *recordingPolicy) Removed(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, h.ID())
}

func (p *recordingPolicy) Invalid(*Handle, fsm.Event) {}

func (p *recordingPolicy) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stale), len(p.removed)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCreateWriteCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)

	h := create(t, v, "root")
	tmp := h.ID()
	assert.True(t, tmp.IsTemporary())
	assert.Equal(t, fsm.New, h.State())
	assert.True(t, v.Pending())

	info := commit(t, v)
	id := h.ID()
	require.True(t, id.IsPersistent())
	assert.Equal(t, id, info.Mappings[tmp])
	assert.Equal(t, 1, info.New)
	assert.Equal(t, fsm.Clean, h.State())
	assert.Equal(t, 1, h.Revision().Version())
	assert.True(t, h.Revision().Frozen())
	assert.False(t, v.Pending())
	assert.GreaterOrEqual(t, v.LastApplied(), info.Timestamp)

	info = rename(t, v, h, "renamed")
	assert.Equal(t, 1, info.Changed)
	assert.Equal(t, 2, h.Revision().Version())

	other := f.open(f.repo, func(o *Options) { o.Revisions = newCache(t) })
	got, err := other.Get(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, "renamed", nameOf(t, got))
	assert.Equal(t, 2, got.Revision().Version())

	missing, err := other.Get(ctx, ident.NewPersistent(999), false)
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, err = other.Get(ctx, ident.NewPersistent(999), true)
	assert.True(t, gerrors.Is(err, gerrors.ErrObjectNotFound), "got %v", err)
}

func TestCommittedIDsNeverEqualTemporaries(t *testing.T) {
	f := newFixture(t)
	v := f.open(f.repo)
	var live []ident.ID
	for i := 0; i < 3; i++ {
		create(t, v, "obj")
	}
	info := commit(t, v)
	for i := 0; i < 3; i++ {
		live = append(live, create(t, v, "pending").ID())
	}
	for _, id := range info.Mappings {
		assert.True(t, id.IsPersistent())
		assert.NotContains(t, live, id)
	}
}

func TestRemoteCommitResetsCleanToProxy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "v1")
	commit(t, writer)
	rename(t, writer, b, "v2")
	rename(t, writer, b, "v3")
	id := b.ID()

	policy := &recordingPolicy{}
	reader := f.open(deltaless{f.repo}, func(o *Options) {
		o.Revisions = newCache(t)
		o.Policy = policy
	})
	h, err := reader.Get(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, 3, h.Revision().Version())

	info := rename(t, writer, b, "v4")
	require.NoError(t, reader.AwaitTimestamp(ctx, info.Timestamp, time.Second))
	assert.Equal(t, fsm.Proxy, h.State())
	assert.Nil(t, h.Revision())
	require.Eventually(t, func() bool { n, _ := policy.counts(); return n >= 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "v4", nameOf(t, h))
	assert.Equal(t, fsm.Clean, h.State())
	assert.Equal(t, 4, h.Revision().Version())
}

func TestRemoteCommitAdoptsDerivedRevision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "one")
	commit(t, writer)

	reader := f.open(f.repo, func(o *Options) { o.Revisions = newCache(t) })
	h, err := reader.Get(ctx, b.ID(), true)
	require.NoError(t, err)

	changes := make(chan Change, 1)
	cancel := reader.Subscribe(b.ID(), func(c Change) { changes <- c })
	defer cancel()

	info := rename(t, writer, b, "two")
	require.NoError(t, reader.AwaitTimestamp(ctx, info.Timestamp, time.Second))
	assert.Equal(t, fsm.Clean, h.State())
	assert.Equal(t, 2, h.Revision().Version())
	assert.Equal(t, "two", nameOf(t, h))

	select {
	case c := <-changes:
		assert.Equal(t, b.ID(), c.ID)
		assert.Equal(t, 2, c.Key.Version)
		require.Len(t, c.Deltas, 1)
		assert.Equal(t, "name", c.Deltas[0].Feature)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestDirtyHandleConflictsWithRemoteCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "v1")
	commit(t, writer)
	rename(t, writer, b, "v2")
	rename(t, writer, b, "v3")

	got := make(chan []Conflict, 1)
	reader := f.open(f.repo, func(o *Options) {
		o.Resolver = func(cs []Conflict) { got <- cs }
	})
	h, err := reader.Get(ctx, b.ID(), true)
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "name", revision.String("local")))
	require.Equal(t, fsm.Dirty, h.State())

	rename(t, writer, b, "v4")
	var cs []Conflict
	select {
	case cs = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver not called")
	}
	require.Len(t, cs, 1)
	assert.Same(t, h, cs[0].Handle)
	assert.Equal(t, 3, cs[0].Old.Version())
	assert.Equal(t, 4, cs[0].Incoming.Version)
	require.NotNil(t, cs[0].Delta)
	assert.Equal(t, 3, cs[0].Delta.Base().Version)
	assert.Equal(t, fsm.Conflict, h.State())

	_, err = reader.Commit(ctx)
	assert.True(t, gerrors.Is(err, gerrors.ErrConflictDetected), "got %v", err)
	err = h.Set(ctx, "name", revision.String("again"))
	assert.True(t, gerrors.Is(err, gerrors.ErrConflictDetected), "got %v", err)

	require.NoError(t, reader.Rollback(ctx))
	assert.Equal(t, fsm.Proxy, h.State())
	assert.Equal(t, "v4", nameOf(t, h))
	assert.False(t, reader.Pending())
}

func TestRemoteDetachInvalidatesHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "doomed")
	commit(t, writer)
	id := a.ID()

	policy := &recordingPolicy{}
	reader := f.open(f.repo, func(o *Options) { o.Policy = policy })
	h, err := reader.Get(ctx, id, true)
	require.NoError(t, err)

	require.NoError(t, writer.Delete(ctx, a))
	info := commit(t, writer)
	assert.Equal(t, 1, info.Detached)
	require.NoError(t, reader.AwaitTimestamp(ctx, info.Timestamp, time.Second))

	assert.Equal(t, fsm.Invalid, h.State())
	_, err = h.Get(ctx, "name")
	assert.True(t, gerrors.Is(err, gerrors.ErrObjectNotFound), "got %v", err)
	_, err = reader.Get(ctx, id, true)
	assert.True(t, gerrors.Is(err, gerrors.ErrObjectNotFound), "got %v", err)
	require.Eventually(t, func() bool { _, n := policy.counts(); return n >= 1 }, time.Second, 5*time.Millisecond)
}

func TestLockTimeoutLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "b")
	commit(t, writer)
	id := b.ID()
	require.NoError(t, writer.Lock(ctx, []ident.ID{id}, locks.Write, 0, false))
	assert.True(t, writer.IsLocked(id, locks.Write, false))

	reader := f.open(f.repo)
	h, err := reader.Get(ctx, id, true)
	require.NoError(t, err)

	err = reader.Lock(ctx, []ident.ID{id}, locks.Write, 0, false)
	assert.True(t, gerrors.Is(err, gerrors.ErrLockTimeout), "got %v", err)
	assert.False(t, reader.IsLocked(id, locks.Write, false))
	assert.Equal(t, fsm.Clean, h.State())

	require.NoError(t, writer.Unlock(ctx, nil, 0, false))
	require.NoError(t, reader.Lock(ctx, []ident.ID{id}, locks.Write, 0, false))
	assert.True(t, reader.IsLocked(id, locks.Write, false))
}

func TestLockNewObjectLocallyThenAtRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	n := create(t, v, "new")
	tmp := n.ID()

	require.NoError(t, v.Lock(ctx, []ident.ID{tmp}, locks.Write, 0, false))
	assert.True(t, v.IsLocked(tmp, locks.Write, false))

	info := commit(t, v)
	id := info.Mappings[tmp]
	assert.True(t, v.IsLocked(id, locks.Write, false))
	assert.False(t, v.IsLocked(tmp, locks.Write, false))

	other := f.open(f.repo)
	err := other.Lock(ctx, []ident.ID{id}, locks.Write, 0, false)
	assert.True(t, gerrors.Is(err, gerrors.ErrLockTimeout), "got %v", err)
}

func TestLockWithRetryRefreshesStaleObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "one")
	commit(t, writer)
	id := a.ID()

	gate := make(chan struct{})
	reader := f.open(gated{f.repo, gate}, func(o *Options) { o.Revisions = newCache(t) })
	h, err := reader.Get(ctx, id, true)
	require.NoError(t, err)
	rename(t, writer, a, "two")

	err = reader.Lock(ctx, []ident.ID{id}, locks.Write, 0, false)
	require.True(t, gerrors.Is(err, gerrors.ErrStaleRevision), "got %v", err)
	assert.Equal(t, []ident.ID{id}, gerrors.StaleIDs(err))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, reader.LockWithRetry(ctx, []ident.ID{id}, locks.Write, time.Second, false))
	assert.True(t, reader.IsLocked(id, locks.Write, false))
	assert.Equal(t, "two", nameOf(t, h))
}

func TestDeleteDetachesWholeSubtree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)

	root := newObject(t, v, "root")
	for i := 0; i < 3; i++ {
		child := newObject(t, v, "child")
		require.NoError(t, child.AddChild(ctx, "children", -1, newObject(t, v, "grandchild")))
		require.NoError(t, root.AddChild(ctx, "children", -1, child))
	}
	require.NoError(t, v.Attach(ctx, root))
	require.Len(t, v.Handles(), 7)
	info := commit(t, v)
	assert.Equal(t, 7, info.New)
	rootID := root.ID()

	kids, err := root.Children(ctx, "children")
	require.NoError(t, err)
	require.Len(t, kids, 3)
	parent, err := kids[0].Container(ctx)
	require.NoError(t, err)
	assert.Same(t, root, parent)

	require.NoError(t, v.Delete(ctx, root))
	assert.Empty(t, v.Handles())
	assert.Equal(t, fsm.Transient, root.State())
	for _, k := range kids {
		assert.Equal(t, fsm.Transient, k.State())
	}
	info = commit(t, v)
	assert.Equal(t, 7, info.Detached)

	other := f.open(f.repo, func(o *Options) { o.Revisions = newCache(t) })
	_, err = other.Get(ctx, rootID, true)
	assert.True(t, gerrors.Is(err, gerrors.ErrObjectNotFound), "got %v", err)
}

func TestReattachRestoresIDAndCollapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	parent := create(t, v, "parent")
	require.NoError(t, parent.AddChild(ctx, "children", -1, newObject(t, v, "child")))
	commit(t, v)
	kids, err := parent.Children(ctx, "children")
	require.NoError(t, err)
	child := kids[0]
	id := child.ID()

	require.NoError(t, parent.Remove(ctx, "children", 0))
	assert.Equal(t, fsm.Transient, child.State())
	assert.Equal(t, fsm.Dirty, parent.State())
	assert.True(t, v.Pending())
	_, err = v.Get(ctx, id, true)
	assert.True(t, gerrors.Is(err, gerrors.ErrObjectNotFound), "got %v", err)

	require.NoError(t, parent.AddChild(ctx, "children", -1, child))
	assert.Equal(t, id, child.ID())
	assert.Equal(t, fsm.Clean, child.State())
	assert.Equal(t, fsm.Clean, parent.State())
	assert.False(t, v.Pending())

	// A detached object edited while transient comes back dirty.
	require.NoError(t, parent.Remove(ctx, "children", 0))
	require.NoError(t, child.Set(ctx, "name", revision.String("renamed")))
	require.NoError(t, parent.AddChild(ctx, "children", -1, child))
	assert.Equal(t, fsm.Dirty, child.State())
	require.NotNil(t, child.Delta())
	assert.Len(t, child.Delta().Deltas, 1)
	info := commit(t, v)
	assert.Equal(t, 1, info.Changed)
	assert.Equal(t, "renamed", nameOf(t, child))
}

func TestReattachCancelsSelfReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	b := create(t, v, "b")
	x := create(t, v, "x")
	require.NoError(t, x.Set(ctx, "link", b.Ref()))
	commit(t, v)
	bID := b.ID()

	require.NoError(t, v.Delete(ctx, b))
	require.NoError(t, x.Set(ctx, "name", revision.String("x2")))
	require.NoError(t, x.Set(ctx, "link", revision.Ref(bID)))
	require.Len(t, x.Delta().Deltas, 2)

	_, err := v.Commit(ctx)
	assert.True(t, gerrors.Is(err, gerrors.ErrDanglingReference), "got %v", err)
	assert.True(t, v.Pending())

	require.NoError(t, v.Attach(ctx, b))
	assert.Equal(t, bID, b.ID())
	assert.Equal(t, fsm.Clean, b.State())
	require.Len(t, x.Delta().Deltas, 1)
	assert.Equal(t, "name", x.Delta().Deltas[0].Feature)
	commit(t, v)
}

func TestDanglingReferenceToDeletedNewObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	x := create(t, v, "x")
	y := create(t, v, "y")
	require.NoError(t, x.Set(ctx, "link", y.Ref()))
	require.NoError(t, v.Delete(ctx, y))

	_, err := v.Commit(ctx)
	assert.True(t, gerrors.Is(err, gerrors.ErrDanglingReference), "got %v", err)
	assert.Equal(t, fsm.New, x.State())
}

func TestListRoundTripCollapsesToClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	h := create(t, v, "tagged")
	for _, tag := range []string{"a", "b", "c"} {
		require.NoError(t, h.Add(ctx, "tags", revision.String(tag)))
	}
	commit(t, v)

	require.NoError(t, h.Remove(ctx, "tags", 1))
	assert.Equal(t, fsm.Dirty, h.State())
	require.NoError(t, h.Insert(ctx, "tags", 1, revision.String("b")))
	assert.Equal(t, fsm.Clean, h.State())
	assert.Nil(t, h.Delta())
	assert.False(t, v.Pending())

	require.NoError(t, h.Move(ctx, "tags", 0, 2))
	require.NoError(t, h.Move(ctx, "tags", 2, 0))
	assert.Equal(t, fsm.Clean, h.State())
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	h := create(t, v, "zero")
	commit(t, v)

	require.NoError(t, h.Set(ctx, "name", revision.String("one")))
	sp := v.SetSavepoint()
	require.NoError(t, h.Set(ctx, "name", revision.String("two")))
	n := create(t, v, "later")
	require.NoError(t, v.Delete(ctx, h))

	require.NoError(t, v.RollbackToSavepoint(ctx, sp))
	assert.Equal(t, fsm.Dirty, h.State())
	assert.Equal(t, "one", nameOf(t, h))
	assert.Equal(t, fsm.Transient, n.State())
	assert.True(t, v.Pending())

	err := v.RollbackToSavepoint(ctx, Savepoint(5))
	assert.Error(t, err)
	info := commit(t, v)
	assert.Equal(t, 1, info.Changed)
	assert.Equal(t, 0, info.New)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	a := create(t, v, "a")
	b := create(t, v, "b")
	commit(t, v)
	aID, bID := a.ID(), b.ID()

	require.NoError(t, a.Set(ctx, "name", revision.String("changed")))
	require.NoError(t, v.Delete(ctx, b))
	n := create(t, v, "new")

	require.NoError(t, v.Rollback(ctx))
	assert.False(t, v.Pending())
	assert.Equal(t, fsm.Proxy, a.State())
	assert.Equal(t, "a", nameOf(t, a))
	assert.Equal(t, fsm.Transient, n.State())

	got, err := v.Get(ctx, bID, true)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, "b", nameOf(t, got))
	assert.Equal(t, aID, a.ID())
}

func TestTimeBasedEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	var ids []ident.ID
	for _, n := range []string{"a", "b", "c"} {
		h := create(t, writer, n)
		commit(t, writer)
		ids = append(ids, h.ID())
	}

	clock := &manualClock{t: time.Unix(1000, 0)}
	v := f.open(f.repo, func(o *Options) {
		o.Cache = TimeBased{TTL: time.Minute}
		o.Now = clock.Now
	})
	a, err := v.Get(ctx, ids[0], true)
	require.NoError(t, err)
	b, err := v.Get(ctx, ids[1], true)
	require.NoError(t, err)
	b.Pin()

	clock.Advance(2 * time.Minute)
	_, err = v.Get(ctx, ids[2], true)
	require.NoError(t, err)
	assert.Equal(t, []ident.ID{ids[1], ids[2]}, v.Handles())

	assert.Equal(t, "a", nameOf(t, a))
	assert.Contains(t, v.Handles(), ids[0])
	again, err := v.Get(ctx, ids[0], false)
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestRefCountedEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "a")
	b := create(t, writer, "b")
	commit(t, writer)

	v := f.open(f.repo, func(o *Options) { o.Cache = RefCounted{} })
	ha, err := v.Get(ctx, a.ID(), true)
	require.NoError(t, err)
	hb, err := v.Get(ctx, b.ID(), true)
	require.NoError(t, err)

	ha.Retain()
	ha.Release()
	assert.NotContains(t, v.Handles(), a.ID())

	hb.Retain()
	require.NoError(t, hb.Set(ctx, "name", revision.String("dirty")))
	hb.Release()
	assert.Contains(t, v.Handles(), b.ID(), "dirty handles are never evicted")
}

func TestSetBranchPoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "main")
	commit(t, writer)
	_, err := f.repo.CreateBranch("dev", branch.Latest(branch.Main))
	require.NoError(t, err)

	dev := f.open(f.repo, func(o *Options) { o.Point = branch.Latest("dev") })
	ha, err := dev.Get(ctx, a.ID(), true)
	require.NoError(t, err)
	assert.Equal(t, "main", nameOf(t, ha))
	info := rename(t, dev, ha, "dev")
	assert.Equal(t, 1, ha.Revision().Version())
	assert.Equal(t, "dev", ha.Revision().Branch())

	v := f.open(f.repo)
	require.NoError(t, v.AwaitTimestamp(ctx, info.Timestamp, time.Second))
	h, err := v.Get(ctx, a.ID(), true)
	require.NoError(t, err)
	assert.Equal(t, "main", nameOf(t, h))

	changed, err := v.SetBranchPoint(ctx, branch.Latest("dev"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, fsm.Clean, h.State())
	assert.Equal(t, "dev", nameOf(t, h))
	assert.Equal(t, "dev", v.Point().Branch)

	changed, err = v.SetBranchPoint(ctx, branch.Latest("dev"))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = v.SetBranchPoint(ctx, branch.At(branch.Main, info.Timestamp))
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)

	require.NoError(t, h.Set(ctx, "name", revision.String("pending")))
	_, err = v.SetBranchPoint(ctx, branch.Latest(branch.Main))
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)
}

func TestHistoricalReadOnlyView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "one")
	first := commit(t, writer)
	rename(t, writer, a, "two")

	_, err := Open(ctx, f.repo, Options{Point: branch.At(branch.Main, first.Timestamp), Classes: f.repo.Classes(), Revisions: f.revs})
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)

	hist := f.open(f.repo, func(o *Options) {
		o.Point = branch.At(branch.Main, first.Timestamp)
		o.Mode = ReadOnly
	})
	_, ok := hist.AsCommittable()
	assert.False(t, ok)
	h, err := hist.Get(ctx, a.ID(), true)
	require.NoError(t, err)
	assert.Equal(t, "one", nameOf(t, h))
	err = h.Set(ctx, "name", revision.String("nope"))
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)

	third := rename(t, writer, a, "three")
	require.NoError(t, hist.AwaitTimestamp(ctx, third.Timestamp, time.Second))
	assert.Equal(t, third.Timestamp, h.RevisedAt())
	assert.Equal(t, "one", nameOf(t, h))
}

func TestDurableLockingForbidsBranchSwitch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	a := create(t, v, "a")
	commit(t, v)
	require.NoError(t, v.Lock(ctx, []ident.ID{a.ID()}, locks.Write, 0, false))

	area, err := v.EnableDurableLocking(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, area)
	again, err := v.EnableDurableLocking(ctx)
	require.NoError(t, err)
	assert.Equal(t, area, again)
	assert.True(t, v.IsLocked(a.ID(), locks.Write, false))

	_, err = v.SetBranchPoint(ctx, branch.Latest("elsewhere"))
	assert.True(t, gerrors.Is(err, gerrors.ErrDurableLockingMode), "got %v", err)

	require.NoError(t, v.Close(ctx))
	resumed := f.open(f.repo, func(o *Options) { o.DurableAreaID = area })
	assert.Equal(t, area, resumed.DurableArea())
	assert.True(t, resumed.IsLocked(a.ID(), locks.Write, false))
	require.NoError(t, resumed.DisableDurableLocking(ctx, true))
	assert.False(t, resumed.IsLocked(a.ID(), locks.Write, false))
}

func TestPrefetchFillsRevisionCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	root := create(t, writer, "root")
	for i := 0; i < 3; i++ {
		require.NoError(t, root.AddChild(ctx, "children", -1, newObject(t, writer, "child")))
	}
	commit(t, writer)

	own := newCache(t)
	reader := f.open(f.repo, func(o *Options) {
		o.Revisions = own
		o.PrefetchChunk = 2
	})
	reader.Prefetch(ctx, root.ID(), 1)
	assert.Equal(t, 4, own.Len())
}

func TestClosedView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	h := create(t, v, "a")
	commit(t, v)

	require.NoError(t, v.Close(ctx))
	require.NoError(t, v.Close(ctx))
	assert.True(t, v.Closed())
	_, err := v.Get(ctx, h.ID(), true)
	assert.True(t, gerrors.Is(err, gerrors.ErrViewClosed), "got %v", err)
	_, err = h.Get(ctx, "name")
	assert.True(t, gerrors.Is(err, gerrors.ErrViewClosed), "got %v", err)
	_, err = v.Commit(ctx)
	assert.True(t, gerrors.Is(err, gerrors.ErrViewClosed), "got %v", err)
}

func TestContainmentFeaturesRejectPlainEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(f.repo)
	h := create(t, v, "a")
	assert.Error(t, h.Add(ctx, "children", revision.String("x")))
	err := h.Set(ctx, "missing", revision.String("x"))
	assert.True(t, gerrors.Is(err, gerrors.ErrUnknownFeature), "got %v", err)
	assert.Error(t, h.AddChild(ctx, "children", -1, h))
}

func TestDirtyHandleConflictsAtItsBaseVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "v1")
	info := commit(t, writer)

	got := make(chan []Conflict, 1)
	reader := f.open(f.repo, func(o *Options) {
		o.Revisions = newCache(t)
		o.Resolver = func(cs []Conflict) { got <- cs }
	})
	h, err := reader.Get(ctx, b.ID(), true)
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "name", revision.String("local")))
	key := revision.Key{ID: b.ID(), Branch: branch.Main, Version: 1}

	// A late delivery of the commit the handle was loaded from changes nothing.
	reader.ApplyBatch(invalidation.Batch{Branch: branch.Main, Timestamp: info.Timestamp, Changed: []revision.Key{key}})
	assert.Equal(t, fsm.Dirty, h.State())
	assert.Empty(t, got)

	reader.ApplyBatch(invalidation.Batch{Branch: branch.Main, Timestamp: info.Timestamp + 1, Changed: []revision.Key{key}})
	assert.Equal(t, fsm.Conflict, h.State())
	select {
	case cs := <-got:
		require.Len(t, cs, 1)
		assert.Same(t, h, cs[0].Handle)
		assert.Equal(t, 1, cs[0].Incoming.Version)
	case <-time.After(time.Second):
		t.Fatal("resolver not called")
	}
}

func TestHistoricalViewCannotMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	create(t, writer, "one")
	first := commit(t, writer)

	hist := f.open(f.repo, func(o *Options) {
		o.Point = branch.At(branch.Main, first.Timestamp)
		o.Mode = ReadOnly
	})
	changed, err := hist.SetBranchPoint(ctx, branch.Latest(branch.Main))
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)
	assert.False(t, changed)
	assert.Equal(t, branch.At(branch.Main, first.Timestamp), hist.Point())

	changed, err = hist.SetBranchPoint(ctx, branch.At(branch.Main, first.Timestamp))
	require.NoError(t, err)
	assert.False(t, changed)

	reader := f.open(f.repo, func(o *Options) { o.Mode = ReadOnly })
	changed, err = reader.SetBranchPoint(ctx, branch.At(branch.Main, first.Timestamp))
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = reader.SetBranchPoint(ctx, branch.Latest(branch.Main))
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission), "got %v", err)
}

func TestCloseWakesBlockedOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "one")
	commit(t, writer)

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	reader := f.open(gated{f.repo, gate})

	info := rename(t, writer, a, "two")
	errs := make(chan error, 2)
	go func() { errs <- reader.AwaitTimestamp(ctx, info.Timestamp, 0) }()
	go func() { errs <- reader.Lock(ctx, []ident.ID{a.ID()}, locks.Read, 0, false) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-errs:
		t.Fatalf("returned before close: %v", err)
	default:
	}

	require.NoError(t, reader.Close(ctx))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, gerrors.Is(err, gerrors.ErrViewClosed), "got %v", err)
		case <-time.After(time.Second):
			t.Fatal("close did not wake a blocked operation")
		}
	}
}

func TestLockWaitsForRequiredTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "one")
	commit(t, writer)

	gate := make(chan struct{})
	reader := f.open(gated{f.repo, gate})
	info := rename(t, writer, a, "two")

	done := make(chan error, 1)
	go func() { done <- reader.Lock(ctx, []ident.ID{a.ID()}, locks.Write, 2*time.Second, false) }()

	select {
	case err := <-done:
		t.Fatalf("lock returned before the commit was applied: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock still blocked")
	}
	assert.GreaterOrEqual(t, reader.LastApplied(), info.Timestamp)
	assert.True(t, reader.IsLocked(a.ID(), locks.Write, false))
	h, err := reader.Get(ctx, a.ID(), true)
	require.NoError(t, err)
	assert.Equal(t, "two", nameOf(t, h))
}

func TestLockChangesFromOtherViewsReachListeners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	a := create(t, writer, "one")
	commit(t, writer)

	reader := f.open(f.repo)
	seen := make(chan int, 4)
	cancel := reader.OnLockChange(func(states []locks.State) {
		// The view is unlocked while listeners run.
		seen <- len(reader.Handles())
	})
	defer cancel()

	require.NoError(t, writer.Lock(ctx, []ident.ID{a.ID()}, locks.Write, 0, false))
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("no lock notification")
	}
	assert.True(t, reader.IsLocked(a.ID(), locks.Write, true))
	assert.False(t, reader.IsLocked(a.ID(), locks.Write, false))

	require.NoError(t, writer.Unlock(ctx, []ident.ID{a.ID()}, locks.Write, false))
	require.Eventually(t, func() bool { return !reader.IsLocked(a.ID(), locks.Write, true) }, time.Second, 5*time.Millisecond)
}

func TestProxyResetsAreNotChangeNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writer := f.open(f.repo)
	b := create(t, writer, "v1")
	commit(t, writer)

	reader := f.open(deltaless{f.repo}, func(o *Options) { o.Revisions = newCache(t) })
	h, err := reader.Get(ctx, b.ID(), true)
	require.NoError(t, err)
	changes := make(chan Change, 4)
	cancel := reader.Subscribe(b.ID(), func(c Change) { changes <- c })
	defer cancel()

	info := rename(t, writer, b, "v2")
	require.NoError(t, reader.AwaitTimestamp(ctx, info.Timestamp, time.Second))
	assert.Equal(t, fsm.Proxy, h.State())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, changes)
}
