package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/store"
)

var folder = model.MustClass("Folder",
	model.Feature{Name: "name", Kind: model.Attribute},
	model.Feature{Name: "children", Kind: model.Containment},
)

// fakeClock returns a clock advancing one millisecond per call.
func fakeClock() func() time.Time {
	var mu sync.Mutex
	t := time.UnixMilli(1000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newRepo(t *testing.T, opts ...Option) *Local {
	t.Helper()
	l := NewLocal(append([]Option{WithClock(fakeClock())}, opts...)...)
	require.NoError(t, l.DefineClass(folder))
	t.Cleanup(l.Close)
	return l
}

func open(t *testing.T, l *Local, id string, p branch.Point) {
	t.Helper()
	_, err := l.OpenView(context.Background(), OpenRequest{ViewID: id, Point: p})
	require.NoError(t, err)
}

func newFolder(t *testing.T, seq uint64, name string) *revision.Revision {
	t.Helper()
	r := revision.New(folder, ident.NewTemporary(seq))
	_, err := r.Set("name", -1, revision.String(name))
	require.NoError(t, err)
	return r
}

func rename(t *testing.T, base *revision.Revision, name string) *revision.Delta {
	t.Helper()
	old, err := base.Get("name")
	require.NoError(t, err)
	d := revision.NewDelta(base.Key())
	d.Record(revision.FeatureDelta{Kind: revision.SetDelta, Feature: "name", Index: -1, Value: revision.String(name), Old: old})
	return d
}

func TestCommitAndFetch(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "v1", branch.Latest(branch.Main))

	res, err := l.Commit(ctx, CommitRequest{ViewID: "v1", New: []*revision.Revision{newFolder(t, 1, "root")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]
	require.True(t, id.IsPersistent())
	assert.Equal(t, 1, res.Versions[id])

	r, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Frozen())
	assert.True(t, r.Writable())
	assert.Equal(t, revision.Key{ID: id, Branch: branch.Main, Version: 1}, r.Key())

	res2, err := l.Commit(ctx, CommitRequest{ViewID: "v1", Deltas: []*revision.Delta{rename(t, r, "top")}})
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Versions[id])
	assert.Greater(t, res2.Timestamp, res.Timestamp)

	old, err := l.FetchRevision(ctx, id, branch.At(branch.Main, res.Timestamp))
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version())
	assert.Equal(t, res2.Timestamp, old.Revised())
	assert.False(t, old.ValidAt(0))
	assert.True(t, old.ValidAt(res.Timestamp))

	l.Protect(id)
	prot, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	assert.False(t, prot.Writable())

	missing, err := l.FetchRevision(ctx, ident.NewPersistent(999), branch.Latest(branch.Main))
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Len(t, l.History(id, branch.Main), 2)
}

func TestOptimisticConflict(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "a", branch.Latest(branch.Main))
	open(t, l, "b", branch.Latest(branch.Main))

	res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{newFolder(t, 1, "x")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]
	base, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)

	_, err = l.Commit(ctx, CommitRequest{ViewID: "a", Deltas: []*revision.Delta{rename(t, base, "from a")}})
	require.NoError(t, err)

	_, err = l.Commit(ctx, CommitRequest{ViewID: "b", Deltas: []*revision.Delta{rename(t, base, "from b")}})
	require.Error(t, err)
	assert.True(t, gerrors.Is(err, gerrors.ErrCommitConflict))
	var cc *gerrors.CommitConflictError
	require.ErrorAs(t, err, &cc)
	assert.Equal(t, []ident.ID{id}, cc.IDs)
}

func TestBranchResolution(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "v", branch.Latest(branch.Main))
	res, err := l.Commit(ctx, CommitRequest{ViewID: "v", New: []*revision.Revision{newFolder(t, 1, "main-1")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]

	_, err = l.CreateBranch("dev", branch.Latest(branch.Main))
	require.NoError(t, err)

	onDev, err := l.FetchRevision(ctx, id, branch.Latest("dev"))
	require.NoError(t, err)
	assert.Equal(t, branch.Main, onDev.Branch(), "dev sees main's revision through its base")

	// a later commit on main is invisible from dev
	mainRev, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	_, err = l.Commit(ctx, CommitRequest{ViewID: "v", Deltas: []*revision.Delta{rename(t, mainRev, "main-2")}})
	require.NoError(t, err)
	onDev, err = l.FetchRevision(ctx, id, branch.Latest("dev"))
	require.NoError(t, err)
	assert.Equal(t, 1, onDev.Version())

	open(t, l, "d", branch.Latest("dev"))
	res, err = l.Commit(ctx, CommitRequest{ViewID: "d", Deltas: []*revision.Delta{rename(t, onDev, "dev-1")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Versions[id], "first commit on a branch is version 1")

	sw, err := l.SwitchTarget(ctx, "v", branch.Latest("dev"), []revision.Key{{ID: id, Branch: branch.Main, Version: 2}})
	require.NoError(t, err)
	assert.Equal(t, []revision.Key{{ID: id, Branch: "dev", Version: 1}}, sw.Changed)
	require.Len(t, sw.Revisions, 1)
}

func TestDetachTombstones(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "v", branch.Latest(branch.Main))
	res, err := l.Commit(ctx, CommitRequest{ViewID: "v", New: []*revision.Revision{newFolder(t, 1, "gone")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]

	del, err := l.Commit(ctx, CommitRequest{ViewID: "v", Detached: []revision.Key{{ID: id, Branch: branch.Main, Version: 1}}})
	require.NoError(t, err)

	r, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	assert.Nil(t, r)

	before, err := l.FetchRevision(ctx, id, branch.At(branch.Main, res.Timestamp))
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, del.Timestamp, before.Revised())
}

func TestCommitRejectsDanglingTemporaries(t *testing.T) {
	l := newRepo(t)
	open(t, l, "v", branch.Latest(branch.Main))
	r := newFolder(t, 1, "p")
	require.NoError(t, r.Add("children", -1, revision.Ref(ident.NewTemporary(77))))
	_, err := l.Commit(context.Background(), CommitRequest{ViewID: "v", New: []*revision.Revision{r}})
	assert.True(t, gerrors.Is(err, gerrors.ErrDanglingReference))
}

func TestLockTimeoutAndWait(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "a", branch.Latest(branch.Main))
	open(t, l, "b", branch.Latest(branch.Main))
	res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{newFolder(t, 1, "x")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]
	key := revision.Key{ID: id, Branch: branch.Main, Version: 1}

	got, err := l.Lock(ctx, LockRequest{ViewID: "a", Keys: []revision.Key{key}, Type: locks.Write})
	require.NoError(t, err)
	assert.Equal(t, res.Timestamp, got.RequiredTimestamp)

	_, err = l.Lock(ctx, LockRequest{ViewID: "b", Keys: []revision.Key{key}, Type: locks.Write, Timeout: 0})
	assert.True(t, gerrors.Is(err, gerrors.ErrLockTimeout))

	_, err = l.Lock(ctx, LockRequest{ViewID: "b", Keys: []revision.Key{key}, Type: locks.Read, Timeout: 20 * time.Millisecond})
	assert.True(t, gerrors.Is(err, gerrors.ErrLockTimeout))

	granted := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, LockRequest{ViewID: "b", Keys: []revision.Key{key}, Type: locks.Write, Timeout: NoTimeout})
		granted <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_, err = l.Unlock(ctx, UnlockRequest{ViewID: "a"})
	require.NoError(t, err)
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting lock was not granted")
	}

	// a write lock by b blocks a's commit
	base, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	_, err = l.Commit(ctx, CommitRequest{ViewID: "a", Deltas: []*revision.Delta{rename(t, base, "y")}})
	assert.True(t, gerrors.Is(err, gerrors.ErrNoPermission))

	// closing b releases its non-durable locks
	require.NoError(t, l.CloseView(ctx, "b"))
	_, err = l.Commit(ctx, CommitRequest{ViewID: "a", Deltas: []*revision.Delta{rename(t, base, "y")}})
	require.NoError(t, err)
}

func TestLockStaleness(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "a", branch.Latest(branch.Main))
	res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{newFolder(t, 1, "x")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]
	base, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	_, err = l.Commit(ctx, CommitRequest{ViewID: "a", Deltas: []*revision.Delta{rename(t, base, "y")}})
	require.NoError(t, err)

	_, err = l.Lock(ctx, LockRequest{ViewID: "a", Keys: []revision.Key{base.Key()}, Type: locks.Write})
	assert.True(t, gerrors.Is(err, gerrors.ErrStaleRevision))
	assert.Equal(t, []ident.ID{id}, gerrors.StaleIDs(err))
}

func TestRecursiveLock(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "a", branch.Latest(branch.Main))
	parent := newFolder(t, 1, "parent")
	child := newFolder(t, 2, "child")
	require.NoError(t, parent.Add("children", -1, revision.Ref(child.ID())))
	_, _, err := child.SetContainer(parent.ID(), "children")
	require.NoError(t, err)
	res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{parent, child}})
	require.NoError(t, err)
	pid, cid := res.Mappings[parent.ID()], res.Mappings[child.ID()]

	got, err := l.Lock(ctx, LockRequest{ViewID: "a", Keys: []revision.Key{{ID: pid}}, Type: locks.Write, Recursive: true})
	require.NoError(t, err)
	require.Len(t, got.States, 2)
	assert.Equal(t, cid, got.States[1].ID)

	un, err := l.Unlock(ctx, UnlockRequest{ViewID: "a", IDs: []ident.ID{pid}, Recursive: true})
	require.NoError(t, err)
	assert.Len(t, un.States, 2)
}

type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	notes   []locks.Notification
}

func (s *recordingSink) Invalidate(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *recordingSink) LockChanged(n locks.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), len(s.notes)
}

func TestPushDelivery(t *testing.T) {
	ctx := context.Background()
	l := newRepo(t)
	open(t, l, "a", branch.Latest(branch.Main))
	sink := &recordingSink{}
	cancel := l.Subscribe("watcher", sink)
	defer cancel()

	var stamps []int64
	for i := uint64(1); i <= 3; i++ {
		res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{newFolder(t, i, "n")}})
		require.NoError(t, err)
		stamps = append(stamps, res.Timestamp)
	}
	_, err := l.Lock(ctx, LockRequest{ViewID: "a", Keys: []revision.Key{{ID: ident.NewPersistent(1)}}, Type: locks.Read})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, n := sink.counts()
		return b == 3 && n == 1
	}, 5*time.Second, time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, b := range sink.batches {
		assert.Equal(t, stamps[i], b.Timestamp, "batches arrive in commit order")
		assert.Equal(t, "a", b.Author)
	}
	assert.Equal(t, locks.Owner("a"), sink.notes[0].Owner)
}

func TestDurableAreaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.GetSharedDB(dir)
	require.NoError(t, err)

	l, err := OpenLocal(db.DB, WithClock(fakeClock()))
	require.NoError(t, err)
	require.NoError(t, l.DefineClass(folder))
	open(t, l, "a", branch.Latest(branch.Main))
	res, err := l.Commit(ctx, CommitRequest{ViewID: "a", New: []*revision.Revision{newFolder(t, 1, "kept")}})
	require.NoError(t, err)
	id := res.Mappings[ident.NewTemporary(1)]
	_, err = l.Lock(ctx, LockRequest{ViewID: "a", Keys: []revision.Key{{ID: id}}, Type: locks.Write})
	require.NoError(t, err)

	area, err := l.EnableDurableLocking(ctx, "a")
	require.NoError(t, err)
	again, err := l.EnableDurableLocking(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, area, again)
	require.NoError(t, l.CloseView(ctx, "a"))
	l.Close()
	require.NoError(t, db.Close())

	db, err = store.GetSharedDB(dir)
	require.NoError(t, err)
	defer db.Close()
	l, err = OpenLocal(db.DB)
	require.NoError(t, err)
	defer l.Close()

	r, err := l.FetchRevision(ctx, id, branch.Latest(branch.Main))
	require.NoError(t, err)
	require.NotNil(t, r)
	name, _ := r.Get("name")
	assert.Equal(t, revision.String("kept"), name)

	open(t, l, "b", branch.Latest(branch.Main))
	_, err = l.Lock(ctx, LockRequest{ViewID: "b", Keys: []revision.Key{{ID: id}}, Type: locks.Write})
	assert.True(t, gerrors.Is(err, gerrors.ErrLockTimeout), "the durable area still holds the lock")

	opened, err := l.OpenView(ctx, OpenRequest{ViewID: "c", Point: branch.Latest(branch.Main), DurableAreaID: area})
	require.NoError(t, err)
	require.Len(t, opened.LockStates, 1)
	assert.Equal(t, locks.Owner(area), opened.LockStates[0].Writer)

	require.NoError(t, l.DisableDurableLocking(ctx, "c", true))
	_, err = l.Lock(ctx, LockRequest{ViewID: "b", Keys: []revision.Key{{ID: id}}, Type: locks.Write})
	require.NoError(t, err)

	// a new persistent id never collides with one handed out before the restart
	res, err = l.Commit(ctx, CommitRequest{ViewID: "b", New: []*revision.Revision{newFolder(t, 1, "next")}})
	require.NoError(t, err)
	assert.NotEqual(t, id, res.Mappings[ident.NewTemporary(1)])
}
