package revision

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/model"
)

var folder = model.MustClass("Folder",
	model.Feature{Name: "name", Kind: model.Attribute},
	model.Feature{Name: "tags", Kind: model.Attribute, Many: true},
	model.Feature{Name: "owner", Kind: model.Reference},
	model.Feature{Name: "children", Kind: model.Containment},
)

func newFolder(t *testing.T) *Revision {
	t.Helper()
	r := New(folder, ident.NewPersistent(1))
	_, err := r.Set("name", -1, String("root"))
	require.NoError(t, err)
	for _, tag := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add("tags", -1, String(tag)))
	}
	require.NoError(t, r.Stamp("main", 3, 100))
	r.Freeze()
	return r
}

func tags(t *testing.T, r *Revision) []Value {
	t.Helper()
	v, err := r.List("tags")
	require.NoError(t, err)
	return v
}

func TestFrozenRejectsWrites(t *testing.T) {
	r := newFolder(t)
	_, err := r.Set("name", -1, String("x"))
	assert.True(t, gerrors.Is(err, gerrors.ErrFrozenRevision))

	c := r.Clone()
	_, err = c.Set("name", -1, String("x"))
	require.NoError(t, err)
	v, _ := r.Get("name")
	assert.Equal(t, String("root"), v, "clone must not alias the original")
}

func TestFieldAccess(t *testing.T) {
	r := newFolder(t).Clone()

	_, err := r.Get("missing")
	assert.True(t, gerrors.Is(err, gerrors.ErrUnknownFeature))

	_, err = r.Remove("tags", 7)
	assert.True(t, gerrors.Is(err, gerrors.ErrIndexOutOfRange))

	moved, err := r.Move("tags", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, String("a"), moved)
	assert.Equal(t, []Value{String("b"), String("c"), String("a")}, tags(t, r))

	_, err = r.Move("tags", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []Value{String("a"), String("b"), String("c")}, tags(t, r))

	assert.Error(t, r.Add("name", 0, String("x")), "single-valued features reject Add")
	assert.Error(t, r.Add("tags", 0, Null), "lists hold no nulls")
}

func TestValidAt(t *testing.T) {
	r := newFolder(t)
	assert.True(t, r.ValidAt(0))
	assert.True(t, r.ValidAt(150))
	assert.False(t, r.ValidAt(99))

	s := r.Served(200, PermRead)
	assert.False(t, s.ValidAt(0))
	assert.True(t, s.ValidAt(199))
	assert.False(t, s.ValidAt(200))
	assert.False(t, s.Writable())
}

func TestDeltaReverseRoundTrip(t *testing.T) {
	base := newFolder(t)
	d := NewDelta(base.Key())
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("renamed"), Old: String("root")})
	d.Record(FeatureDelta{Kind: RemoveDelta, Feature: "tags", Index: 1, Value: String("b")})
	d.Record(FeatureDelta{Kind: AddDelta, Feature: "tags", Index: 0, Value: String("z")})
	d.Record(FeatureDelta{Kind: MoveDelta, Feature: "tags", From: 0, Index: 2, Value: String("z")})
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "owner", Index: -1, Value: Ref(ident.NewPersistent(9))})
	d.Record(FeatureDelta{Kind: ContainerDelta, Container: ident.NewPersistent(5), Field: "children"})

	changed, err := d.ApplyTo(base)
	require.NoError(t, err)
	assert.Equal(t, []Value{String("a"), String("c"), String("z")}, tags(t, changed))

	restored, err := d.Reverse().ApplyTo(changed)
	require.NoError(t, err)
	assert.True(t, EqualContent(base, restored))
	assert.Equal(t, base.ContentDigest(), restored.ContentDigest())
}

func TestReverseOfClear(t *testing.T) {
	base := newFolder(t)
	d := NewDelta(base.Key())
	d.Record(FeatureDelta{Kind: ClearDelta, Feature: "tags", OldList: tags(t, base)})
	d.Record(FeatureDelta{Kind: UnsetDelta, Feature: "name", Index: -1, OldList: []Value{String("root")}})

	cleared, err := d.ApplyTo(base)
	require.NoError(t, err)
	assert.Empty(t, tags(t, cleared))

	restored, err := d.Reverse().ApplyTo(cleared)
	require.NoError(t, err)
	assert.True(t, EqualContent(base, restored))
}

func TestRecordCoalescesSingleValued(t *testing.T) {
	d := NewDelta(Key{ID: ident.NewPersistent(1), Branch: "main", Version: 1})
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("b"), Old: String("a")})
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("c"), Old: String("b")})
	require.Len(t, d.Deltas, 1)
	assert.Equal(t, String("a"), d.Deltas[0].Old)
	assert.Equal(t, String("c"), d.Deltas[0].Value)

	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("a"), Old: String("c")})
	assert.True(t, d.IsEmpty(), "writing the original value back cancels the edit")

	d.Record(FeatureDelta{Kind: UnsetDelta, Feature: "name", Index: -1, OldList: []Value{String("a")}})
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("a")})
	assert.True(t, d.IsEmpty())
}

func TestAccumulatedWritesEqualDiff(t *testing.T) {
	base := newFolder(t)
	work := base.Clone()
	d := NewDelta(base.Key())

	old, err := work.Set("name", -1, String("x"))
	require.NoError(t, err)
	d.Record(FeatureDelta{Kind: SetDelta, Feature: "name", Index: -1, Value: String("x"), Old: old})
	removed, err := work.Remove("tags", 0)
	require.NoError(t, err)
	d.Record(FeatureDelta{Kind: RemoveDelta, Feature: "tags", Index: 0, Value: removed})
	require.NoError(t, work.Add("tags", 1, String("q")))
	d.Record(FeatureDelta{Kind: AddDelta, Feature: "tags", Index: 1, Value: String("q")})

	diff, err := Diff(base, work)
	require.NoError(t, err)

	viaRecorded, err := d.ApplyTo(base)
	require.NoError(t, err)
	viaDiff, err := diff.ApplyTo(base)
	require.NoError(t, err)
	assert.True(t, EqualContent(viaRecorded, viaDiff))
	assert.True(t, EqualContent(work, viaDiff))
}

func TestDiffIsDeterministicAndMinimal(t *testing.T) {
	base := newFolder(t)
	work := base.Clone()
	_, err := work.Unset("tags")
	require.NoError(t, err)
	for _, tag := range []string{"b", "x", "c", "a"} {
		require.NoError(t, work.Add("tags", -1, String(tag)))
	}

	d1, err := Diff(base, work)
	require.NoError(t, err)
	d2, err := Diff(base, work)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	// a b c -> b x c a keeps "b c": remove a, add x, add a.
	assert.Len(t, d1.Deltas, 3)

	same, err := Diff(base, base.Clone())
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())
}

func TestRemap(t *testing.T) {
	tmp := ident.NewTemporary(4)
	r := New(folder, tmp)
	require.NoError(t, r.Add("children", -1, Ref(ident.NewTemporary(5))))
	_, _, err := r.SetContainer(ident.NewTemporary(6), "children")
	require.NoError(t, err)

	m := ident.Mapping{
		tmp:                   ident.NewPersistent(40),
		ident.NewTemporary(5): ident.NewPersistent(50),
		ident.NewTemporary(6): ident.NewPersistent(60),
	}
	require.NoError(t, r.Remap(m))
	assert.Equal(t, ident.NewPersistent(40), r.ID())
	assert.Equal(t, ident.NewPersistent(60), r.Container())
	assert.Equal(t, []ident.ID{ident.NewPersistent(50)}, r.References())

	d := NewDelta(Key{ID: tmp})
	d.Record(FeatureDelta{Kind: AddDelta, Feature: "children", Value: Ref(ident.NewTemporary(5))})
	d.Remap(m)
	assert.Equal(t, ident.NewPersistent(40), d.ID)
	assert.Equal(t, []ident.ID{ident.NewPersistent(50)}, d.References())
}

func TestEncodeDecode(t *testing.T) {
	r := newFolder(t).Clone()
	_, err := r.Set("owner", -1, Ref(ident.NewExternal("https://example.org/u/1")))
	require.NoError(t, err)
	_, _, err = r.SetContainer(ident.NewPersistent(77), "children")
	require.NoError(t, err)
	r = r.Served(500, PermRead)

	decoded, err := Decode(Encode(r))
	require.NoError(t, err)
	assert.True(t, decoded.Frozen())
	assert.Equal(t, r.Key(), decoded.Key())
	assert.Equal(t, int64(500), decoded.Revised())
	assert.Equal(t, PermRead, decoded.Permission())
	assert.True(t, EqualContent(r, decoded))
	assert.Equal(t, r.ContentDigest(), decoded.ContentDigest())

	_, err = Decode([]byte{9})
	assert.Error(t, err)
	_, err = Decode(Encode(r)[:10])
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	cases := map[string]Value{
		"null":    Null,
		"true":    Bool(true),
		"42":      Int(42),
		"2.5":     Float(2.5),
		`"42"`:    String("42"),
		"hello":   String("hello"),
		"@p:7":    Ref(ident.NewPersistent(7)),
		"@x:urn1": Ref(ident.NewExternal("urn1")),
	}
	for in, want := range cases {
		got, err := ParseValue(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCache(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)
	v3 := newFolder(t)
	c.Put(v3)

	got, ok := c.Get(v3.Key())
	require.True(t, ok)
	assert.Same(t, v3, got)

	latest, ok := c.Lookup(v3.ID(), "main", 0)
	require.True(t, ok)
	assert.Equal(t, 3, latest.Version())

	v4 := v3.Clone()
	require.NoError(t, v4.Stamp("main", 4, 200))
	c.Put(v4)

	latest, ok = c.Lookup(v3.ID(), "main", 0)
	require.True(t, ok)
	assert.Equal(t, 4, latest.Version())
	assert.True(t, latest.Frozen())

	old, ok := c.Lookup(v3.ID(), "main", 150)
	require.True(t, ok)
	assert.Equal(t, 3, old.Version(), "v3 is bounded by v4's timestamp")
	assert.Equal(t, int64(200), old.Revised())

	_, ok = c.Get(Key{ID: v3.ID(), Branch: "dev", Version: 1})
	assert.False(t, ok)
	hits, misses := c.Stats()
	assert.Equal(t, uint64(4), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCacheLoadCollapsesConcurrentFetches(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)
	r := newFolder(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (*Revision, error) {
		calls.Add(1)
		<-release
		return r, nil
	}

	var wg sync.WaitGroup
	results := make([]*Revision, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Load(context.Background(), "p:1@main", fetch)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	// let the goroutines pile up behind the first fetch
	for calls.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(4))
	for _, got := range results {
		assert.Same(t, r, got)
	}
	_, ok := c.Get(r.Key())
	assert.True(t, ok)
}
