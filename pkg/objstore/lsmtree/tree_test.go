package lsmtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pointKey is a plain uint64 point key for tests.
type pointKey uint64

func (k pointKey) CmpLowerBound(other pointKey) int {
	switch {
	case k < other:
		return -1
	case k > other:
		return 1
	default:
		return 0
	}
}

func (k pointKey) CmpUpperBound(other pointKey) int { return k.CmpLowerBound(other) }
func (k pointKey) Overlaps(other pointKey) bool     { return k == other }
func (k pointKey) MergeBound() pointKey             { return k }

// shadowMerge keeps the newer of two equal keys; the merger presents the
// newer layer as the left side on ties.
func shadowMerge(left, right *MergeIterator[pointKey, string]) MergeResult[pointKey, string] {
	if left.Key().CmpLowerBound(right.Key()) == 0 {
		return MergeResult[pointKey, string]{
			Left:  ItemOp[pointKey, string]{Op: OpKeep},
			Right: ItemOp[pointKey, string]{Op: OpDiscard},
		}
	}

	return MergeResult[pointKey, string]{EmitLeft: true}
}

func item(k uint64, v string, seq uint64) Item[pointKey, string] {
	return Item[pointKey, string]{Key: pointKey(k), Value: v, Sequence: seq}
}

func drain(t *testing.T, iter Iterator[pointKey, string]) []Item[pointKey, string] {
	t.Helper()

	var out []Item[pointKey, string]
	for it := iter.Get(); it != nil; it = iter.Get() {
		out = append(out, *it)
		require.NoError(t, iter.Advance())
	}

	return out
}

func TestSkipLayer(t *testing.T) {
	l := NewSkipLayer[pointKey, string]()

	l.Insert(item(3, "c", 1))
	l.Insert(item(1, "a", 2))
	l.Insert(item(2, "b", 3))
	require.Equal(t, 3, l.Len())

	t.Run("ordered iteration", func(t *testing.T) {
		iter, err := l.Seek(nil)
		require.NoError(t, err)

		items := drain(t, iter)
		require.Len(t, items, 3)
		require.Equal(t, pointKey(1), items[0].Key)
		require.Equal(t, pointKey(2), items[1].Key)
		require.Equal(t, pointKey(3), items[2].Key)
	})

	t.Run("seek skips smaller keys", func(t *testing.T) {
		bound := pointKey(2)
		iter, err := l.Seek(&bound)
		require.NoError(t, err)

		items := drain(t, iter)
		require.Len(t, items, 2)
		require.Equal(t, pointKey(2), items[0].Key)
	})

	t.Run("duplicate insert panics", func(t *testing.T) {
		require.Panics(t, func() { l.Insert(item(2, "dup", 4)) })
	})

	t.Run("replace and erase", func(t *testing.T) {
		l.ReplaceOrInsert(item(2, "b2", 5))
		iter, err := l.Seek(nil)
		require.NoError(t, err)
		require.Equal(t, "b2", drain(t, iter)[1].Value)

		l.Erase(pointKey(2))
		require.Equal(t, 2, l.Len())
	})

	t.Run("iteration over snapshot", func(t *testing.T) {
		iter, err := l.Seek(nil)
		require.NoError(t, err)

		l.Insert(item(10, "late", 6))

		items := drain(t, iter)
		for i := range items {
			require.NotEqual(t, pointKey(10), items[i].Key)
		}
	})
}

func TestTreeShadowing(t *testing.T) {
	tr := New[pointKey, string](shadowMerge)

	tr.Insert(item(1, "old", 1))
	tr.Insert(item(2, "only-old", 2))
	tr.Seal()

	tr.Insert(item(1, "new", 3))
	tr.Insert(item(3, "only-new", 4))

	require.Equal(t, 1, tr.ImmutableLayerCount())
	require.Equal(t, 2, tr.MutableLen())

	ls := tr.LayerSet()
	iter, err := ls.Merger().Seek(nil)
	require.NoError(t, err)

	items := drain(t, iter)
	require.Len(t, items, 3)
	require.Equal(t, "new", items[0].Value)
	require.Equal(t, "only-old", items[1].Value)
	require.Equal(t, "only-new", items[2].Value)
}

func TestTreeFind(t *testing.T) {
	tr := New[pointKey, string](shadowMerge)

	tr.Insert(item(5, "five", 1))
	tr.Seal()
	tr.Insert(item(5, "five-v2", 2))
	tr.Insert(item(7, "seven", 3))

	it, err := tr.Find(pointKey(5))
	require.NoError(t, err)
	require.NotNil(t, it)
	require.Equal(t, "five-v2", it.Value)
	require.EqualValues(t, 2, it.Sequence)

	it, err = tr.Find(pointKey(6))
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestLayerSetIsSnapshot(t *testing.T) {
	tr := New[pointKey, string](shadowMerge)
	tr.Insert(item(1, "a", 1))

	ls := tr.LayerSet()

	// Mutations after the snapshot must not show through sealed layers.
	tr.Seal()
	tr.Insert(item(2, "b", 2))

	iter, err := ls.Merger().Seek(nil)
	require.NoError(t, err)
	require.Len(t, drain(t, iter), 1)
}

func TestTreeLayerManagement(t *testing.T) {
	tr := New[pointKey, string](shadowMerge)

	tr.Insert(item(1, "a", 1))
	tr.Seal()
	tr.Insert(item(2, "b", 2))
	tr.Seal()
	require.Equal(t, 2, tr.ImmutableLayerCount())

	t.Run("immutable layer set excludes mutable", func(t *testing.T) {
		tr.Insert(item(3, "c", 3))
		defer tr.Seal()

		ls := tr.ImmutableLayerSet()
		iter, err := ls.Merger().Seek(nil)
		require.NoError(t, err)
		require.Len(t, drain(t, iter), 2)
	})

	t.Run("set layers", func(t *testing.T) {
		compacted := NewSkipLayer[pointKey, string]()
		compacted.Insert(item(1, "a", 1))
		compacted.Insert(item(2, "b", 2))
		compacted.Insert(item(3, "c", 3))

		tr.SetLayers(compacted)
		require.Equal(t, 1, tr.ImmutableLayerCount())
	})

	t.Run("reset", func(t *testing.T) {
		tr.ResetImmutableLayers()
		require.Equal(t, 0, tr.ImmutableLayerCount())
	})
}

func TestPersistentLayerRoundTrip(t *testing.T) {
	l := NewSkipLayer[pointKey, string]()
	l.Insert(item(1, "a", 10))
	l.Insert(item(2, "b", 20))
	l.Insert(item(3, "c", 30))

	iter, err := l.Seek(nil)
	require.NoError(t, err)

	blob, err := WriteLayer[pointKey, string](iter)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	opened, err := OpenLayer[pointKey, string](blob)
	require.NoError(t, err)

	t.Run("full scan", func(t *testing.T) {
		iter, err := opened.Seek(nil)
		require.NoError(t, err)

		items := drain(t, iter)
		require.Len(t, items, 3)
		require.Equal(t, item(1, "a", 10), items[0])
		require.Equal(t, item(3, "c", 30), items[2])
	})

	t.Run("seek", func(t *testing.T) {
		bound := pointKey(3)
		iter, err := opened.Seek(&bound)
		require.NoError(t, err)

		items := drain(t, iter)
		require.Len(t, items, 1)
		require.Equal(t, pointKey(3), items[0].Key)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := OpenLayer[pointKey, string]([]byte("not a layer"))
		require.Error(t, err)
	})
}

func TestFilter(t *testing.T) {
	l := NewSkipLayer[pointKey, string]()
	for i := uint64(1); i <= 6; i++ {
		l.Insert(item(i, "", i))
	}

	iter, err := l.Seek(nil)
	require.NoError(t, err)

	filtered, err := Filter(iter, func(it *Item[pointKey, string]) bool {
		return it.Key%2 == 0
	})
	require.NoError(t, err)

	items := drain(t, filtered)
	require.Len(t, items, 3)
	require.Equal(t, pointKey(2), items[0].Key)
	require.Equal(t, pointKey(4), items[1].Key)
	require.Equal(t, pointKey(6), items[2].Key)
}
