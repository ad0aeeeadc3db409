package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
)

func extent(start, end, devOff, seq uint64) extentItem {
	v := ExtentValue{DeviceOffset: devOff}
	for i := start; i < end; i++ {
		v.Checksums = append(v.Checksums, devOff+(i-start))
	}

	return extentItem{
		Key:      ExtentKey{ObjectID: 1, AttributeID: 0, Start: start, End: end},
		Value:    v,
		Sequence: seq,
	}
}

func deleted(start, end, seq uint64) extentItem {
	return extentItem{
		Key:      ExtentKey{ObjectID: 1, AttributeID: 0, Start: start, End: end},
		Value:    DeletedExtent(),
		Sequence: seq,
	}
}

func mergedExtents(t *testing.T, tr *lsmtree.Tree[ExtentKey, ExtentValue]) []extentItem {
	t.Helper()

	ls := tr.LayerSet()
	iter, err := ls.Merger().Seek(nil)
	require.NoError(t, err)

	var out []extentItem
	for it := iter.Get(); it != nil; it = iter.Get() {
		out = append(out, *it)
		require.NoError(t, iter.Advance())
	}

	return out
}

// Checksum granularity of one byte per block keeps the arithmetic in these
// tests obvious.
func newExtentTree() *lsmtree.Tree[ExtentKey, ExtentValue] {
	return lsmtree.New[ExtentKey, ExtentValue](ExtentMerge(1))
}

func TestExtentMergeAcrossLayers(t *testing.T) {
	t.Run("full shadow", func(t *testing.T) {
		tr := newExtentTree()
		tr.Insert(extent(0, 10, 100, 1))
		tr.Seal()
		tr.Insert(extent(0, 10, 200, 2))

		items := mergedExtents(t, tr)
		require.Len(t, items, 1)
		require.EqualValues(t, 200, items[0].Value.DeviceOffset)
	})

	t.Run("newer trims older head", func(t *testing.T) {
		tr := newExtentTree()
		tr.Insert(extent(0, 10, 100, 1))
		tr.Seal()
		tr.Insert(extent(0, 4, 200, 2))

		items := mergedExtents(t, tr)
		require.Len(t, items, 2)
		require.EqualValues(t, 0, items[0].Key.Start)
		require.EqualValues(t, 4, items[0].Key.End)
		require.EqualValues(t, 200, items[0].Value.DeviceOffset)
		require.EqualValues(t, 4, items[1].Key.Start)
		require.EqualValues(t, 10, items[1].Key.End)
		// The survivor's mapping begins 4 bytes into the old extent.
		require.EqualValues(t, 104, items[1].Value.DeviceOffset)
		require.EqualValues(t, 104, items[1].Value.Checksums[0])
		require.Len(t, items[1].Value.Checksums, 6)
	})

	t.Run("newer trims older tail", func(t *testing.T) {
		tr := newExtentTree()
		tr.Insert(extent(0, 10, 100, 1))
		tr.Seal()
		tr.Insert(extent(6, 12, 200, 2))

		items := mergedExtents(t, tr)
		require.Len(t, items, 2)
		require.EqualValues(t, 0, items[0].Key.Start)
		require.EqualValues(t, 6, items[0].Key.End)
		require.EqualValues(t, 100, items[0].Value.DeviceOffset)
		require.Len(t, items[0].Value.Checksums, 6)
		require.EqualValues(t, 6, items[1].Key.Start)
		require.EqualValues(t, 12, items[1].Key.End)
		require.EqualValues(t, 200, items[1].Value.DeviceOffset)
	})

	t.Run("newer splits older", func(t *testing.T) {
		tr := newExtentTree()
		tr.Insert(extent(0, 10, 100, 1))
		tr.Seal()
		tr.Insert(extent(3, 6, 200, 2))

		items := mergedExtents(t, tr)
		require.Len(t, items, 3)

		require.EqualValues(t, 0, items[0].Key.Start)
		require.EqualValues(t, 3, items[0].Key.End)
		require.EqualValues(t, 100, items[0].Value.DeviceOffset)

		require.EqualValues(t, 3, items[1].Key.Start)
		require.EqualValues(t, 6, items[1].Key.End)
		require.EqualValues(t, 200, items[1].Value.DeviceOffset)

		require.EqualValues(t, 6, items[2].Key.Start)
		require.EqualValues(t, 10, items[2].Key.End)
		require.EqualValues(t, 106, items[2].Value.DeviceOffset)
		require.EqualValues(t, 106, items[2].Value.Checksums[0])
	})

	t.Run("different attributes do not interact", func(t *testing.T) {
		tr := newExtentTree()
		tr.Insert(extent(0, 10, 100, 1))
		tr.Seal()

		other := extent(0, 10, 200, 2)
		other.Key.AttributeID = 1
		tr.Insert(other)

		require.Len(t, mergedExtents(t, tr), 2)
	})
}

func TestExtentMergeDeletedCoalesce(t *testing.T) {
	tr := newExtentTree()
	tr.Insert(deleted(5, 9, 1))
	tr.Seal()
	tr.Insert(deleted(0, 5, 2))

	items := mergedExtents(t, tr)
	require.Len(t, items, 1)
	require.True(t, items[0].Value.Deleted)
	require.EqualValues(t, 0, items[0].Key.Start)
	require.EqualValues(t, 9, items[0].Key.End)
	// The coalesced record keeps the older sequence so that space reuse
	// stays gated on the earlier deallocation.
	require.EqualValues(t, 1, items[0].Sequence)
}

func TestExtentMergeInto(t *testing.T) {
	tr := newExtentTree()

	ov := extent(0, 10, 100, 1)
	tr.MergeInto(ov, ov.Key.MergeBound())

	nw := extent(3, 6, 200, 2)
	tr.MergeInto(nw, nw.Key.MergeBound())

	// MergeInto resolves the overlap inside the mutable layer itself.
	require.Equal(t, 3, tr.MutableLen())

	items := mergedExtents(t, tr)
	require.Len(t, items, 3)
	require.EqualValues(t, 3, items[0].Key.End)
	require.EqualValues(t, 200, items[1].Value.DeviceOffset)
	require.EqualValues(t, 6, items[2].Key.Start)
}

func TestObjectMergeShadowing(t *testing.T) {
	tr := lsmtree.New[ObjectKey, ObjectValue](ObjectMerge)

	tr.Insert(lsmtree.Item[ObjectKey, ObjectValue]{
		Key: ObjectKeyObject(7), Value: ObjectValueObject(1), Sequence: 1,
	})
	tr.Insert(lsmtree.Item[ObjectKey, ObjectValue]{
		Key: ObjectKeyAttribute(7, 0), Value: ObjectValueAttribute(128), Sequence: 2,
	})
	tr.Seal()

	tr.Insert(lsmtree.Item[ObjectKey, ObjectValue]{
		Key: ObjectKeyObject(7), Value: ObjectValueTombstone(), Sequence: 3,
	})

	it, err := tr.Find(ObjectKeyObject(7))
	require.NoError(t, err)
	require.NotNil(t, it)
	require.Equal(t, ValueNone, it.Value.Kind)

	it, err = tr.Find(ObjectKeyAttribute(7, 0))
	require.NoError(t, err)
	require.NotNil(t, it)
	require.EqualValues(t, 128, it.Value.Size)
}
