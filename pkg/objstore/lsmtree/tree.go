package lsmtree

import (
	"sync"
)

// Tree is a multi-layer merge-tree. Exactly one mutable layer exists at a
// time; Seal freezes it and starts a fresh one. Immutable layers are kept
// newest first.
type Tree[K Key[K], V any] struct {
	mtx sync.RWMutex

	merge   MergeFunc[K, V]
	mutable *SkipLayer[K, V]
	layers  []Layer[K, V]
}

// New returns an empty tree using the given merge function.
func New[K Key[K], V any](merge MergeFunc[K, V]) *Tree[K, V] {
	return &Tree[K, V]{
		merge:   merge,
		mutable: NewSkipLayer[K, V](),
	}
}

// Insert adds an item that must not already exist.
func (t *Tree[K, V]) Insert(item Item[K, V]) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	t.mutable.Insert(item)
}

// ReplaceOrInsert adds an item, replacing any existing item with the same
// key in the mutable layer.
func (t *Tree[K, V]) ReplaceOrInsert(item Item[K, V]) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	t.mutable.ReplaceOrInsert(item)
}

// MergeInto merges an item into the mutable layer starting from lowerBound.
// Tombstones and range records must enter the tree through here so that
// they interact with records already present in the mutable layer.
func (t *Tree[K, V]) MergeInto(item Item[K, V], lowerBound K) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	t.mutable.mergeInto(item, lowerBound, t.merge)
}

// Seal freezes the mutable layer, prepending it to the immutable list, and
// installs a fresh mutable layer. The old layer is published before any new
// mutation can land, so no record is ever observed in two layers at once.
func (t *Tree[K, V]) Seal() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.layers = append([]Layer[K, V]{t.mutable}, t.layers...)
	t.mutable = NewSkipLayer[K, V]()
}

// ResetImmutableLayers drops all immutable layers. Used during replay when
// an EndFlush record shows that the layers current at that point were
// superseded by persisted ones.
func (t *Tree[K, V]) ResetImmutableLayers() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.layers = nil
}

// AppendLayers appends persisted layers (oldest data) below the existing
// ones. Used when opening a store from its StoreInfo.
func (t *Tree[K, V]) AppendLayers(layers ...Layer[K, V]) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.layers = append(t.layers, layers...)
}

// SetLayers replaces all immutable layers. The mutable layer (opened by the
// Seal that began the flush) is kept.
func (t *Tree[K, V]) SetLayers(layers ...Layer[K, V]) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.layers = layers
}

// LayerSet snapshots all layers, the mutable one first.
func (t *Tree[K, V]) LayerSet() LayerSet[K, V] {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	ls := LayerSet[K, V]{
		Layers: make([]Layer[K, V], 0, len(t.layers)+1),
		merge:  t.merge,
	}
	ls.Layers = append(ls.Layers, t.mutable)
	ls.Layers = append(ls.Layers, t.layers...)

	return ls
}

// ImmutableLayerSet snapshots the immutable layers only. This is the input
// to a major compaction: everything sealed at BeginFlush time.
func (t *Tree[K, V]) ImmutableLayerSet() LayerSet[K, V] {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return LayerSet[K, V]{
		Layers: append([]Layer[K, V]{}, t.layers...),
		merge:  t.merge,
	}
}

// EmptyLayerSet returns a layer set with no layers, for callers that stack
// extra overlays (the allocator's reserved allocations) on top of the tree.
func (t *Tree[K, V]) EmptyLayerSet() LayerSet[K, V] {
	return LayerSet[K, V]{merge: t.merge}
}

// AddLayersTo appends all of the tree's layers, mutable first, to ls.
func (t *Tree[K, V]) AddLayersTo(ls *LayerSet[K, V]) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	ls.Layers = append(ls.Layers, t.mutable)
	ls.Layers = append(ls.Layers, t.layers...)
}

// MutableLen returns the number of items in the mutable layer.
func (t *Tree[K, V]) MutableLen() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return t.mutable.Len()
}

// ImmutableLayerCount returns the number of sealed and persisted layers.
func (t *Tree[K, V]) ImmutableLayerCount() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return len(t.layers)
}

// Find returns the merged item with exactly the given key, or nil if the
// key is absent.
func (t *Tree[K, V]) Find(key K) (*Item[K, V], error) {
	ls := t.LayerSet()

	iter, err := ls.Merger().Seek(&key)
	if err != nil {
		return nil, err
	}

	it := iter.Get()
	if it == nil || it.Key.CmpLowerBound(key) != 0 {
		return nil, nil
	}

	return it, nil
}
