package lsmtree

import (
	"container/heap"
)

// LayerSet is a point-in-time snapshot of a tree's layers, newest first.
// Taking a LayerSet is cheap; the layers themselves are immutable (the
// mutable layer iterates over snapshots), so a LayerSet stays consistent
// while the tree moves on.
type LayerSet[K Key[K], V any] struct {
	Layers []Layer[K, V]

	merge MergeFunc[K, V]
}

// Merger returns a merger over the layer set.
func (s *LayerSet[K, V]) Merger() *Merger[K, V] {
	return &Merger[K, V]{layers: s.Layers, merge: s.merge}
}

// Merger merges the layers of a LayerSet into a single ordered view by
// repeatedly applying the merge function to the two frontmost items.
type Merger[K Key[K], V any] struct {
	layers []Layer[K, V]
	merge  MergeFunc[K, V]
}

// Seek returns an iterator over the merged view positioned at the first
// item whose upper bound is not less than bound. A nil bound starts at the
// beginning. To obtain the precise merged value of a range record, callers
// must seek with a lower bound that forces every layer to participate (see
// Key.MergeBound).
func (m *Merger[K, V]) Seek(bound *K) (Iterator[K, V], error) {
	it := &mergeHeapIterator[K, V]{merge: m.merge}

	for i, l := range m.layers {
		li, err := l.Seek(bound)
		if err != nil {
			return nil, err
		}

		first := li.Get()
		if first == nil {
			continue
		}

		it.iters = append(it.iters, &MergeIterator[K, V]{
			layerIndex: i,
			item:       *first,
			iter:       li,
		})
	}

	heap.Init(it)

	if err := it.Advance(); err != nil {
		return nil, err
	}

	return it, nil
}

// mergeHeapIterator implements Iterator over the merged layers. It keeps a
// min-heap of per-layer iterators ordered by (lower bound, layer index) so
// that of two equal keys the newer layer is merged as the left side.
type mergeHeapIterator[K Key[K], V any] struct {
	iters []*MergeIterator[K, V]
	merge MergeFunc[K, V]
	cur   *Item[K, V]
}

func (it *mergeHeapIterator[K, V]) Len() int { return len(it.iters) }

func (it *mergeHeapIterator[K, V]) Less(i, j int) bool {
	a, b := it.iters[i], it.iters[j]
	if c := a.item.Key.CmpLowerBound(b.item.Key); c != 0 {
		return c < 0
	}

	return a.layerIndex < b.layerIndex
}

func (it *mergeHeapIterator[K, V]) Swap(i, j int) {
	it.iters[i], it.iters[j] = it.iters[j], it.iters[i]
}

func (it *mergeHeapIterator[K, V]) Push(x any) {
	it.iters = append(it.iters, x.(*MergeIterator[K, V]))
}

func (it *mergeHeapIterator[K, V]) Pop() any {
	n := len(it.iters)
	mi := it.iters[n-1]
	it.iters = it.iters[:n-1]

	return mi
}

func (it *mergeHeapIterator[K, V]) Get() *Item[K, V] {
	return it.cur
}

// pushBack advances mi when asked and returns it to the heap unless
// exhausted.
func (it *mergeHeapIterator[K, V]) pushBack(mi *MergeIterator[K, V], advance bool) error {
	if advance {
		if err := mi.advance(); err != nil {
			return err
		}
	}

	if !mi.exhausted {
		heap.Push(it, mi)
	}

	return nil
}

func (it *mergeHeapIterator[K, V]) Advance() error {
	for {
		switch len(it.iters) {
		case 0:
			it.cur = nil
			return nil
		case 1:
			// The last remaining item is always emitted.
			mi := heap.Pop(it).(*MergeIterator[K, V])
			item := mi.item
			it.cur = &item

			return it.pushBack(mi, true)
		}

		left := heap.Pop(it).(*MergeIterator[K, V])
		right := heap.Pop(it).(*MergeIterator[K, V])

		res := it.merge(left, right)
		if res.EmitLeft {
			item := left.item
			it.cur = &item

			if err := it.pushBack(left, true); err != nil {
				return err
			}

			return it.pushBack(right, false)
		}

		if err := left.apply(res.Left); err != nil {
			return err
		}
		if err := right.apply(res.Right); err != nil {
			return err
		}

		if err := it.pushBack(left, false); err != nil {
			return err
		}
		if err := it.pushBack(right, false); err != nil {
			return err
		}

		if res.Emit != nil {
			emit := *res.Emit
			it.cur = &emit

			return nil
		}
	}
}
