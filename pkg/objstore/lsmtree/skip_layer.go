package lsmtree

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// SkipLayer is the mutable tree layer. It is also used standalone by the
// allocator for its in-memory reserved/pending overlay. Concurrent readers
// and a single writer are supported; iteration works over a snapshot of the
// layer taken at Seek time.
type SkipLayer[K Key[K], V any] struct {
	m *skipmap.FuncMap[K, Item[K, V]]
}

// NewSkipLayer returns an empty mutable layer.
func NewSkipLayer[K Key[K], V any]() *SkipLayer[K, V] {
	return &SkipLayer[K, V]{
		m: skipmap.NewFunc[K, Item[K, V]](func(a, b K) bool {
			return a.CmpLowerBound(b) < 0
		}),
	}
}

// Insert adds an item that must not yet exist in the layer. Inserting a
// duplicate key signals a bookkeeping defect and panics.
func (l *SkipLayer[K, V]) Insert(item Item[K, V]) {
	if _, loaded := l.m.LoadOrStore(item.Key, item); loaded {
		panic(fmt.Sprintf("lsmtree: insert of existing key %v", item.Key))
	}
}

// ReplaceOrInsert adds an item, replacing any existing item with the same
// key.
func (l *SkipLayer[K, V]) ReplaceOrInsert(item Item[K, V]) {
	l.m.Store(item.Key, item)
}

// Erase removes the item with the given key, if present.
func (l *SkipLayer[K, V]) Erase(key K) {
	l.m.Delete(key)
}

// Len returns the number of items in the layer.
func (l *SkipLayer[K, V]) Len() int {
	return l.m.Len()
}

// snapshot returns the items with an upper bound >= bound, in key order.
func (l *SkipLayer[K, V]) snapshot(bound *K) []Item[K, V] {
	items := make([]Item[K, V], 0, l.m.Len())
	l.m.Range(func(_ K, item Item[K, V]) bool {
		if bound == nil || item.Key.CmpUpperBound(*bound) >= 0 {
			items = append(items, item)
		}
		return true
	})

	return items
}

// Seek implements Layer.
func (l *SkipLayer[K, V]) Seek(bound *K) (Iterator[K, V], error) {
	return &sliceIterator[K, V]{items: l.snapshot(bound)}, nil
}

// mergeInto merges item into this layer, resolving interactions with
// existing items through fn. The merge starts at lowerBound and treats the
// incoming item as the newer of every pair. This is how single mutations
// reach the mutable layer for record types that interact (extents,
// allocator ranges, tombstones).
func (l *SkipLayer[K, V]) mergeInto(item Item[K, V], lowerBound K, fn MergeFunc[K, V]) {
	existing := l.snapshot(&lowerBound)
	for i := range existing {
		l.m.Delete(existing[i].Key)
	}

	newer := &MergeIterator[K, V]{layerIndex: 0, item: item}
	older := &MergeIterator[K, V]{
		layerIndex: 1,
		iter:       &sliceIterator[K, V]{items: existing},
	}
	if len(existing) > 0 {
		older.item = existing[0]
	} else {
		older.exhausted = true
	}

	emit := func(it Item[K, V]) {
		l.m.Store(it.Key, it)
	}

	for {
		switch {
		case newer.exhausted && older.exhausted:
			return
		case newer.exhausted:
			emit(older.item)
			if err := older.advance(); err != nil {
				panic(err) // in-memory iterators do not fail
			}
			continue
		case older.exhausted:
			emit(newer.item)
			newer.exhausted = true
			continue
		}

		left, right := newer, older
		if c := older.item.Key.CmpLowerBound(newer.item.Key); c < 0 {
			left, right = older, newer
		}

		res := fn(left, right)
		if res.EmitLeft {
			emit(left.item)
			if err := left.advance(); err != nil {
				panic(err)
			}
			continue
		}

		if res.Emit != nil {
			emit(*res.Emit)
		}
		if err := left.apply(res.Left); err != nil {
			panic(err)
		}
		if err := right.apply(res.Right); err != nil {
			panic(err)
		}
	}
}

// sliceIterator iterates over a sorted item slice.
type sliceIterator[K Key[K], V any] struct {
	items []Item[K, V]
	pos   int
}

func (s *sliceIterator[K, V]) Get() *Item[K, V] {
	if s.pos >= len(s.items) {
		return nil
	}

	return &s.items[s.pos]
}

func (s *sliceIterator[K, V]) Advance() error {
	if s.pos < len(s.items) {
		s.pos++
	}

	return nil
}
