// Package lsmtree provides the multi-layer merge-tree used by the object
// store and the allocator. A tree consists of exactly one mutable layer and
// an ordered list of immutable layers (sealed in-memory layers and layers
// decoded from persisted layer files). Reads merge all layers through a
// user-supplied merge function; newer layers have lower indexes.
package lsmtree

// Key is the ordering and merge contract shared by all tree key types.
// Point keys implement CmpLowerBound and CmpUpperBound identically; range
// keys order by the respective bound of the range.
type Key[K any] interface {
	// CmpLowerBound orders keys by their lower bound. It is the primary
	// ordering used when merging layers.
	CmpLowerBound(K) int

	// CmpUpperBound orders keys by their upper bound. It is the ordering
	// used when searching within a single layer.
	CmpUpperBound(K) int

	// Overlaps reports whether the two keys cover intersecting ranges.
	// For point keys this is equality.
	Overlaps(K) bool

	// MergeBound returns the lower-bound search key that MergeInto must
	// start merging from so that no interacting record is missed.
	MergeBound() K
}

// Item is a single tree record. Sequence carries the journal log offset
// stamped when the originating mutation was applied; it breaks merge ties
// and gates reuse of deallocated space.
type Item[K Key[K], V any] struct {
	Key      K
	Value    V
	Sequence uint64
}

// Iterator yields items in key order. Get returns nil once the iterator is
// exhausted.
type Iterator[K Key[K], V any] interface {
	Get() *Item[K, V]
	Advance() error
}

// Layer is a read view over one tree layer. Sealed and persisted layers are
// immutable and safe for any number of concurrent readers.
type Layer[K Key[K], V any] interface {
	// Seek returns an iterator positioned at the first item whose key's
	// upper bound is not less than bound. A nil bound seeks to the start.
	Seek(bound *K) (Iterator[K, V], error)
}

// Op selects what the merge function wants done with one side of a merge
// pair.
type Op int

const (
	// OpKeep presents the item to the merge function again with the next
	// pair.
	OpKeep Op = iota

	// OpDiscard drops the item and advances to the next item in the same
	// layer.
	OpDiscard

	// OpReplace substitutes the item, which is then presented to the merge
	// function with the next pair. Never replace an item with one whose
	// upper bound exceeds the replaced item's: the merger will not revisit
	// items it has passed.
	OpReplace
)

// ItemOp is an Op with the replacement item for OpReplace.
type ItemOp[K Key[K], V any] struct {
	Op   Op
	Item Item[K, V]
}

// MergeResult is the merge function's verdict on a (left, right) pair. If
// EmitLeft is set the left item is emitted unchanged and the rest of the
// struct is ignored; this is the common case. Otherwise Emit (optional) is
// emitted and Left/Right are applied to the respective sides.
type MergeResult[K Key[K], V any] struct {
	EmitLeft bool
	Emit     *Item[K, V]
	Left     ItemOp[K, V]
	Right    ItemOp[K, V]
}

// MergeFunc merges a pair of items from different layers. The left item's
// key is less than the right item's, or equal with the left item coming
// from a newer layer. The last remaining item is always emitted without
// consulting the merge function.
type MergeFunc[K Key[K], V any] func(left, right *MergeIterator[K, V]) MergeResult[K, V]

// MergeIterator is one side of a merge pair. LayerIndex identifies the
// originating layer; lower indexes are newer.
type MergeIterator[K Key[K], V any] struct {
	layerIndex int
	item       Item[K, V]
	iter       Iterator[K, V]
	exhausted  bool
}

// Key returns the key of the current item.
func (m *MergeIterator[K, V]) Key() K {
	return m.item.Key
}

// Value returns the value of the current item.
func (m *MergeIterator[K, V]) Value() V {
	return m.item.Value
}

// Sequence returns the journal offset of the current item.
func (m *MergeIterator[K, V]) Sequence() uint64 {
	return m.item.Sequence
}

// LayerIndex returns the index of the layer the current item belongs to.
func (m *MergeIterator[K, V]) LayerIndex() int {
	return m.layerIndex
}

func (m *MergeIterator[K, V]) advance() error {
	if m.iter == nil {
		m.exhausted = true
		return nil
	}

	if err := m.iter.Advance(); err != nil {
		return err
	}

	if it := m.iter.Get(); it != nil {
		m.item = *it
	} else {
		m.exhausted = true
	}

	return nil
}

func (m *MergeIterator[K, V]) apply(op ItemOp[K, V]) error {
	switch op.Op {
	case OpKeep:
		return nil
	case OpDiscard:
		return m.advance()
	case OpReplace:
		m.item = op.Item
		return nil
	default:
		panic("lsmtree: unknown item op")
	}
}

// filterIterator drops items rejected by the predicate.
type filterIterator[K Key[K], V any] struct {
	iter Iterator[K, V]
	keep func(*Item[K, V]) bool
}

// Filter wraps iter so that items rejected by keep are skipped. The
// wrapping is only sound when iter represents a full merge of every layer:
// with data hidden below, dropping records could revive what they superseded.
func Filter[K Key[K], V any](iter Iterator[K, V], keep func(*Item[K, V]) bool) (Iterator[K, V], error) {
	f := &filterIterator[K, V]{iter: iter, keep: keep}

	for {
		it := f.iter.Get()
		if it == nil || f.keep(it) {
			return f, nil
		}

		if err := f.iter.Advance(); err != nil {
			return nil, err
		}
	}
}

func (f *filterIterator[K, V]) Get() *Item[K, V] {
	return f.iter.Get()
}

func (f *filterIterator[K, V]) Advance() error {
	for {
		if err := f.iter.Advance(); err != nil {
			return err
		}

		it := f.iter.Get()
		if it == nil || f.keep(it) {
			return nil
		}
	}
}
