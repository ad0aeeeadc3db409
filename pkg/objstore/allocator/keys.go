package allocator

import (
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
)

// AllocatorKey is a device byte range in the allocation tree.
type AllocatorKey struct {
	Start uint64
	End   uint64
}

func keyFromRange(r device.Range) AllocatorKey {
	return AllocatorKey{Start: r.Start, End: r.End}
}

func (k AllocatorKey) Range() device.Range {
	return device.Range{Start: k.Start, End: k.End}
}

// CmpLowerBound orders keys by range start, then end.
func (k AllocatorKey) CmpLowerBound(other AllocatorKey) int {
	if c := cmpUint64(k.Start, other.Start); c != 0 {
		return c
	}
	return cmpUint64(k.End, other.End)
}

// CmpUpperBound orders keys by range end.
func (k AllocatorKey) CmpUpperBound(other AllocatorKey) int {
	return cmpUint64(k.End, other.End)
}

// Overlaps reports whether the ranges intersect.
func (k AllocatorKey) Overlaps(other AllocatorKey) bool {
	return k.Start < other.End && other.Start < k.End
}

// MergeBound returns the seek bound catching every range that could
// overlap k's start.
func (k AllocatorKey) MergeBound() AllocatorKey {
	return AllocatorKey{Start: 0, End: k.Start + 1}
}

// AllocatorValue is the state of a device range. Count is 1 for allocated
// ranges and 0 for deallocation tombstones.
type AllocatorValue struct {
	Count        uint64
	OwnerStoreID uint64
}

func (v AllocatorValue) allocated() bool { return v.Count != 0 }

type allocItem = lsmtree.Item[AllocatorKey, AllocatorValue]
type allocOp = lsmtree.ItemOp[AllocatorKey, AllocatorValue]
type allocResult = lsmtree.MergeResult[AllocatorKey, AllocatorValue]

// RangeMerge resolves overlapping allocation records: the newer layer wins
// the overlap, older records are trimmed or discarded at its boundaries.
func RangeMerge(left, right *lsmtree.MergeIterator[AllocatorKey, AllocatorValue]) allocResult {
	lk, rk := left.Key(), right.Key()

	if lk.End <= rk.Start {
		return allocResult{EmitLeft: true}
	}

	if lk.Start == rk.Start {
		// Equal starts order the newer layer first.
		if lk.End >= rk.End {
			return allocResult{
				Left:  allocOp{Op: lsmtree.OpKeep},
				Right: allocOp{Op: lsmtree.OpDiscard},
			}
		}
		return allocResult{
			Left: allocOp{Op: lsmtree.OpKeep},
			Right: allocOp{Op: lsmtree.OpReplace, Item: allocItem{
				Key:      AllocatorKey{Start: lk.End, End: rk.End},
				Value:    right.Value(),
				Sequence: right.Sequence(),
			}},
		}
	}

	if left.LayerIndex() < right.LayerIndex() {
		if lk.End >= rk.End {
			return allocResult{
				Left:  allocOp{Op: lsmtree.OpKeep},
				Right: allocOp{Op: lsmtree.OpDiscard},
			}
		}
		return allocResult{
			Left: allocOp{Op: lsmtree.OpKeep},
			Right: allocOp{Op: lsmtree.OpReplace, Item: allocItem{
				Key:      AllocatorKey{Start: lk.End, End: rk.End},
				Value:    right.Value(),
				Sequence: right.Sequence(),
			}},
		}
	}

	head := allocItem{
		Key:      AllocatorKey{Start: lk.Start, End: rk.Start},
		Value:    left.Value(),
		Sequence: left.Sequence(),
	}
	return allocResult{
		Emit: &head,
		Left: allocOp{Op: lsmtree.OpReplace, Item: allocItem{
			Key:      AllocatorKey{Start: rk.Start, End: lk.End},
			Value:    left.Value(),
			Sequence: left.Sequence(),
		}},
		Right: allocOp{Op: lsmtree.OpKeep},
	}
}

// CoalescingIterator folds runs of adjacent records with equal values into
// single records. Flush runs the compacted stream through it so layer files
// stay small.
type CoalescingIterator struct {
	iter lsmtree.Iterator[AllocatorKey, AllocatorValue]
	cur  *allocItem
}

// NewCoalescingIterator wraps iter, which must already be merged and
// filtered.
func NewCoalescingIterator(iter lsmtree.Iterator[AllocatorKey, AllocatorValue]) (*CoalescingIterator, error) {
	c := &CoalescingIterator{iter: iter}
	if err := c.Advance(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get implements lsmtree.Iterator.
func (c *CoalescingIterator) Get() *allocItem {
	return c.cur
}

// Advance implements lsmtree.Iterator.
func (c *CoalescingIterator) Advance() error {
	it := c.iter.Get()
	if it == nil {
		c.cur = nil
		return nil
	}

	cur := *it
	for {
		if err := c.iter.Advance(); err != nil {
			return err
		}
		next := c.iter.Get()
		if next == nil || next.Key.Start != cur.Key.End || next.Value != cur.Value {
			break
		}
		cur.Key.End = next.Key.End
		if next.Sequence < cur.Sequence {
			cur.Sequence = next.Sequence
		}
	}

	c.cur = &cur
	return nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
