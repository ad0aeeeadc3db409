package store

import (
	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
)

// ObjectMerge resolves collisions in the object tree. Keys are points, so
// the newer record simply shadows the older one. The merger presents
// overlapping items newest first, so left always wins a key tie.
func ObjectMerge(left, right *lsmtree.MergeIterator[ObjectKey, ObjectValue]) lsmtree.MergeResult[ObjectKey, ObjectValue] {
	if left.Key().cmp(right.Key()) == 0 {
		return lsmtree.MergeResult[ObjectKey, ObjectValue]{
			Left:  lsmtree.ItemOp[ObjectKey, ObjectValue]{Op: lsmtree.OpKeep},
			Right: lsmtree.ItemOp[ObjectKey, ObjectValue]{Op: lsmtree.OpDiscard},
		}
	}

	return lsmtree.MergeResult[ObjectKey, ObjectValue]{EmitLeft: true}
}

type extentItem = lsmtree.Item[ExtentKey, ExtentValue]
type extentOp = lsmtree.ItemOp[ExtentKey, ExtentValue]
type extentResult = lsmtree.MergeResult[ExtentKey, ExtentValue]

// ExtentMerge returns the merge function for extent trees. Overlapping
// extents are resolved in favor of the newer layer: the older extent is
// trimmed or discarded, with device offsets and checksums adjusted to the
// surviving piece. Adjacent deleted extents from neighboring layers
// coalesce into one record.
func ExtentMerge(blockSize uint64) lsmtree.MergeFunc[ExtentKey, ExtentValue] {
	return func(left, right *lsmtree.MergeIterator[ExtentKey, ExtentValue]) extentResult {
		lk, rk := left.Key(), right.Key()

		if lk.cmpPrefix(rk) != 0 {
			return extentResult{EmitLeft: true}
		}

		if lv, rv := left.Value(), right.Value(); lv.Deleted && rv.Deleted &&
			lk.End >= rk.Start && right.LayerIndex() == left.LayerIndex()+1 {
			end := lk.End
			if rk.End > end {
				end = rk.End
			}
			seq := left.Sequence()
			if right.Sequence() < seq {
				seq = right.Sequence()
			}
			return extentResult{
				Left: extentOp{Op: lsmtree.OpReplace, Item: extentItem{
					Key:      ExtentKey{ObjectID: lk.ObjectID, AttributeID: lk.AttributeID, Start: lk.Start, End: end},
					Value:    DeletedExtent(),
					Sequence: seq,
				}},
				Right: extentOp{Op: lsmtree.OpDiscard},
			}
		}

		if lk.End <= rk.Start {
			return extentResult{EmitLeft: true}
		}

		if lk.Start == rk.Start {
			// Same start means left is the newer layer; it shadows the
			// overlap completely.
			if lk.End >= rk.End {
				return extentResult{
					Left:  extentOp{Op: lsmtree.OpKeep},
					Right: extentOp{Op: lsmtree.OpDiscard},
				}
			}
			return extentResult{
				Left: extentOp{Op: lsmtree.OpKeep},
				Right: extentOp{Op: lsmtree.OpReplace, Item: extentItem{
					Key:      ExtentKey{ObjectID: rk.ObjectID, AttributeID: rk.AttributeID, Start: lk.End, End: rk.End},
					Value:    right.Value().offsetBy(lk.End-rk.Start, blockSize),
					Sequence: right.Sequence(),
				}},
			}
		}

		// left.Start < right.Start from here.
		if left.LayerIndex() < right.LayerIndex() {
			// Left is newer and wins its whole range; right loses its head.
			if lk.End >= rk.End {
				return extentResult{
					Left:  extentOp{Op: lsmtree.OpKeep},
					Right: extentOp{Op: lsmtree.OpDiscard},
				}
			}
			return extentResult{
				Left: extentOp{Op: lsmtree.OpKeep},
				Right: extentOp{Op: lsmtree.OpReplace, Item: extentItem{
					Key:      ExtentKey{ObjectID: rk.ObjectID, AttributeID: rk.AttributeID, Start: lk.End, End: rk.End},
					Value:    right.Value().offsetBy(lk.End-rk.Start, blockSize),
					Sequence: right.Sequence(),
				}},
			}
		}

		// Right is newer; emit left's head before the overlap, keep the
		// rest of left for another round against right.
		head := extentItem{
			Key:      ExtentKey{ObjectID: lk.ObjectID, AttributeID: lk.AttributeID, Start: lk.Start, End: rk.Start},
			Value:    left.Value().shrunk(lk.End-lk.Start, rk.Start-lk.Start, blockSize),
			Sequence: left.Sequence(),
		}
		return extentResult{
			Emit: &head,
			Left: extentOp{Op: lsmtree.OpReplace, Item: extentItem{
				Key:      ExtentKey{ObjectID: lk.ObjectID, AttributeID: lk.AttributeID, Start: rk.Start, End: lk.End},
				Value:    left.Value().offsetBy(rk.Start-lk.Start, blockSize),
				Sequence: left.Sequence(),
			}},
			Right: extentOp{Op: lsmtree.OpKeep},
		}
	}
}
