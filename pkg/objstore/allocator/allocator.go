// Package allocator manages device space with the same merge-tree and
// journal machinery the object store uses: allocated ranges are tree
// records, frees are tombstones, and every change is a journaled mutation.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quillfs/quillfs/pkg/metrics"
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
	"github.com/quillfs/quillfs/pkg/objstore/reservation"
	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

// ErrNoSpace is returned when the device cannot satisfy an allocation or
// reservation.
var ErrNoSpace = errors.New("no space left on device")

// maxSerializedRecordSize bounds one serialized extent record; the largest
// extent the allocator hands out keeps the record's checksum array under
// that bound.
const maxSerializedRecordSize = 4096

// Filesystem is the surface the allocator needs from the volume: the store
// surface plus the ability to sync the device so committed deallocations
// become reusable.
type Filesystem interface {
	store.Filesystem

	// Sync flushes the device and retires committed deallocations.
	Sync(ctx context.Context) error
}

type committedDeallocation struct {
	logOffset uint64
	r         device.Range
}

// Info is the allocator's persistent root record, written at every flush
// into its info object in the root store.
type Info struct {
	Version        uint32
	Layers         []uint64
	AllocatedBytes uint64
}

// Allocator tracks device space in a merge-tree of range records.
//
// Space falls into four pools that never overlap: allocated (committed
// records), uncommitted (staged allocations), reserved (promised to
// reservations) and committed-deallocated (freed, but unusable until the
// device has been flushed past the freeing commit). An allocation fails
// only when all four together exhaust the device.
type Allocator struct {
	fs        Filesystem
	rootStore *store.ObjectStore
	objectID  uint64
	log       *logger.Logger
	metrics   *metrics.AllocatorMetrics

	deviceSize    uint64
	maxExtentSize uint64

	tree *lsmtree.Tree[AllocatorKey, AllocatorValue]
	// reserved overlays the tree during free-space scans: staged
	// allocations and not-yet-flushed deallocations both live here so the
	// scan cannot hand their blocks out.
	reserved *lsmtree.SkipLayer[AllocatorKey, AllocatorValue]

	// allocMtx makes scan-and-stage atomic: without it two allocations
	// can find the same gap. Never held across Sync, which takes the
	// journal's own locks.
	allocMtx sync.Mutex

	mtx                       sync.Mutex
	allocatedBytes            int64
	uncommittedAllocatedBytes uint64
	reservedBytes             uint64
	committedDeallocated      []committedDeallocation
	committedDeallocatedBytes uint64

	opened           bool
	sealedAllocDelta int64
	curAllocDelta    int64
	info             Info
	pendingInfo      *Info

	lastFlushCheckpoint *txn.Checkpoint

	// flushBaseline is the mutable layer length right after the last
	// flush settled. The flush's own layer and info writes allocate
	// space, so the mutable layer is never empty afterwards; traffic up
	// to the baseline is covered by replay from lastFlushCheckpoint.
	flushBaseline int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// WithMetrics enables metric reporting.
func WithMetrics(m *metrics.AllocatorMetrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New builds an allocator whose persistent info lives in the root store
// object objectID.
func New(fs Filesystem, objectID uint64, opts ...Option) *Allocator {
	bs := fs.BlockSize()
	a := &Allocator{
		fs:            fs,
		objectID:      objectID,
		log:           logger.Nop(),
		deviceSize:    fs.Device().Size(),
		maxExtentSize: bs * ((maxSerializedRecordSize - 64) / 9),
		tree:          lsmtree.New(RangeMerge),
		reserved:      lsmtree.NewSkipLayer[AllocatorKey, AllocatorValue](),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.WithContext(logger.FieldString("component", "allocator"))

	return a
}

// SetRootStore wires the store holding the allocator's info and layer file
// objects. Must be called before Open or Flush.
func (a *Allocator) SetRootStore(s *store.ObjectStore) { a.rootStore = s }

// ObjectID returns the allocator's mutation address and info object ID.
func (a *Allocator) ObjectID() uint64 { return a.objectID }

// AllocatedBytes returns the committed allocated byte count.
func (a *Allocator) AllocatedBytes() int64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.allocatedBytes
}

// Taken returns allocated + uncommitted + reserved bytes.
func (a *Allocator) Taken() uint64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.takenLocked()
}

func (a *Allocator) takenLocked() uint64 {
	return uint64(a.allocatedBytes) + a.uncommittedAllocatedBytes + a.reservedBytes
}

func (a *Allocator) reportMetrics() {
	if a.metrics == nil {
		return
	}
	a.metrics.SetAllocatedBytes(a.allocatedBytes)
	a.metrics.SetUncommittedBytes(a.uncommittedAllocatedBytes)
	a.metrics.SetReservedBytes(a.reservedBytes)
	a.metrics.SetPendingDeallocatedBytes(a.committedDeallocatedBytes)
}

// Allocate finds free device space for ownerStoreID and stages it in t. The
// result may be shorter than requested (first fit, capped at the maximum
// extent size); callers loop until satisfied. When the device only looks
// full because committed deallocations await a device flush, Allocate syncs
// and retries instead of failing.
func (a *Allocator) Allocate(ctx context.Context, t *txn.Transaction, ownerStoreID, lenBytes uint64) (device.Range, error) {
	bs := a.fs.BlockSize()
	if lenBytes == 0 || lenBytes%bs != 0 {
		return device.Range{}, fmt.Errorf("allocation length %d not a positive block multiple", lenBytes)
	}
	if lenBytes > a.maxExtentSize {
		lenBytes = a.maxExtentSize
	}
	res := t.Options.Reservation

	for {
		want := lenBytes

		if res == nil && !t.Options.SkipSpaceChecks && !t.Options.BorrowMetadataSpace {
			a.mtx.Lock()
			taken := a.takenLocked() + a.committedDeallocatedBytes
			var avail uint64
			if taken < a.deviceSize {
				avail = (a.deviceSize - taken) / bs * bs
			}
			if avail == 0 {
				retry := a.committedDeallocatedBytes > 0
				a.mtx.Unlock()
				if retry {
					if err := a.fs.Sync(ctx); err != nil {
						return device.Range{}, err
					}
					continue
				}
				return device.Range{}, ErrNoSpace
			}
			if avail < want {
				want = avail
			}
			a.mtx.Unlock()
		}

		a.allocMtx.Lock()
		r, err := a.findFree(want)
		if err != nil {
			a.allocMtx.Unlock()
			return device.Range{}, err
		}
		if !r.Valid() {
			a.allocMtx.Unlock()
			a.mtx.Lock()
			retry := a.committedDeallocatedBytes > 0
			a.mtx.Unlock()
			if retry {
				if err := a.fs.Sync(ctx); err != nil {
					return device.Range{}, err
				}
				continue
			}
			return device.Range{}, ErrNoSpace
		}

		if res != nil {
			h := res.Reserve(r.Length())
			if h == nil {
				a.allocMtx.Unlock()
				return device.Range{}, fmt.Errorf("reservation exhausted: %w", ErrNoSpace)
			}
			h.Forget()
			a.mtx.Lock()
			a.reservedBytes -= r.Length()
			a.mtx.Unlock()
		}

		a.stageAllocation(t, r, ownerStoreID)
		a.allocMtx.Unlock()
		return r, nil
	}
}

// MarkAllocated stages an allocation of an exact range the caller already
// knows to be free, such as the superblock and journal regions at format
// time.
func (a *Allocator) MarkAllocated(t *txn.Transaction, ownerStoreID uint64, r device.Range) {
	a.allocMtx.Lock()
	a.stageAllocation(t, r, ownerStoreID)
	a.allocMtx.Unlock()
}

func (a *Allocator) stageAllocation(t *txn.Transaction, r device.Range, ownerStoreID uint64) {
	a.reserved.Insert(allocItem{
		Key:   keyFromRange(r),
		Value: AllocatorValue{Count: 1, OwnerStoreID: ownerStoreID},
	})
	a.mtx.Lock()
	a.uncommittedAllocatedBytes += r.Length()
	a.reportMetrics()
	a.mtx.Unlock()

	t.Add(a.objectID, &AllocateMutation{Range: r, OwnerStoreID: ownerStoreID})
}

// findFree scans the merged allocation view, overlay included, for the
// first gap of at least one block, returning up to want bytes of it.
func (a *Allocator) findFree(want uint64) (device.Range, error) {
	bs := a.fs.BlockSize()

	ls := a.tree.EmptyLayerSet()
	ls.Layers = append(ls.Layers, a.reserved)
	a.tree.AddLayersTo(&ls)

	iter, err := ls.Merger().Seek(nil)
	if err != nil {
		return device.Range{}, err
	}

	var prevEnd uint64
	for {
		it := iter.Get()
		if it == nil {
			break
		}
		if it.Value.allocated() {
			if it.Key.Start >= prevEnd+bs {
				break
			}
			if it.Key.End > prevEnd {
				prevEnd = it.Key.End
			}
		}
		if err := iter.Advance(); err != nil {
			return device.Range{}, err
		}
	}

	gapEnd := a.deviceSize
	if it := iter.Get(); it != nil && it.Key.Start < gapEnd {
		gapEnd = it.Key.Start
	}
	if gapEnd < prevEnd+bs {
		return device.Range{}, nil
	}
	end := prevEnd + want
	if end > gapEnd {
		end = gapEnd
	}

	return device.Range{Start: prevEnd, End: end}, nil
}

// Deallocate frees a committed range owned by ownerStoreID. Every byte of r
// must be covered by live allocation records of that owner; anything else
// means the callers' bookkeeping and the tree disagree.
func (a *Allocator) Deallocate(ctx context.Context, t *txn.Transaction, ownerStoreID uint64, r device.Range) (uint64, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("invalid deallocation range %d..%d", r.Start, r.End)
	}

	bound := keyFromRange(r).MergeBound()
	ls := a.tree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return 0, err
	}

	var covered uint64
	for {
		it := iter.Get()
		if it == nil || it.Key.Start >= r.End {
			break
		}
		if it.Value.allocated() && it.Key.Overlaps(keyFromRange(r)) {
			if it.Value.OwnerStoreID != ownerStoreID {
				return 0, fmt.Errorf("range %d..%d owned by store %d, not %d: %w",
					it.Key.Start, it.Key.End, it.Value.OwnerStoreID, ownerStoreID, store.ErrInconsistent)
			}
			ovs, ove := it.Key.Start, it.Key.End
			if ovs < r.Start {
				ovs = r.Start
			}
			if ove > r.End {
				ove = r.End
			}
			covered += ove - ovs
		}
		if err := iter.Advance(); err != nil {
			return 0, err
		}
	}

	if covered != r.Length() {
		return 0, fmt.Errorf("deallocating %d..%d but only %d of %d bytes are allocated: %w",
			r.Start, r.End, covered, r.Length(), store.ErrInconsistent)
	}

	t.Add(a.objectID, &DeallocateMutation{Range: r, OwnerStoreID: ownerStoreID})
	return covered, nil
}

// Reserve promises amount bytes out of the free pool, or nil if they are
// not there. ownerStore optionally names the store the bytes are accounted
// to.
func (a *Allocator) Reserve(ownerStore *uint64, amount uint64) *reservation.Reservation {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.takenLocked()+amount > a.deviceSize {
		return nil
	}
	a.reservedBytes += amount
	a.reportMetrics()

	return reservation.New(a, ownerStore, amount)
}

// ReserveAtMost promises up to amount bytes, however many are free.
func (a *Allocator) ReserveAtMost(ownerStore *uint64, amount uint64) *reservation.Reservation {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if free := a.deviceSize - a.takenLocked(); amount > free {
		amount = free
	}
	a.reservedBytes += amount
	a.reportMetrics()

	return reservation.New(a, ownerStore, amount)
}

// ReleaseReservation implements reservation.Owner.
func (a *Allocator) ReleaseReservation(_ *uint64, amount uint64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.reservedBytes -= amount
	a.reportMetrics()
}

// DidFlushDevice retires committed deallocations whose commits are at or
// before the flushed journal offset; their blocks become allocatable.
func (a *Allocator) DidFlushDevice(flushedOffset uint64) {
	a.mtx.Lock()
	var retired []AllocatorKey
	for len(a.committedDeallocated) > 0 && a.committedDeallocated[0].logOffset <= flushedOffset {
		cd := a.committedDeallocated[0]
		a.committedDeallocated = a.committedDeallocated[1:]
		a.committedDeallocatedBytes -= cd.r.Length()
		retired = append(retired, keyFromRange(cd.r))
	}
	a.reportMetrics()
	a.mtx.Unlock()

	for _, k := range retired {
		a.reserved.Erase(k)
	}
}

// ApplyMutation implements txn.Target.
func (a *Allocator) ApplyMutation(m txn.Mutation, _ txn.AssociatedObject, mode txn.ApplyMode, cp txn.Checkpoint) error {
	switch mm := m.(type) {
	case *AllocateMutation:
		item := allocItem{
			Key:      keyFromRange(mm.Range),
			Value:    AllocatorValue{Count: 1, OwnerStoreID: mm.OwnerStoreID},
			Sequence: cp.FileOffset,
		}
		a.tree.MergeInto(item, item.Key.MergeBound())

		a.mtx.Lock()
		if mode == txn.ApplyLive {
			a.uncommittedAllocatedBytes -= mm.Range.Length()
			a.allocatedBytes += int64(mm.Range.Length())
		} else if a.opened {
			a.allocatedBytes += int64(mm.Range.Length())
		} else {
			a.curAllocDelta += int64(mm.Range.Length())
		}
		a.reportMetrics()
		a.mtx.Unlock()

		if mode == txn.ApplyLive {
			a.reserved.Erase(keyFromRange(mm.Range))
		}
	case *DeallocateMutation:
		item := allocItem{
			Key:      keyFromRange(mm.Range),
			Value:    AllocatorValue{Count: 0, OwnerStoreID: mm.OwnerStoreID},
			Sequence: cp.FileOffset,
		}
		a.tree.MergeInto(item, item.Key.MergeBound())

		// Block reuse until the device flushes past this commit.
		a.reserved.ReplaceOrInsert(allocItem{
			Key:   keyFromRange(mm.Range),
			Value: AllocatorValue{Count: 1, OwnerStoreID: mm.OwnerStoreID},
		})

		a.mtx.Lock()
		if mode == txn.ApplyLive || a.opened {
			a.allocatedBytes -= int64(mm.Range.Length())
		} else {
			a.curAllocDelta -= int64(mm.Range.Length())
		}
		a.committedDeallocated = append(a.committedDeallocated, committedDeallocation{
			logOffset: cp.FileOffset,
			r:         mm.Range,
		})
		a.committedDeallocatedBytes += mm.Range.Length()
		a.reportMetrics()
		a.mtx.Unlock()
	case *store.BeginFlushMutation:
		a.tree.Seal()
		if mode == txn.ApplyReplay {
			a.mtx.Lock()
			a.sealedAllocDelta += a.curAllocDelta
			a.curAllocDelta = 0
			a.mtx.Unlock()
		}
	case *store.EndFlushMutation:
		if mode == txn.ApplyReplay {
			a.tree.ResetImmutableLayers()
			a.mtx.Lock()
			a.sealedAllocDelta = 0
			a.mtx.Unlock()
		}
	default:
		return fmt.Errorf("allocator: unexpected mutation %T: %w", m, store.ErrInconsistent)
	}
	return nil
}

// DropMutation implements txn.Target. A dropped allocation leaves the
// overlay and its bytes flow back to the transaction's reservation, if any,
// or to the free pool.
func (a *Allocator) DropMutation(m txn.Mutation, t *txn.Transaction) {
	mm, ok := m.(*AllocateMutation)
	if !ok {
		return
	}

	a.reserved.Erase(keyFromRange(mm.Range))

	a.mtx.Lock()
	a.uncommittedAllocatedBytes -= mm.Range.Length()
	if t != nil && t.Options.Reservation != nil {
		a.reservedBytes += mm.Range.Length()
	}
	a.reportMetrics()
	a.mtx.Unlock()

	if t != nil && t.Options.Reservation != nil {
		t.Options.Reservation.Add(mm.Range.Length())
	}
}
