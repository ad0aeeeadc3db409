package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillfs/quillfs/pkg/objstore/journal"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// Handle is an open object. Data is addressed in whole device blocks;
// writes must start block aligned and the final partial block is padded.
type Handle struct {
	store       *ObjectStore
	objectID    uint64
	attributeID uint64

	mtx  sync.Mutex
	size uint64
}

// ObjectID returns the handle's object ID.
func (h *Handle) ObjectID() uint64 { return h.objectID }

// Size returns the attribute's logical size.
func (h *Handle) Size() uint64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.size
}

// Write stages data at the given block-aligned offset: device space is
// allocated and filled before commit, overwritten extents are deallocated,
// and the extent records land in the tree when t commits. If t is dropped,
// the allocations are returned and the written blocks stay free.
func (h *Handle) Write(ctx context.Context, t *txn.Transaction, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	bs := h.store.fs.BlockSize()
	if offset%bs != 0 {
		return fmt.Errorf("write offset %d not block aligned", offset)
	}

	padded := data
	if rem := uint64(len(data)) % bs; rem != 0 {
		padded = make([]byte, uint64(len(data))+bs-rem)
		copy(padded, data)
	}
	end := offset + uint64(len(padded))

	if err := h.deallocateRange(ctx, t, offset, end); err != nil {
		return err
	}

	dev := h.store.fs.Device()
	pos := offset
	for pos < end {
		r, err := h.store.fs.Allocator().Allocate(ctx, t, h.store.storeID, end-pos)
		if err != nil {
			return fmt.Errorf("could not allocate %d bytes: %w", end-pos, err)
		}

		chunk := padded[pos-offset : pos-offset+r.Length()]
		if err := dev.WriteAt(chunk, r.Start); err != nil {
			return fmt.Errorf("could not write object data: %w", err)
		}

		sums := make([]uint64, 0, r.Length()/bs)
		for b := uint64(0); b < uint64(len(chunk)); b += bs {
			sums = append(sums, journal.Fletcher64(chunk[b:b+bs], 0))
		}

		t.Add(h.store.storeID, &ExtentMutation{
			Key: ExtentKey{ObjectID: h.objectID, AttributeID: h.attributeID, Start: pos, End: pos + r.Length()},
			Value: ExtentValue{
				DeviceOffset: r.Start,
				Checksums:    sums,
			},
		})
		pos += r.Length()
	}

	h.mtx.Lock()
	newSize := offset + uint64(len(data))
	if newSize < h.size {
		newSize = h.size
	}
	h.size = newSize
	h.mtx.Unlock()

	t.Add(h.store.storeID, &ObjectMutation{
		Op:    OpReplaceOrInsert,
		Key:   ObjectKeyAttribute(h.objectID, h.attributeID),
		Value: ObjectValueAttribute(newSize),
	})

	return nil
}

// WriteAll replaces the attribute's whole content with data; every old
// extent is deallocated and the size is set exactly.
func (h *Handle) WriteAll(ctx context.Context, t *txn.Transaction, data []byte) error {
	if err := h.deallocateRange(ctx, t, 0, ^uint64(0)); err != nil {
		return err
	}

	h.mtx.Lock()
	h.size = 0
	h.mtx.Unlock()

	if err := h.Write(ctx, t, 0, data); err != nil {
		return err
	}

	h.mtx.Lock()
	h.size = uint64(len(data))
	h.mtx.Unlock()

	t.Add(h.store.storeID, &ObjectMutation{
		Op:    OpReplaceOrInsert,
		Key:   ObjectKeyAttribute(h.objectID, h.attributeID),
		Value: ObjectValueAttribute(uint64(len(data))),
	})

	return nil
}

// deallocateRange returns the device space of live extents intersecting
// [start, end) to the allocator and stages deletion records for them.
//
// The scan sees the committed view only, so parts of it already staged for
// deletion in t must be skipped: freeing them again would return the same
// device bytes twice.
func (h *Handle) deallocateRange(ctx context.Context, t *txn.Transaction, start, end uint64) error {
	staged := h.stagedDeletions(t)

	bound := ExtentKey{ObjectID: h.objectID, AttributeID: h.attributeID, Start: start, End: start + 1}.MergeBound()
	ls := h.store.extentTree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return err
	}

	for {
		it := iter.Get()
		if it == nil || it.Key.ObjectID != h.objectID || it.Key.AttributeID != h.attributeID || it.Key.Start >= end {
			return nil
		}
		if !it.Value.Deleted && it.Key.End > start {
			ovs, ove := it.Key.Start, it.Key.End
			if ovs < start {
				ovs = start
			}
			if ove > end {
				ove = end
			}
			for _, sub := range subtractStaged(ovs, ove, staged) {
				devStart := it.Value.DeviceOffset + (sub[0] - it.Key.Start)
				_, err := h.store.fs.Allocator().Deallocate(ctx, t, h.store.storeID, deviceRange(devStart, sub[1]-sub[0]))
				if err != nil {
					return err
				}
				t.Add(h.store.storeID, &ExtentMutation{
					Key:   ExtentKey{ObjectID: h.objectID, AttributeID: h.attributeID, Start: sub[0], End: sub[1]},
					Value: DeletedExtent(),
				})
			}
		}
		if err := iter.Advance(); err != nil {
			return err
		}
	}
}

// stagedDeletions collects the logical ranges of this attribute's extent
// deletions already staged in t.
func (h *Handle) stagedDeletions(t *txn.Transaction) [][2]uint64 {
	var ranges [][2]uint64
	t.FindMutation(h.store.storeID, func(m txn.Mutation) bool {
		if em, ok := m.(*ExtentMutation); ok && em.Value.Deleted &&
			em.Key.ObjectID == h.objectID && em.Key.AttributeID == h.attributeID {
			ranges = append(ranges, [2]uint64{em.Key.Start, em.Key.End})
		}
		return false
	})
	return ranges
}

// subtractStaged returns the parts of [start, end) not covered by any of
// the staged ranges. Staged ranges never overlap each other: they come
// from disjoint committed extents.
func subtractStaged(start, end uint64, staged [][2]uint64) [][2]uint64 {
	out := [][2]uint64{{start, end}}
	for _, s := range staged {
		var next [][2]uint64
		for _, r := range out {
			if s[1] <= r[0] || s[0] >= r[1] {
				next = append(next, r)
				continue
			}
			if r[0] < s[0] {
				next = append(next, [2]uint64{r[0], s[0]})
			}
			if s[1] < r[1] {
				next = append(next, [2]uint64{s[1], r[1]})
			}
		}
		out = next
	}
	return out
}

// ReadAt reads into p from the given offset, verifying per-block checksums
// and zero-filling holes. It returns the number of bytes read, short at end
// of content.
func (h *Handle) ReadAt(_ context.Context, p []byte, offset uint64) (int, error) {
	size := h.Size()
	if offset >= size {
		return 0, nil
	}
	if offset+uint64(len(p)) > size {
		p = p[:size-offset]
	}
	for i := range p {
		p[i] = 0
	}
	end := offset + uint64(len(p))
	bs := h.store.fs.BlockSize()
	dev := h.store.fs.Device()

	bound := ExtentKey{ObjectID: h.objectID, AttributeID: h.attributeID, Start: offset, End: offset + 1}.MergeBound()
	ls := h.store.extentTree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return 0, err
	}

	for {
		it := iter.Get()
		if it == nil || it.Key.ObjectID != h.objectID || it.Key.AttributeID != h.attributeID || it.Key.Start >= end {
			return len(p), nil
		}
		if !it.Value.Deleted && it.Key.End > offset {
			ovs, ove := it.Key.Start, it.Key.End
			if ovs < offset {
				ovs = offset
			}
			if ove > end {
				ove = end
			}

			// Read whole blocks so the checksums can be verified, then
			// copy the requested part.
			bovs := ovs / bs * bs
			bove := (ove + bs - 1) / bs * bs
			if bove > it.Key.End {
				bove = it.Key.End
			}
			buf := make([]byte, bove-bovs)
			if err := dev.ReadAt(buf, it.Value.DeviceOffset+(bovs-it.Key.Start)); err != nil {
				return 0, fmt.Errorf("could not read object data: %w", err)
			}
			for b := bovs; b < bove; b += bs {
				idx := (b - it.Key.Start) / bs
				if idx >= uint64(len(it.Value.Checksums)) {
					return 0, fmt.Errorf("extent %d..%d of object %d has no checksum for block %d: %w",
						it.Key.Start, it.Key.End, h.objectID, idx, ErrInconsistent)
				}
				if got := journal.Fletcher64(buf[b-bovs:b-bovs+bs], 0); got != it.Value.Checksums[idx] {
					return 0, fmt.Errorf("checksum mismatch in object %d at offset %d: %w",
						h.objectID, b, ErrInconsistent)
				}
			}
			copy(p[ovs-offset:ove-offset], buf[ovs-bovs:])
		}
		if err := iter.Advance(); err != nil {
			return 0, err
		}
	}
}

// ReadAll returns the attribute's whole content.
func (h *Handle) ReadAll(ctx context.Context) ([]byte, error) {
	size := h.Size()
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if _, err := h.ReadAt(ctx, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}
