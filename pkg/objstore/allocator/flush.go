package allocator

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

const infoVersion = 1

const flushWriteChunk = 128 * 1024

// WillApply implements txn.AssociatedObject: the BeginFlushMutation commit
// snapshots the info the flush will persist.
func (a *Allocator) WillApply(m txn.Mutation) {
	if _, ok := m.(*store.BeginFlushMutation); !ok {
		return
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	info := a.info
	info.AllocatedBytes = uint64(a.allocatedBytes)
	a.pendingInfo = &info
}

// Open loads the allocator from its info object in the root store and
// merges state accumulated during replay.
func (a *Allocator) Open(ctx context.Context) error {
	h, err := a.rootStore.OpenObject(ctx, a.objectID)
	if err != nil {
		return fmt.Errorf("could not open allocator info object: %w", err)
	}
	data, err := h.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("could not read allocator info: %w", err)
	}
	var info Info
	if err := msgpack.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("could not decode allocator info: %w", err)
	}
	if info.Version != infoVersion {
		return fmt.Errorf("unsupported allocator info version %d", info.Version)
	}

	layers := make([]lsmtree.Layer[AllocatorKey, AllocatorValue], 0, len(info.Layers))
	for _, id := range info.Layers {
		lh, err := a.rootStore.OpenObject(ctx, id)
		if err != nil {
			return fmt.Errorf("allocator layer file %d: %w", id, err)
		}
		blob, err := lh.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("allocator layer file %d: %w", id, err)
		}
		l, err := lsmtree.OpenLayer[AllocatorKey, AllocatorValue](blob)
		if err != nil {
			return fmt.Errorf("allocator layer file %d: %w", id, err)
		}
		layers = append(layers, l)
	}
	a.tree.AppendLayers(layers...)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	delta := a.sealedAllocDelta + a.curAllocDelta
	a.allocatedBytes = int64(info.AllocatedBytes) + delta
	a.sealedAllocDelta = 0
	a.curAllocDelta = 0
	a.info = info
	a.opened = true
	a.reportMetrics()

	a.log.Debug("allocator opened",
		logger.FieldInt("allocated", a.allocatedBytes),
		logger.FieldInt("replay_delta", delta))

	return nil
}

// InitEmpty marks the allocator usable on a freshly formatted volume; its
// info object must already exist in the root store.
func (a *Allocator) InitEmpty() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.opened = true
}

// FlushCheckpoint returns the replay point established by the most recent
// flush, or nil if the allocator has not flushed since mount.
func (a *Allocator) FlushCheckpoint() *txn.Checkpoint {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.lastFlushCheckpoint == nil {
		return nil
	}
	cp := *a.lastFlushCheckpoint
	return &cp
}

// NeedsFlush reports whether tree state is missing from layer files.
// Mutable traffic below the post-flush baseline is the last flush's own
// allocations; replay from its checkpoint regenerates it, so it does not
// force another flush.
func (a *Allocator) NeedsFlush() bool {
	a.mtx.Lock()
	persisted := len(a.info.Layers)
	baseline := a.flushBaseline
	a.mtx.Unlock()

	return a.tree.MutableLen() > baseline || a.tree.ImmutableLayerCount() > persisted
}

// Flush persists the allocation tree with the same protocol stores use:
// BeginFlush seals, a major compaction (tombstones dropped, adjacent equal
// records coalesced) fills a fresh graveyard-registered layer file, and
// EndFlush atomically rewrites the info object and swaps the layers.
func (a *Allocator) Flush(ctx context.Context) error {
	locks := a.fs.Locks()
	flushKeys := []txn.LockKey{txn.FlushLock(a.objectID)}
	if err := locks.Lock(ctx, flushKeys); err != nil {
		return err
	}
	defer locks.Unlock(flushKeys)

	if !a.NeedsFlush() {
		return nil
	}

	t, err := a.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	t.AddWithObject(a.objectID, &store.BeginFlushMutation{}, a)
	// Replay may start here once the flush completes: older allocation
	// mutations are covered by the layer file.
	var beginCP txn.Checkpoint
	if _, err := t.CommitWithCallback(ctx, func(cp txn.Checkpoint) { beginCP = cp }); err != nil {
		return err
	}

	ls := a.tree.ImmutableLayerSet()
	iter, err := ls.Merger().Seek(nil)
	if err != nil {
		return err
	}
	filtered, err := lsmtree.Filter(iter, func(it *allocItem) bool { return it.Value.allocated() })
	if err != nil {
		return err
	}
	coalesced, err := NewCoalescingIterator(filtered)
	if err != nil {
		return err
	}
	layerData, err := lsmtree.WriteLayer[AllocatorKey, AllocatorValue](coalesced)
	if err != nil {
		return fmt.Errorf("could not compact allocation tree: %w", err)
	}

	layerID, err := a.writeLayerFile(ctx, layerData)
	if err != nil {
		return err
	}

	a.mtx.Lock()
	info := *a.pendingInfo
	oldLayers := info.Layers
	a.mtx.Unlock()
	info.Version = infoVersion
	info.Layers = []uint64{layerID}

	infoData, err := msgpack.Marshal(info)
	if err != nil {
		return err
	}
	layer, err := lsmtree.OpenLayer[AllocatorKey, AllocatorValue](layerData)
	if err != nil {
		return err
	}

	t, err = a.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	infoHandle, err := a.rootStore.OpenObject(ctx, a.objectID)
	if err != nil {
		t.Drop()
		return err
	}
	if err := infoHandle.WriteAll(ctx, t, infoData); err != nil {
		t.Drop()
		return err
	}
	t.Add(a.objectID, &store.EndFlushMutation{})
	a.rootStore.RemoveFromGraveyard(t, layerID)

	_, err = t.CommitWithCallback(ctx, func(txn.Checkpoint) {
		a.tree.SetLayers(layer)
		a.mtx.Lock()
		a.info.Layers = info.Layers
		a.pendingInfo = nil
		a.lastFlushCheckpoint = &beginCP
		a.mtx.Unlock()
	})
	if err != nil {
		return err
	}

	for _, id := range oldLayers {
		if err := a.rootStore.Reap(ctx, id); err != nil {
			return fmt.Errorf("could not reap allocator layer file %d: %w", id, err)
		}
	}

	a.mtx.Lock()
	a.flushBaseline = a.tree.MutableLen()
	a.mtx.Unlock()

	a.log.Debug("allocator flushed", logger.FieldUint("layer", layerID))

	return nil
}

func (a *Allocator) writeLayerFile(ctx context.Context, data []byte) (uint64, error) {
	t, err := a.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return 0, err
	}
	h, err := a.rootStore.CreateObject(t)
	if err != nil {
		t.Drop()
		return 0, err
	}
	a.rootStore.AddToGraveyard(t, h.ObjectID())
	if _, err := t.Commit(ctx); err != nil {
		return 0, err
	}

	for off := 0; off < len(data); off += flushWriteChunk {
		end := off + flushWriteChunk
		if end > len(data) {
			end = len(data)
		}
		t, err := a.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
		if err != nil {
			return 0, err
		}
		if err := h.Write(ctx, t, uint64(off), data[off:end]); err != nil {
			t.Drop()
			return 0, err
		}
		if _, err := t.Commit(ctx); err != nil {
			return 0, err
		}
	}

	return h.ObjectID(), nil
}

// EncodeInitialInfo serializes an empty allocator info record for format.
func EncodeInitialInfo() ([]byte, error) {
	return msgpack.Marshal(Info{Version: infoVersion})
}
