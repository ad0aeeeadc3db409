package store

import (
	"context"
	"fmt"

	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

// flushWriteChunk is how much layer file data one transaction carries.
const flushWriteChunk = 128 * 1024

// WillApply implements txn.AssociatedObject. When the store's
// BeginFlushMutation commits, the persistent info is snapshotted at that
// exact point; the snapshot describes precisely the state the sealed layers
// hold and is what EndFlush writes out.
func (s *ObjectStore) WillApply(m txn.Mutation) {
	if _, ok := m.(*BeginFlushMutation); !ok {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	info := s.info
	s.pendingInfo = &info
}

// FlushCheckpoint returns the replay point established by the most recent
// flush, or nil if the store has not flushed since mount.
func (s *ObjectStore) FlushCheckpoint() *txn.Checkpoint {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.lastFlushCheckpoint == nil {
		return nil
	}
	cp := *s.lastFlushCheckpoint
	return &cp
}

// NeedsFlush reports whether the store holds state not yet in layer files.
func (s *ObjectStore) NeedsFlush() bool {
	return s.objectTree.MutableLen() > 0 || s.extentTree.MutableLen() > 0 ||
		s.objectTree.ImmutableLayerCount() > len(s.layerIDs(true)) ||
		s.extentTree.ImmutableLayerCount() > len(s.layerIDs(false))
}

func (s *ObjectStore) layerIDs(object bool) []uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if object {
		return s.info.ObjectTreeLayers
	}
	return s.info.ExtentTreeLayers
}

// Flush persists the store's in-memory tree state to fresh layer files.
//
// The protocol survives interruption at any point:
//  1. BeginFlushMutation commits alone; it seals the trees and snapshots
//     the StoreInfo.
//  2. New layer file objects are created in the parent store, registered in
//     its graveyard so a crash leaks nothing, and filled with the major
//     compaction of all sealed and persisted layers. Tombstones drop out.
//  3. EndFlushMutation commits atomically with the StoreInfo rewrite and
//     the graveyard removals; its commit callback swaps the tree layers.
//  4. The superseded layer files are reaped.
func (s *ObjectStore) Flush(ctx context.Context) error {
	if s.parent == nil {
		return nil
	}
	s.mtx.Lock()
	opened := s.opened
	s.mtx.Unlock()
	if !opened {
		return nil
	}

	locks := s.fs.Locks()
	flushKeys := []txn.LockKey{txn.FlushLock(s.storeID)}
	if err := locks.Lock(ctx, flushKeys); err != nil {
		return err
	}
	defer locks.Unlock(flushKeys)

	if !s.NeedsFlush() {
		return nil
	}

	t, err := s.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	t.AddWithObject(s.storeID, &BeginFlushMutation{}, s)
	// Everything journaled before this point is covered by the layer files
	// the flush writes; replay may start here.
	var beginCP txn.Checkpoint
	if _, err := t.CommitWithCallback(ctx, func(cp txn.Checkpoint) { beginCP = cp }); err != nil {
		return err
	}

	objData, err := compactLayers(s.objectTree.ImmutableLayerSet(),
		func(it *objectItem) bool { return it.Value.Kind != ValueNone })
	if err != nil {
		return fmt.Errorf("could not compact object tree: %w", err)
	}
	extData, err := compactLayers(s.extentTree.ImmutableLayerSet(),
		func(it *extentItem) bool { return !it.Value.Deleted })
	if err != nil {
		return fmt.Errorf("could not compact extent tree: %w", err)
	}

	objLayerID, err := s.writeLayerFile(ctx, objData)
	if err != nil {
		return err
	}
	extLayerID, err := s.writeLayerFile(ctx, extData)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	info := *s.pendingInfo
	oldObjLayers := info.ObjectTreeLayers
	oldExtLayers := info.ExtentTreeLayers
	s.mtx.Unlock()
	info.ObjectTreeLayers = []uint64{objLayerID}
	info.ExtentTreeLayers = []uint64{extLayerID}

	infoData, err := encodeStoreInfo(info)
	if err != nil {
		return err
	}

	objLayer, err := lsmtree.OpenLayer[ObjectKey, ObjectValue](objData)
	if err != nil {
		return err
	}
	extLayer, err := lsmtree.OpenLayer[ExtentKey, ExtentValue](extData)
	if err != nil {
		return err
	}

	t, err = s.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	infoHandle, err := s.parent.OpenObject(ctx, s.storeID)
	if err != nil {
		t.Drop()
		return err
	}
	if err := infoHandle.WriteAll(ctx, t, infoData); err != nil {
		t.Drop()
		return err
	}
	t.Add(s.storeID, &EndFlushMutation{})
	s.parent.RemoveFromGraveyard(t, objLayerID)
	s.parent.RemoveFromGraveyard(t, extLayerID)

	_, err = t.CommitWithCallback(ctx, func(txn.Checkpoint) {
		s.objectTree.SetLayers(objLayer)
		s.extentTree.SetLayers(extLayer)
		s.mtx.Lock()
		s.info.ObjectTreeLayers = info.ObjectTreeLayers
		s.info.ExtentTreeLayers = info.ExtentTreeLayers
		s.pendingInfo = nil
		s.lastFlushCheckpoint = &beginCP
		s.mtx.Unlock()
	})
	if err != nil {
		return err
	}

	s.layerCache.Add(objLayerID, objData)
	s.layerCache.Add(extLayerID, extData)

	for _, id := range append(append([]uint64{}, oldObjLayers...), oldExtLayers...) {
		if err := s.parent.Reap(ctx, id); err != nil {
			return fmt.Errorf("could not reap layer file %d: %w", id, err)
		}
		s.layerCache.Remove(id)
	}

	s.log.Debug("store flushed",
		logger.FieldUint("object_layer", objLayerID),
		logger.FieldUint("extent_layer", extLayerID))

	return nil
}

// compactLayers merges every immutable layer into one serialized layer,
// keeping only items the filter accepts.
func compactLayers[K lsmtree.Key[K], V any](
	ls lsmtree.LayerSet[K, V], keep func(*lsmtree.Item[K, V]) bool,
) ([]byte, error) {
	iter, err := ls.Merger().Seek(nil)
	if err != nil {
		return nil, err
	}
	filtered, err := lsmtree.Filter(iter, keep)
	if err != nil {
		return nil, err
	}
	return lsmtree.WriteLayer(filtered)
}

// writeLayerFile creates a graveyard-registered object in the parent store
// and fills it with data in bounded transactions.
func (s *ObjectStore) writeLayerFile(ctx context.Context, data []byte) (uint64, error) {
	t, err := s.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return 0, err
	}
	h, err := s.parent.CreateObject(t)
	if err != nil {
		t.Drop()
		return 0, err
	}
	s.parent.AddToGraveyard(t, h.ObjectID())
	if _, err := t.Commit(ctx); err != nil {
		return 0, err
	}

	for off := 0; off < len(data); off += flushWriteChunk {
		end := off + flushWriteChunk
		if end > len(data) {
			end = len(data)
		}
		t, err := s.fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
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

// Reap drops an object's last reference and reclaims it.
func (s *ObjectStore) Reap(ctx context.Context, objectID uint64) error {
	t, err := s.fs.NewTransaction(ctx,
		[]txn.LockKey{txn.ObjectLock(s.storeID, objectID)},
		txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return err
	}
	dead, err := s.AdjustRefs(t, objectID, -1)
	if err != nil {
		t.Drop()
		return err
	}
	if _, err := t.Commit(ctx); err != nil {
		return err
	}
	if dead {
		return s.Tombstone(ctx, objectID)
	}
	return nil
}
