// Package store implements the log-structured object store: two merge-trees
// (object records and extents) whose mutations flow through the journal,
// plus the flush protocol that persists sealed tree layers to layer files.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

var (
	// ErrNotFound is returned when an object does not exist or has been
	// tombstoned.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned when a record that must be absent is present.
	ErrExists = errors.New("record already exists")

	// ErrInconsistent is returned when on-device state contradicts itself.
	// It indicates a bug or corruption, not a caller error.
	ErrInconsistent = errors.New("inconsistent store state")
)

// DefaultAttributeID is the data attribute every plain object carries.
const DefaultAttributeID uint64 = 0

// Object IDs below FirstFreeObjectID are reserved for objects created with
// an explicit ID at format time; NextObjectID never hands them out. The
// graveyard directory of every store is one of them.
const (
	GraveyardObjectID uint64 = 1
	FirstFreeObjectID uint64 = 8
)

// TransactionMutationThreshold caps the mutations staged in one tombstone
// transaction; larger objects are reaped across several transactions.
const TransactionMutationThreshold = 200

const layerCacheSize = 32

type objectItem = lsmtree.Item[ObjectKey, ObjectValue]

// ObjectStore is one store of the volume. The root parent store has no
// parent and is never flushed; every other store keeps its StoreInfo and
// layer files as objects of its parent.
type ObjectStore struct {
	fs      Filesystem
	parent  *ObjectStore
	storeID uint64
	log     *logger.Logger

	objectTree *lsmtree.Tree[ObjectKey, ObjectValue]
	extentTree *lsmtree.Tree[ExtentKey, ExtentValue]

	layerCache *lru.Cache[uint64, []byte]

	mtx    sync.Mutex
	info   StoreInfo
	opened bool

	// tombstoning guards against the reaper and a synchronous Reap racing
	// to reclaim the same object.
	tombstoning map[uint64]bool

	// Replay bookkeeping for stores not yet opened: deltas to merge into
	// the StoreInfo read from disk. Deltas sealed at BeginFlush are
	// dropped at EndFlush, since the info written by that flush covers
	// them.
	sealedCountDelta      int64
	curCountDelta         int64
	replayLastObjectID    uint64
	replayRootDirectoryID uint64

	// pendingInfo is the snapshot captured when a BeginFlushMutation
	// commits; EndFlush persists it.
	pendingInfo *StoreInfo

	// lastFlushCheckpoint is where the most recent BeginFlushMutation
	// committed. Journal replay from there rebuilds everything the
	// persisted layers do not cover.
	lastFlushCheckpoint *txn.Checkpoint
}

// New returns a store shell. The shell accumulates replayed mutations and
// becomes usable after Open (or InitEmpty for a brand new store).
func New(fs Filesystem, parent *ObjectStore, storeID uint64, log *logger.Logger) *ObjectStore {
	cache, _ := lru.New[uint64, []byte](layerCacheSize)

	return &ObjectStore{
		fs:          fs,
		parent:      parent,
		storeID:     storeID,
		log:         log.WithContext(logger.FieldUint("store", storeID)),
		objectTree:  lsmtree.New(ObjectMerge),
		extentTree:  lsmtree.New(ExtentMerge(fs.BlockSize())),
		layerCache:  cache,
		tombstoning: make(map[uint64]bool),
	}
}

// StoreID returns the store's ID, which is also the object ID of its
// StoreInfo object in the parent store.
func (s *ObjectStore) StoreID() uint64 { return s.storeID }

// Parent returns the parent store, nil for the root parent store.
func (s *ObjectStore) Parent() *ObjectStore { return s.parent }

// ObjectCount returns the number of live objects.
func (s *ObjectStore) ObjectCount() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info.ObjectCount
}

// LastObjectID returns the highest object ID handed out so far.
func (s *ObjectStore) LastObjectID() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info.LastObjectID
}

// GraveyardDirectoryObjectID returns the object anchoring graveyard entry
// keys.
func (s *ObjectStore) GraveyardDirectoryObjectID() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info.GraveyardDirectoryObjectID
}

// NextObjectID hands out a fresh object ID. IDs are never reused; replay
// recovers the high-water mark from the object records themselves.
func (s *ObjectStore) NextObjectID() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.info.LastObjectID++
	return s.info.LastObjectID
}

// InitEmpty stages the records of a brand new store: its graveyard
// directory object. The store is immediately usable; its StoreInfo reaches
// the parent store at the first flush.
func (s *ObjectStore) InitEmpty(t *txn.Transaction) {
	s.mtx.Lock()
	s.opened = true
	s.info.LastObjectID = FirstFreeObjectID - 1
	s.info.GraveyardDirectoryObjectID = GraveyardObjectID
	s.mtx.Unlock()

	t.Add(s.storeID, &ObjectMutation{
		Op:    OpInsert,
		Key:   ObjectKeyObject(GraveyardObjectID),
		Value: ObjectValueObject(1),
	})
}

// Open loads the store from its StoreInfo object in the parent store and
// merges any state accumulated during journal replay.
func (s *ObjectStore) Open(ctx context.Context) error {
	if s.parent == nil {
		return fmt.Errorf("%w: root parent store has no persistent info", ErrInconsistent)
	}

	s.mtx.Lock()
	if s.opened {
		s.mtx.Unlock()
		return nil
	}
	s.mtx.Unlock()

	h, err := s.parent.OpenObject(ctx, s.storeID)
	if err != nil {
		return fmt.Errorf("could not open store info object %d: %w", s.storeID, err)
	}
	data, err := h.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("could not read store info: %w", err)
	}
	info, err := decodeStoreInfo(data)
	if err != nil {
		return err
	}

	objLayers, err := loadLayers[ObjectKey, ObjectValue](ctx, s.parent, s.layerCache, info.ObjectTreeLayers)
	if err != nil {
		return fmt.Errorf("could not load object tree layers: %w", err)
	}
	extLayers, err := loadLayers[ExtentKey, ExtentValue](ctx, s.parent, s.layerCache, info.ExtentTreeLayers)
	if err != nil {
		return fmt.Errorf("could not load extent tree layers: %w", err)
	}

	s.objectTree.AppendLayers(objLayers...)
	s.extentTree.AppendLayers(extLayers...)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	delta := s.sealedCountDelta + s.curCountDelta
	info.ObjectCount = uint64(int64(info.ObjectCount) + delta)
	if s.replayLastObjectID > info.LastObjectID {
		info.LastObjectID = s.replayLastObjectID
	}
	if s.replayRootDirectoryID != 0 {
		info.RootDirectoryID = s.replayRootDirectoryID
	}
	s.info = info
	s.sealedCountDelta = 0
	s.curCountDelta = 0
	s.opened = true

	s.log.Debug("store opened",
		logger.FieldUint("objects", info.ObjectCount),
		logger.FieldInt("replay_delta", delta))

	return nil
}

func loadLayers[K lsmtree.Key[K], V any](
	ctx context.Context, parent *ObjectStore, cache *lru.Cache[uint64, []byte], ids []uint64,
) ([]lsmtree.Layer[K, V], error) {
	layers := make([]lsmtree.Layer[K, V], 0, len(ids))
	for _, id := range ids {
		data, ok := cache.Get(id)
		if !ok {
			h, err := parent.OpenObject(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("layer file %d: %w", id, err)
			}
			data, err = h.ReadAll(ctx)
			if err != nil {
				return nil, fmt.Errorf("layer file %d: %w", id, err)
			}
			cache.Add(id, data)
		}
		l, err := lsmtree.OpenLayer[K, V](data)
		if err != nil {
			return nil, fmt.Errorf("layer file %d: %w", id, err)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// findObjectItem returns the live merged item for key, nil if absent or
// tombstoned.
func (s *ObjectStore) findObjectItem(key ObjectKey) (*objectItem, error) {
	it, err := s.objectTree.Find(key)
	if err != nil {
		return nil, err
	}
	if it == nil || it.Value.Kind == ValueNone {
		return nil, nil
	}
	return it, nil
}

// CreateObject allocates an object ID and stages the records of an empty
// object with one reference.
func (s *ObjectStore) CreateObject(t *txn.Transaction) (*Handle, error) {
	id := s.NextObjectID()

	t.Add(s.storeID, &ObjectMutation{
		Op:    OpInsert,
		Key:   ObjectKeyObject(id),
		Value: ObjectValueObject(1),
	})
	t.Add(s.storeID, &ObjectMutation{
		Op:    OpInsert,
		Key:   ObjectKeyAttribute(id, DefaultAttributeID),
		Value: ObjectValueAttribute(0),
	})

	return &Handle{store: s, objectID: id, attributeID: DefaultAttributeID}, nil
}

// CreateObjectWithID stages an empty object under a reserved ID. Only
// format-time objects use it; everything else goes through CreateObject.
func (s *ObjectStore) CreateObjectWithID(t *txn.Transaction, objectID uint64) (*Handle, error) {
	if objectID >= FirstFreeObjectID {
		return nil, fmt.Errorf("object ID %d is not reserved: %w", objectID, ErrInconsistent)
	}

	t.Add(s.storeID, &ObjectMutation{
		Op:    OpInsert,
		Key:   ObjectKeyObject(objectID),
		Value: ObjectValueObject(1),
	})
	t.Add(s.storeID, &ObjectMutation{
		Op:    OpInsert,
		Key:   ObjectKeyAttribute(objectID, DefaultAttributeID),
		Value: ObjectValueAttribute(0),
	})

	return &Handle{store: s, objectID: objectID, attributeID: DefaultAttributeID}, nil
}

// OpenObject returns a handle on an existing object.
func (s *ObjectStore) OpenObject(_ context.Context, objectID uint64) (*Handle, error) {
	obj, err := s.findObjectItem(ObjectKeyObject(objectID))
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("object %d in store %d: %w", objectID, s.storeID, ErrNotFound)
	}

	attr, err := s.findObjectItem(ObjectKeyAttribute(objectID, DefaultAttributeID))
	if err != nil {
		return nil, err
	}
	if attr == nil {
		return nil, fmt.Errorf("object %d has no data attribute: %w", objectID, ErrInconsistent)
	}

	return &Handle{store: s, objectID: objectID, attributeID: DefaultAttributeID, size: attr.Value.Size}, nil
}

// ObjectRefs returns an object's reference count. Objects in the graveyard
// report zero.
func (s *ObjectStore) ObjectRefs(objectID uint64) (uint64, error) {
	it, err := s.findObjectItem(ObjectKeyObject(objectID))
	if err != nil {
		return 0, err
	}
	if it == nil {
		return 0, fmt.Errorf("object %d: %w", objectID, ErrNotFound)
	}
	return it.Value.Refs, nil
}

// AdjustRefs changes an object's reference count by delta. When the count
// reaches zero the object is added to the graveyard; the returned flag
// tells the caller the object now awaits the reaper.
func (s *ObjectStore) AdjustRefs(t *txn.Transaction, objectID uint64, delta int64) (bool, error) {
	key := ObjectKeyObject(objectID)

	var refs uint64
	if m := t.FindMutation(s.storeID, func(m txn.Mutation) bool {
		om, ok := m.(*ObjectMutation)
		return ok && om.Key == key
	}); m != nil {
		refs = m.(*ObjectMutation).Value.Refs
	} else {
		it, err := s.findObjectItem(key)
		if err != nil {
			return false, err
		}
		if it == nil {
			return false, fmt.Errorf("object %d: %w", objectID, ErrNotFound)
		}
		refs = it.Value.Refs
	}

	if delta < 0 && uint64(-delta) > refs {
		return false, fmt.Errorf("refs of object %d would underflow: %w", objectID, ErrInconsistent)
	}
	refs = uint64(int64(refs) + delta)

	t.Add(s.storeID, &ObjectMutation{
		Op:    OpReplaceOrInsert,
		Key:   key,
		Value: ObjectValueObject(refs),
	})

	if refs == 0 {
		s.AddToGraveyard(t, objectID)
		return true, nil
	}
	return false, nil
}

// AddToGraveyard stages a graveyard entry for objectID.
func (s *ObjectStore) AddToGraveyard(t *txn.Transaction, objectID uint64) {
	t.Add(s.storeID, &ObjectMutation{
		Op:    OpReplaceOrInsert,
		Key:   ObjectKeyGraveyardEntry(s.GraveyardDirectoryObjectID(), objectID),
		Value: ObjectValueObject(0),
	})
}

// RemoveFromGraveyard stages the deletion of objectID's graveyard entry.
func (s *ObjectStore) RemoveFromGraveyard(t *txn.Transaction, objectID uint64) {
	t.Add(s.storeID, &ObjectMutation{
		Op:    OpMerge,
		Key:   ObjectKeyGraveyardEntry(s.GraveyardDirectoryObjectID(), objectID),
		Value: ObjectValueTombstone(),
	})
}

// ForEachGraveyardEntry calls fn for every object currently registered in
// the graveyard.
func (s *ObjectStore) ForEachGraveyardEntry(fn func(objectID uint64) error) error {
	graveyardID := s.GraveyardDirectoryObjectID()
	bound := ObjectKey{ObjectID: graveyardID, Kind: KindGraveyardEntry}

	ls := s.objectTree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return err
	}

	for {
		it := iter.Get()
		if it == nil || it.Key.ObjectID != graveyardID || it.Key.Kind != KindGraveyardEntry {
			return nil
		}
		if it.Value.Kind != ValueNone {
			if err := fn(it.Key.ChildID); err != nil {
				return err
			}
		}
		if err := iter.Advance(); err != nil {
			return err
		}
	}
}

// Tombstone reclaims a dead object: its extents are deallocated across as
// many transactions as needed, then its records and graveyard entry are
// deleted atomically. The object must have zero references.
func (s *ObjectStore) Tombstone(ctx context.Context, objectID uint64) error {
	s.mtx.Lock()
	if s.tombstoning[objectID] {
		s.mtx.Unlock()
		return nil
	}
	s.tombstoning[objectID] = true
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.tombstoning, objectID)
		s.mtx.Unlock()
	}()

	var cursor uint64

	for {
		t, err := s.fs.NewTransaction(ctx,
			[]txn.LockKey{txn.ObjectLock(s.storeID, objectID)},
			txn.Options{BorrowMetadataSpace: true})
		if err != nil {
			return err
		}

		done, err := s.deleteExtents(ctx, t, objectID, &cursor, TransactionMutationThreshold)
		if err != nil {
			t.Drop()
			return err
		}

		if done {
			t.Add(s.storeID, &ObjectMutation{
				Op: OpMerge, Key: ObjectKeyObject(objectID), Value: ObjectValueTombstone(),
			})
			t.Add(s.storeID, &ObjectMutation{
				Op: OpMerge, Key: ObjectKeyAttribute(objectID, DefaultAttributeID), Value: ObjectValueTombstone(),
			})
			s.RemoveFromGraveyard(t, objectID)
		}

		if _, err := t.Commit(ctx); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// deleteExtents deallocates the object's live extents starting at *cursor,
// staging at most budget mutations. It reports whether the object has no
// extents left past the cursor.
func (s *ObjectStore) deleteExtents(ctx context.Context, t *txn.Transaction, objectID uint64, cursor *uint64, budget int) (bool, error) {
	bound := ExtentKey{ObjectID: objectID, AttributeID: DefaultAttributeID, Start: *cursor, End: *cursor + 1}
	ls := s.extentTree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return false, err
	}

	mutations := 0
	for {
		it := iter.Get()
		if it == nil || it.Key.ObjectID != objectID || it.Key.AttributeID != DefaultAttributeID {
			return true, nil
		}
		if it.Key.End > *cursor && !it.Value.Deleted {
			if mutations+2 > budget {
				return false, nil
			}

			length := it.Key.End - it.Key.Start
			_, err := s.fs.Allocator().Deallocate(ctx, t, s.storeID, deviceRange(it.Value.DeviceOffset, length))
			if err != nil {
				return false, err
			}
			t.Add(s.storeID, &ExtentMutation{Key: it.Key, Value: DeletedExtent()})
			mutations += 2
			*cursor = it.Key.End
		}
		if err := iter.Advance(); err != nil {
			return false, err
		}
	}
}

// ApplyMutation implements txn.Target.
func (s *ObjectStore) ApplyMutation(m txn.Mutation, _ txn.AssociatedObject, mode txn.ApplyMode, cp txn.Checkpoint) error {
	switch mm := m.(type) {
	case *ObjectMutation:
		s.applyObjectMutation(mm, cp.FileOffset)
	case *ExtentMutation:
		item := extentItem{Key: mm.Key, Value: mm.Value, Sequence: cp.FileOffset}
		s.extentTree.MergeInto(item, mm.Key.MergeBound())
	case *BeginFlushMutation:
		s.objectTree.Seal()
		s.extentTree.Seal()
		if mode == txn.ApplyReplay {
			s.mtx.Lock()
			s.sealedCountDelta += s.curCountDelta
			s.curCountDelta = 0
			s.mtx.Unlock()
		}
	case *RootDirectoryMutation:
		s.mtx.Lock()
		if s.opened {
			s.info.RootDirectoryID = mm.ObjectID
		} else {
			s.replayRootDirectoryID = mm.ObjectID
		}
		s.mtx.Unlock()
	case *EndFlushMutation:
		if mode == txn.ApplyReplay {
			// Everything sealed at the matching BeginFlush is covered by
			// the layer files and StoreInfo this flush persisted.
			s.objectTree.ResetImmutableLayers()
			s.extentTree.ResetImmutableLayers()
			s.mtx.Lock()
			s.sealedCountDelta = 0
			s.mtx.Unlock()
		}
	default:
		return fmt.Errorf("store %d: unexpected mutation %T: %w", s.storeID, m, ErrInconsistent)
	}
	return nil
}

func (s *ObjectStore) applyObjectMutation(m *ObjectMutation, offset uint64) {
	item := objectItem{Key: m.Key, Value: m.Value, Sequence: offset}

	switch m.Op {
	case OpInsert:
		s.objectTree.Insert(item)
	case OpReplaceOrInsert:
		s.objectTree.ReplaceOrInsert(item)
	case OpMerge:
		s.objectTree.MergeInto(item, m.Key.MergeBound())
	}

	if m.Key.Kind != KindObject {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.opened {
		if m.Key.ObjectID > s.info.LastObjectID {
			s.info.LastObjectID = m.Key.ObjectID
		}
	} else if m.Key.ObjectID > s.replayLastObjectID {
		s.replayLastObjectID = m.Key.ObjectID
	}

	var delta int64
	switch {
	case m.Op == OpInsert:
		delta = 1
	case m.Op == OpMerge && m.Value.Kind == ValueNone:
		delta = -1
	}
	if delta == 0 {
		return
	}
	if s.opened {
		s.info.ObjectCount = uint64(int64(s.info.ObjectCount) + delta)
	} else {
		s.curCountDelta += delta
	}
}

// DropMutation implements txn.Target. Store mutations have no side effects
// before commit, so there is nothing to undo.
func (s *ObjectStore) DropMutation(txn.Mutation, *txn.Transaction) {}

func deviceRange(offset, length uint64) device.Range {
	return device.Range{Start: offset, End: offset + length}
}
