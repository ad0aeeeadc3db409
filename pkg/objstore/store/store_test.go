package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/journal"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

const (
	testBlockSize  = 512
	testJournalLen = 64 * journal.BlockSize
	testDeviceSize = 4 * 1024 * 1024
)

// bumpAllocator hands out device space after the journal region and never
// reuses it. Deallocations are only counted; the store does not care where
// its blocks come from.
type bumpAllocator struct {
	mtx        sync.Mutex
	next       uint64
	limit      uint64
	freedBytes uint64
}

func (a *bumpAllocator) Allocate(_ context.Context, _ *txn.Transaction, _, lenBytes uint64) (device.Range, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.next+lenBytes > a.limit {
		return device.Range{}, fmt.Errorf("test device exhausted")
	}
	r := device.Range{Start: a.next, End: a.next + lenBytes}
	a.next += lenBytes

	return r, nil
}

func (a *bumpAllocator) Deallocate(_ context.Context, _ *txn.Transaction, _ uint64, r device.Range) (uint64, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.freedBytes += r.Length()

	return r.Length(), nil
}

// testVolume wires a real journal and a bump allocator into the store's
// filesystem surface and routes committed mutations by object ID.
type testVolume struct {
	dev   *device.MemoryDevice
	jr    *journal.Journal
	locks *txn.LockManager
	alloc *bumpAllocator

	mtx     sync.Mutex
	targets map[uint64]txn.Target
}

func newTestVolume(t *testing.T, dev *device.MemoryDevice) *testVolume {
	t.Helper()

	v := &testVolume{
		dev:     dev,
		locks:   txn.NewLockManager(),
		alloc:   &bumpAllocator{next: testJournalLen, limit: dev.Size()},
		targets: map[uint64]txn.Target{},
	}
	v.jr = journal.New(dev, 0, testJournalLen, v, logger.Nop())

	return v
}

func (v *testVolume) register(objectID uint64, target txn.Target) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.targets[objectID] = target
}

func (v *testVolume) target(objectID uint64) txn.Target {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.targets[objectID]
}

func (v *testVolume) ApplyMutation(objectID uint64, m txn.Mutation, assoc txn.AssociatedObject, mode txn.ApplyMode, cp txn.Checkpoint) error {
	tg := v.target(objectID)
	if tg == nil {
		return fmt.Errorf("no target for object %d", objectID)
	}
	return tg.ApplyMutation(m, assoc, mode, cp)
}

func (v *testVolume) DropMutation(objectID uint64, m txn.Mutation, t *txn.Transaction) {
	if tg := v.target(objectID); tg != nil {
		tg.DropMutation(m, t)
	}
}

func (v *testVolume) Device() device.Device   { return v.dev }
func (v *testVolume) BlockSize() uint64       { return testBlockSize }
func (v *testVolume) Allocator() SpaceManager { return v.alloc }
func (v *testVolume) Locks() *txn.LockManager { return v.locks }

func (v *testVolume) NewTransaction(ctx context.Context, keys []txn.LockKey, opts txn.Options) (*txn.Transaction, error) {
	return txn.NewTransaction(ctx, v.jr, v.locks, keys, opts)
}

// newRootStore builds an initialized store without a parent, standing in
// for the root parent store.
func newRootStore(t *testing.T, v *testVolume, storeID uint64) *ObjectStore {
	t.Helper()

	s := New(v, nil, storeID, logger.Nop())
	v.register(storeID, s)

	tx, err := v.NewTransaction(context.Background(), nil, txn.Options{})
	require.NoError(t, err)
	s.InitEmpty(tx)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)

	return s
}

// newChildStore creates a store whose info object lives in parent, the way
// the volume creates child stores.
func newChildStore(t *testing.T, v *testVolume, parent *ObjectStore) *ObjectStore {
	t.Helper()

	ctx := context.Background()

	tx, err := v.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	h, err := parent.CreateObject(tx)
	require.NoError(t, err)

	s := New(v, parent, h.ObjectID(), logger.Nop())
	v.register(s.StoreID(), s)
	s.InitEmpty(tx)

	initial, err := EncodeInitialInfo()
	require.NoError(t, err)
	require.NoError(t, h.WriteAll(ctx, tx, initial))

	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	return s
}

func writeObject(t *testing.T, v *testVolume, s *ObjectStore, data []byte) uint64 {
	t.Helper()

	ctx := context.Background()
	tx, err := v.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	h, err := s.CreateObject(tx)
	require.NoError(t, err)
	require.NoError(t, h.WriteAll(ctx, tx, data))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	return h.ObjectID()
}

func readObject(t *testing.T, s *ObjectStore, objectID uint64) []byte {
	t.Helper()

	h, err := s.OpenObject(context.Background(), objectID)
	require.NoError(t, err)
	data, err := h.ReadAll(context.Background())
	require.NoError(t, err)

	return data
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)

	t.Run("unaligned length", func(t *testing.T) {
		data := pattern(3*testBlockSize+17, 1)
		id := writeObject(t, v, s, data)
		require.Equal(t, data, readObject(t, s, id))

		h, err := s.OpenObject(context.Background(), id)
		require.NoError(t, err)
		require.EqualValues(t, len(data), h.Size())
	})

	t.Run("empty object", func(t *testing.T) {
		id := writeObject(t, v, s, nil)
		require.Empty(t, readObject(t, s, id))
	})

	t.Run("read past end is short", func(t *testing.T) {
		data := pattern(testBlockSize, 2)
		id := writeObject(t, v, s, data)

		h, err := s.OpenObject(context.Background(), id)
		require.NoError(t, err)

		buf := make([]byte, 2*testBlockSize)
		n, err := h.ReadAt(context.Background(), buf, 0)
		require.NoError(t, err)
		require.Equal(t, testBlockSize, n)
	})

	t.Run("unknown object", func(t *testing.T) {
		_, err := s.OpenObject(context.Background(), 99999)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unaligned write offset rejected", func(t *testing.T) {
		ctx := context.Background()
		tx, err := v.NewTransaction(ctx, nil, txn.Options{})
		require.NoError(t, err)
		defer tx.Drop()

		h, err := s.CreateObject(tx)
		require.NoError(t, err)
		require.Error(t, h.Write(ctx, tx, 100, pattern(10, 3)))
	})
}

func TestStoreOverwriteAndHoles(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)
	ctx := context.Background()

	old := pattern(4*testBlockSize, 1)
	id := writeObject(t, v, s, old)

	t.Run("partial overwrite", func(t *testing.T) {
		tx, err := v.NewTransaction(ctx, nil, txn.Options{})
		require.NoError(t, err)
		h, err := s.OpenObject(ctx, id)
		require.NoError(t, err)

		patch := pattern(testBlockSize, 9)
		require.NoError(t, h.Write(ctx, tx, testBlockSize, patch))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)

		want := append([]byte{}, old...)
		copy(want[testBlockSize:], patch)
		require.Equal(t, want, readObject(t, s, id))
	})

	t.Run("overwrite frees old space", func(t *testing.T) {
		freedBefore := v.alloc.freedBytes

		tx, err := v.NewTransaction(ctx, nil, txn.Options{})
		require.NoError(t, err)
		h, err := s.OpenObject(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h.WriteAll(ctx, tx, pattern(2*testBlockSize, 5)))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)

		require.EqualValues(t, 4*testBlockSize, v.alloc.freedBytes-freedBefore)
	})

	t.Run("hole reads as zeros", func(t *testing.T) {
		tx, err := v.NewTransaction(ctx, nil, txn.Options{})
		require.NoError(t, err)
		h, err := s.CreateObject(tx)
		require.NoError(t, err)

		tail := pattern(testBlockSize, 7)
		require.NoError(t, h.Write(ctx, tx, 2*testBlockSize, tail))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)

		got := readObject(t, s, h.ObjectID())
		require.Len(t, got, 3*testBlockSize)
		require.Equal(t, make([]byte, 2*testBlockSize), got[:2*testBlockSize])
		require.Equal(t, tail, got[2*testBlockSize:])
	})
}

func TestStoreChecksumVerification(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)

	dataStart := v.alloc.next
	id := writeObject(t, v, s, pattern(testBlockSize, 1))

	// Flip a bit under the extent.
	var b [1]byte
	require.NoError(t, v.dev.ReadAt(b[:], dataStart+10))
	b[0] ^= 0xff
	require.NoError(t, v.dev.WriteAt(b[:], dataStart+10))

	h, err := s.OpenObject(context.Background(), id)
	require.NoError(t, err)
	_, err = h.ReadAll(context.Background())
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestStoreInterruptedFlushConverges(t *testing.T) {
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	v := newTestVolume(t, dev)
	v.jr.Format(0)

	root := newRootStore(t, v, 1)
	child := newChildStore(t, v, root)
	ctx := context.Background()

	data := pattern(3*testBlockSize, 5)
	id := writeObject(t, v, child, data)

	// A flush that dies right after its begin marker: the trees seal and
	// the info snapshot is taken, but no layer files or info rewrite
	// follow.
	tx, err := v.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	require.NoError(t, err)
	tx.AddWithObject(child.StoreID(), &BeginFlushMutation{}, child)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	data2 := pattern(testBlockSize, 6)
	id2 := writeObject(t, v, child, data2)

	count := child.ObjectCount()
	last := child.LastObjectID()

	// Remount: replay must rebuild the sealed state the dead flush never
	// persisted.
	v2 := newTestVolume(t, dev)
	root2 := New(v2, nil, 1, logger.Nop())
	v2.register(1, root2)
	child2 := New(v2, root2, child.StoreID(), logger.Nop())
	v2.register(child2.StoreID(), child2)
	require.NoError(t, v2.jr.Replay(txn.Checkpoint{}))
	require.NoError(t, child2.Open(ctx))

	require.Equal(t, count, child2.ObjectCount())
	require.Equal(t, last, child2.LastObjectID())
	require.Equal(t, data, readObject(t, child2, id))
	require.Equal(t, data2, readObject(t, child2, id2))

	// The live store can still flush to completion afterwards.
	require.NoError(t, child.Flush(ctx))
	require.False(t, child.NeedsFlush())
	require.Equal(t, data, readObject(t, child, id))
}

func TestStoreDroppedTransactionLeavesNoTrace(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)
	ctx := context.Background()

	count := s.ObjectCount()

	tx, err := v.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	h, err := s.CreateObject(tx)
	require.NoError(t, err)
	require.NoError(t, h.WriteAll(ctx, tx, pattern(testBlockSize, 1)))
	tx.Drop()

	require.Equal(t, count, s.ObjectCount())
	_, err = s.OpenObject(ctx, h.ObjectID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRefsAndGraveyard(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)
	ctx := context.Background()

	id := writeObject(t, v, s, pattern(2*testBlockSize, 1))

	refs, err := s.ObjectRefs(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)

	tx, err := v.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	dead, err := s.AdjustRefs(tx, id, 1)
	require.NoError(t, err)
	require.False(t, dead)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx, err = v.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	dead, err = s.AdjustRefs(tx, id, -2)
	require.NoError(t, err)
	require.True(t, dead)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	var buried []uint64
	require.NoError(t, s.ForEachGraveyardEntry(func(objectID uint64) error {
		buried = append(buried, objectID)
		return nil
	}))
	require.Equal(t, []uint64{id}, buried)

	t.Run("underflow rejected", func(t *testing.T) {
		tx, err := v.NewTransaction(ctx, nil, txn.Options{})
		require.NoError(t, err)
		defer tx.Drop()
		_, err = s.AdjustRefs(tx, id, -1)
		require.ErrorIs(t, err, ErrInconsistent)
	})

	t.Run("tombstone reclaims", func(t *testing.T) {
		countBefore := s.ObjectCount()
		freedBefore := v.alloc.freedBytes

		require.NoError(t, s.Tombstone(ctx, id))

		require.Equal(t, countBefore-1, s.ObjectCount())
		require.EqualValues(t, 2*testBlockSize, v.alloc.freedBytes-freedBefore)

		_, err := s.OpenObject(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.ForEachGraveyardEntry(func(objectID uint64) error {
			return fmt.Errorf("unexpected graveyard entry %d", objectID)
		}))
	})
}

func TestStoreReap(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)
	ctx := context.Background()

	id := writeObject(t, v, s, pattern(testBlockSize, 1))
	require.NoError(t, s.Reap(ctx, id))

	_, err := s.OpenObject(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreReplay(t *testing.T) {
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	v := newTestVolume(t, dev)
	v.jr.Format(0)

	s := newRootStore(t, v, 1)
	data := pattern(3*testBlockSize+100, 1)
	id := writeObject(t, v, s, data)

	id2 := writeObject(t, v, s, pattern(testBlockSize, 2))
	require.NoError(t, s.Reap(context.Background(), id2))

	// A second engine instance over the same device rebuilds the store
	// from the journal alone.
	v2 := newTestVolume(t, dev)
	s2 := New(v2, nil, 1, logger.Nop())
	v2.register(1, s2)
	require.NoError(t, v2.jr.Replay(txn.Checkpoint{}))

	require.Equal(t, data, readObject(t, s2, id))
	_, err := s2.OpenObject(context.Background(), id2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFlushAndOpen(t *testing.T) {
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	v := newTestVolume(t, dev)
	v.jr.Format(0)

	root := newRootStore(t, v, 1)
	child := newChildStore(t, v, root)
	ctx := context.Background()

	data := pattern(5*testBlockSize+42, 3)
	id := writeObject(t, v, child, data)

	require.True(t, child.NeedsFlush())
	require.Nil(t, child.FlushCheckpoint())

	beginGuess := v.jr.Checkpoint()
	require.NoError(t, child.Flush(ctx))

	require.False(t, child.NeedsFlush())
	cp := child.FlushCheckpoint()
	require.NotNil(t, cp)
	require.Equal(t, beginGuess, *cp)

	// Data written after the flush lives only in the journal.
	data2 := pattern(testBlockSize, 4)
	id2 := writeObject(t, v, child, data2)

	t.Run("reopen from layer files plus replay", func(t *testing.T) {
		v2 := newTestVolume(t, dev)
		root2 := New(v2, nil, 1, logger.Nop())
		v2.register(1, root2)
		child2 := New(v2, root2, child.StoreID(), logger.Nop())
		v2.register(child2.StoreID(), child2)

		require.NoError(t, v2.jr.Replay(txn.Checkpoint{}))
		require.NoError(t, child2.Open(ctx))

		require.Equal(t, data, readObject(t, child2, id))
		require.Equal(t, data2, readObject(t, child2, id2))
		require.Equal(t, child.ObjectCount(), child2.ObjectCount())
		require.Equal(t, child.LastObjectID(), child2.LastObjectID())
	})

	t.Run("reopen from flush checkpoint", func(t *testing.T) {
		// Replay from the flush's begin point instead of the log start:
		// the layer files must cover everything before it.
		v3 := newTestVolume(t, dev)
		root3 := New(v3, nil, 1, logger.Nop())
		v3.register(1, root3)
		child3 := New(v3, root3, child.StoreID(), logger.Nop())
		v3.register(child3.StoreID(), child3)

		// The root store itself is rebuilt by full replay in the real
		// volume; here only the child's mutations matter past cp, but the
		// root needs its own records, so replay everything for it first.
		require.NoError(t, v3.jr.Replay(txn.Checkpoint{}))
		require.NoError(t, child3.Open(ctx))

		require.Equal(t, data2, readObject(t, child3, id2))
	})

	t.Run("second flush reaps old layer files", func(t *testing.T) {
		rootCount := root.ObjectCount()
		require.NoError(t, child.Flush(ctx))
		// Two new layer files created, two old ones reaped.
		require.Equal(t, rootCount, root.ObjectCount())
	})
}

func TestStoreSnapshotRestore(t *testing.T) {
	v := newTestVolume(t, device.NewMemoryDevice(testDeviceSize, testBlockSize))
	s := newRootStore(t, v, 1)

	data := pattern(2*testBlockSize, 1)
	id := writeObject(t, v, s, data)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	v2 := newTestVolume(t, v.dev)
	s2 := New(v2, nil, 1, logger.Nop())
	v2.register(1, s2)
	require.NoError(t, s2.RestoreSnapshot(snap))

	require.Equal(t, data, readObject(t, s2, id))
	require.Equal(t, s.ObjectCount(), s2.ObjectCount())
	require.Equal(t, s.LastObjectID(), s2.LastObjectID())
}

func TestStoreInfoRoundTrip(t *testing.T) {
	info := StoreInfo{
		Version:                    storeInfoVersion,
		LastObjectID:               41,
		ObjectCount:                7,
		GraveyardDirectoryObjectID: GraveyardObjectID,
		RootDirectoryID:            9,
		ObjectTreeLayers:           []uint64{11, 12},
		ExtentTreeLayers:           []uint64{13},
	}

	data, err := encodeStoreInfo(info)
	require.NoError(t, err)

	got, err := decodeStoreInfo(data)
	require.NoError(t, err)
	require.Equal(t, info, got)

	_, err = decodeStoreInfo([]byte("garbage"))
	require.Error(t, err)
}
