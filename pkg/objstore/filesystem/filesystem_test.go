package filesystem

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/journal"
	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

const (
	testBlockSize  = 512
	testDeviceSize = 8 * 1024 * 1024
)

// testOptions keeps the background loops out of the way so every flush in
// a test is one the test asked for.
func testOptions() Options {
	return Options{
		JournalSize:    128 * journal.BlockSize,
		FlushInterval:  time.Hour,
		ReaperInterval: time.Hour,
		Logger:         logger.Nop(),
	}
}

func formatTestVolume(t *testing.T, dev *device.MemoryDevice) *Filesystem {
	t.Helper()

	fs, err := Format(context.Background(), dev, testOptions())
	require.NoError(t, err)

	return fs
}

func writeObject(t *testing.T, fs *Filesystem, s *store.ObjectStore, data []byte) uint64 {
	t.Helper()

	ctx := context.Background()
	tx, err := fs.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	h, err := s.CreateObject(tx)
	require.NoError(t, err)
	require.NoError(t, h.WriteAll(ctx, tx, data))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	return h.ObjectID()
}

func readObject(t *testing.T, s *store.ObjectStore, objectID uint64) []byte {
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

func TestFormatAndReadBack(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	_, err := uuid.Parse(fs.GUID())
	require.NoError(t, err)
	require.EqualValues(t, testBlockSize, fs.BlockSize())

	// The superblock and journal regions are accounted to the volume.
	require.GreaterOrEqual(t, fs.AllocatedBytes(),
		int64(SuperblockRegionSize+testOptions().JournalSize))
	require.GreaterOrEqual(t, fs.TakenBytes(), uint64(fs.AllocatedBytes()))

	data := pattern(3*testBlockSize+17, 1)
	id := writeObject(t, fs, fs.RootStore(), data)
	require.Equal(t, data, readObject(t, fs.RootStore(), id))

	require.NoError(t, fs.Close(ctx))

	_, err = fs.NewTransaction(ctx, nil, txn.Options{})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, fs.Close(ctx), ErrClosed)
}

func TestFormatRejectsBadGeometry(t *testing.T) {
	ctx := context.Background()

	opts := testOptions()
	opts.JournalSize = journal.BlockSize + 1
	_, err := Format(ctx, device.NewMemoryDevice(testDeviceSize, testBlockSize), opts)
	require.Error(t, err)

	opts = testOptions()
	opts.JournalSize = MinJournalSize - journal.BlockSize
	_, err = Format(ctx, device.NewMemoryDevice(testDeviceSize, testBlockSize), opts)
	require.Error(t, err)

	small := device.NewMemoryDevice(SuperblockRegionSize, testBlockSize)
	_, err = Format(ctx, small, testOptions())
	require.Error(t, err)
}

func TestOpenUnformatted(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, device.NewMemoryDevice(testDeviceSize, testBlockSize), testOptions())
	require.ErrorIs(t, err, ErrNotFormatted)

	// A corrupted superblock is indistinguishable from no superblock.
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)
	require.NoError(t, fs.Close(ctx))
	dev.Reopen()

	buf := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadAt(buf, 0))
	buf[superblockHeaderLen] ^= 0xff
	require.NoError(t, dev.WriteAt(buf, 0))

	_, err = Open(ctx, dev, testOptions())
	require.ErrorIs(t, err, ErrNotFormatted)
}

func TestReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	big := pattern(7*testBlockSize+123, 3)
	small := pattern(42, 4)
	bigID := writeObject(t, fs, fs.RootStore(), big)
	smallID := writeObject(t, fs, fs.RootStore(), small)

	guid := fs.GUID()
	count := fs.RootStore().ObjectCount()
	allocated := fs.AllocatedBytes()

	require.NoError(t, fs.Close(ctx))
	dev.Reopen()

	fs, err := Open(ctx, dev, testOptions())
	require.NoError(t, err)
	defer fs.Close(ctx)

	require.Equal(t, guid, fs.GUID())
	require.Equal(t, count, fs.RootStore().ObjectCount())
	require.Equal(t, allocated, fs.AllocatedBytes())
	require.Equal(t, big, readObject(t, fs.RootStore(), bigID))
	require.Equal(t, small, readObject(t, fs.RootStore(), smallID))

	// The volume accepts new writes after a remount.
	extra := pattern(2*testBlockSize, 5)
	extraID := writeObject(t, fs, fs.RootStore(), extra)
	require.Equal(t, extra, readObject(t, fs.RootStore(), extraID))
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	flushed := pattern(2*testBlockSize, 6)
	flushedID := writeObject(t, fs, fs.RootStore(), flushed)
	require.NoError(t, fs.FlushAll(ctx))

	// These commits only reach the journal; recovery must replay them.
	tail1 := pattern(testBlockSize+7, 7)
	tail2 := pattern(3*testBlockSize, 8)
	tail1ID := writeObject(t, fs, fs.RootStore(), tail1)
	tail2ID := writeObject(t, fs, fs.RootStore(), tail2)

	count := fs.RootStore().ObjectCount()
	allocated := fs.AllocatedBytes()

	// No Close: mount the device as it was left.
	fs2, err := Open(ctx, dev, testOptions())
	require.NoError(t, err)
	defer fs2.Close(ctx)

	require.Equal(t, count, fs2.RootStore().ObjectCount())
	require.Equal(t, allocated, fs2.AllocatedBytes())
	require.Equal(t, flushed, readObject(t, fs2.RootStore(), flushedID))
	require.Equal(t, tail1, readObject(t, fs2.RootStore(), tail1ID))
	require.Equal(t, tail2, readObject(t, fs2.RootStore(), tail2ID))
}

func TestChildStores(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	child, err := fs.CreateChildStore(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, child.StoreID(), store.FirstFreeObjectID)
	require.NotZero(t, child.RootDirectoryObjectID())

	data := pattern(4*testBlockSize+9, 9)
	id := writeObject(t, fs, child, data)
	require.Equal(t, data, readObject(t, child, id))

	// OpenStore returns the registered instance.
	same, err := fs.OpenStore(ctx, child.StoreID())
	require.NoError(t, err)
	require.Same(t, child, same)

	childID := child.StoreID()
	require.NoError(t, fs.Close(ctx))
	dev.Reopen()

	fs, err = Open(ctx, dev, testOptions())
	require.NoError(t, err)
	defer fs.Close(ctx)

	child, err = fs.OpenStore(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, data, readObject(t, child, id))
	require.NotZero(t, child.RootDirectoryObjectID())

	_, err = fs.OpenStore(ctx, 99999)
	require.Error(t, err)
}

func TestChildStoreCrashRecovery(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	child, err := fs.CreateChildStore(ctx)
	require.NoError(t, err)
	data := pattern(2*testBlockSize+31, 10)
	id := writeObject(t, fs, child, data)
	childID := child.StoreID()

	// The child store was never flushed; replay rebuilds it from scratch.
	fs2, err := Open(ctx, dev, testOptions())
	require.NoError(t, err)
	defer fs2.Close(ctx)

	child2, err := fs2.OpenStore(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, data, readObject(t, child2, id))
}

func TestReaperReclaimsDeadObjects(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)

	id := writeObject(t, fs, fs.RootStore(), pattern(4*testBlockSize, 11))

	tx, err := fs.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	dead, err := fs.RootStore().AdjustRefs(tx, id, -1)
	require.NoError(t, err)
	require.True(t, dead)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	allocated := fs.AllocatedBytes()
	require.NoError(t, fs.Close(ctx))
	dev.Reopen()

	// The mount-time graveyard scan tombstones the object; the jobs run
	// on the reaper pool, so give them a moment.
	fs, err = Open(ctx, dev, testOptions())
	require.NoError(t, err)
	defer fs.Close(ctx)

	require.Eventually(t, func() bool {
		_, err := fs.RootStore().OpenObject(ctx, id)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return fs.AllocatedBytes() < allocated
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncMakesDeallocationsReusable(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	fs := formatTestVolume(t, dev)
	defer fs.Close(ctx)

	id := writeObject(t, fs, fs.RootStore(), pattern(8*testBlockSize, 12))
	before := fs.AllocatedBytes()

	tx, err := fs.NewTransaction(ctx, nil, txn.Options{})
	require.NoError(t, err)
	dead, err := fs.RootStore().AdjustRefs(tx, id, -1)
	require.NoError(t, err)
	require.True(t, dead)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, fs.RootStore().Tombstone(ctx, id))
	require.Less(t, fs.AllocatedBytes(), before)

	require.NoError(t, fs.Sync(ctx))

	// The freed blocks are allocatable again after the sync.
	next := writeObject(t, fs, fs.RootStore(), pattern(8*testBlockSize, 13))
	require.Equal(t, pattern(8*testBlockSize, 13), readObject(t, fs.RootStore(), next))
}

func TestJournalChurnStaysMounted(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)

	opts := testOptions()
	opts.JournalSize = MinJournalSize
	fs, err := Format(ctx, dev, opts)
	require.NoError(t, err)

	// Far more commits than the journal region holds; the low-water
	// check has to keep flushing the volume to reclaim log space, and
	// the flushes themselves must fit in the space they are given.
	var ids []uint64
	for i := 0; i < 200; i++ {
		ids = append(ids, writeObject(t, fs, fs.RootStore(), pattern(2*testBlockSize, byte(i))))
	}

	for i, id := range ids[len(ids)-5:] {
		want := pattern(2*testBlockSize, byte(len(ids)-5+i))
		require.Equal(t, want, readObject(t, fs.RootStore(), id))
	}

	require.NoError(t, fs.Close(ctx))
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Version:                  superblockVersion,
		GUID:                     uuid.New().String(),
		BlockSize:                testBlockSize,
		JournalStart:             SuperblockRegionSize,
		JournalSize:              32 * journal.BlockSize,
		Checkpoint:               txn.Checkpoint{FileOffset: 12345, Checksum: 678},
		RootParentSnapshotOffset: 23456,
		RootParentSnapshot:       []byte("snapshot"),
	}

	data, err := encodeSuperblock(sb, testBlockSize)
	require.NoError(t, err)
	require.Zero(t, uint64(len(data))%uint64(testBlockSize))

	dev := device.NewMemoryDevice(testDeviceSize, testBlockSize)
	require.NoError(t, dev.WriteAt(data, 0))

	got, err := readSuperblock(dev)
	require.NoError(t, err)
	require.Equal(t, sb, got)
}
