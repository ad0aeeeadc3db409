// Package filesystem assembles a volume out of the journal, the allocator
// and the object stores: one superblock, one write-ahead log, an in-memory
// root parent store snapshotted into the superblock, a root store holding
// every other store's metadata, and the allocator tracking device space.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillfs/quillfs/pkg/metrics"
	"github.com/quillfs/quillfs/pkg/objstore/allocator"
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/journal"
	"github.com/quillfs/quillfs/pkg/objstore/reservation"
	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

// Well-known object IDs, all below store.FirstFreeObjectID.
//
// Store IDs address journaled mutations, so they must be unique across the
// volume: the root parent and the root store have fixed IDs, and child
// store IDs are object IDs handed out by the root store, which start above
// the reserved range.
const (
	// RootParentStoreID is the in-memory store holding the root store's
	// metadata.
	RootParentStoreID uint64 = 1

	// RootStoreID is the root store's ID and the ID of its info object in
	// the root parent store.
	RootStoreID uint64 = 2

	// AllocatorObjectID addresses allocator mutations and names the
	// allocator's info object in the root store.
	AllocatorObjectID uint64 = 3
)

// DefaultJournalSize is used when Options leave JournalSize zero.
const DefaultJournalSize uint64 = 8 * 1024 * 1024

// MinJournalSize bounds the journal region from below so a full flush
// pass, whose own commits consume log space before the base can advance,
// always fits beside the half of the region user transactions may take.
const MinJournalSize uint64 = 64 * journal.BlockSize

const (
	defaultFlushInterval  = 30 * time.Second
	defaultReaperInterval = time.Minute
	defaultReaperWorkers  = 4

	// metadataReservationBlocks are held back from user allocations so
	// flushes always have room for layer files.
	metadataReservationBlocks = 32
)

// ErrClosed is returned by operations on a closed volume.
var ErrClosed = errors.New("volume is closed")

// Options tune a volume at format or mount time.
type Options struct {
	// JournalSize is the write-ahead log region size in bytes, a multiple
	// of journal.BlockSize. Only honored by Format; mounts read the
	// geometry from the superblock.
	JournalSize uint64

	// FlushInterval is how often the background flusher persists tree
	// state and rewrites the superblock. Zero means the default.
	FlushInterval time.Duration

	// ReaperInterval is how often graveyards are scanned for dead
	// objects. Zero means the default.
	ReaperInterval time.Duration

	// ReaperWorkers bounds concurrent tombstone jobs.
	ReaperWorkers int

	Logger  *logger.Logger
	Metrics *metrics.VolumeMetrics
}

func (o *Options) fill() {
	if o.JournalSize == 0 {
		o.JournalSize = DefaultJournalSize
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.ReaperInterval == 0 {
		o.ReaperInterval = defaultReaperInterval
	}
	if o.ReaperWorkers == 0 {
		o.ReaperWorkers = defaultReaperWorkers
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
}

// Filesystem is a mounted volume. It implements the transaction handler,
// the mutation router and the surfaces stores and the allocator require.
type Filesystem struct {
	dev       device.Device
	blockSize uint64
	log       *logger.Logger
	mtr       *metrics.VolumeMetrics
	opts      Options

	guid         string
	journalStart uint64
	journalSize  uint64

	locks   *txn.LockManager
	journal *journal.Journal

	rootParent *store.ObjectStore
	rootStore  *store.ObjectStore
	alloc      *allocator.Allocator

	// commitGate serializes superblock writes against transaction
	// commits: the root parent snapshot and the snapshot offset must
	// describe the same instant.
	commitGate sync.RWMutex

	mtx                      sync.Mutex
	stores                   map[uint64]*store.ObjectStore
	mountCheckpoint          txn.Checkpoint
	rootParentSnapshotOffset uint64
	metadataRes              *reservation.Reservation
	closed                   bool

	flusherStop chan struct{}
	reaper      *reaper
	bg          sync.WaitGroup
}

func newVolume(dev device.Device, guid string, journalStart, journalSize uint64, opts Options) *Filesystem {
	fs := &Filesystem{
		dev:          dev,
		blockSize:    dev.BlockSize(),
		log:          opts.Logger,
		mtr:          opts.Metrics,
		opts:         opts,
		guid:         guid,
		journalStart: journalStart,
		journalSize:  journalSize,
		locks:        txn.NewLockManager(),
		stores:       make(map[uint64]*store.ObjectStore),
		flusherStop:  make(chan struct{}),
	}
	fs.journal = journal.New(dev, journalStart, journalSize, fs, fs.log)
	if fs.mtr != nil {
		fs.journal.SetMetrics(fs.mtr.JournalMetrics)
	}

	fs.rootParent = store.New(fs, nil, RootParentStoreID, fs.log)
	fs.rootStore = store.New(fs, fs.rootParent, RootStoreID, fs.log)

	allocOpts := []allocator.Option{allocator.WithLogger(fs.log)}
	if fs.mtr != nil {
		allocOpts = append(allocOpts, allocator.WithMetrics(fs.mtr.AllocatorMetrics))
	}
	fs.alloc = allocator.New(fs, AllocatorObjectID, allocOpts...)
	fs.alloc.SetRootStore(fs.rootStore)

	return fs
}

// Format initializes dev as an empty volume and returns it mounted.
func Format(ctx context.Context, dev device.Device, opts Options) (*Filesystem, error) {
	opts.fill()
	if opts.JournalSize%journal.BlockSize != 0 {
		return nil, fmt.Errorf("journal size %d not a multiple of %d", opts.JournalSize, journal.BlockSize)
	}
	if opts.JournalSize < MinJournalSize {
		return nil, fmt.Errorf("journal size %d below the minimum %d", opts.JournalSize, MinJournalSize)
	}
	journalStart := SuperblockRegionSize
	if minSize := journalStart + opts.JournalSize + dev.BlockSize(); dev.Size() < minSize {
		return nil, fmt.Errorf("device of %d bytes too small, need at least %d", dev.Size(), minSize)
	}

	fs := newVolume(dev, uuid.New().String(), journalStart, opts.JournalSize, opts)

	seed := journal.Fletcher64([]byte(fs.guid), 0)
	fs.journal.Format(seed)
	fs.mountCheckpoint = txn.Checkpoint{FileOffset: 0, Checksum: seed}
	fs.alloc.InitEmpty()

	t, err := fs.NewTransaction(ctx, nil, txn.Options{SkipSpaceChecks: true})
	if err != nil {
		return nil, err
	}
	fs.alloc.MarkAllocated(t, RootParentStoreID, device.Range{Start: 0, End: SuperblockRegionSize})
	fs.alloc.MarkAllocated(t, RootParentStoreID, device.Range{
		Start: fs.journalStart, End: fs.journalStart + fs.journalSize,
	})
	fs.rootParent.InitEmpty(t)
	rootInfoHandle, err := fs.rootParent.CreateObjectWithID(t, RootStoreID)
	if err != nil {
		t.Drop()
		return nil, err
	}
	fs.rootStore.InitEmpty(t)
	allocInfoHandle, err := fs.rootStore.CreateObjectWithID(t, AllocatorObjectID)
	if err != nil {
		t.Drop()
		return nil, err
	}
	if _, err := fs.rootStore.CreateRootDirectory(t); err != nil {
		t.Drop()
		return nil, err
	}
	if _, err := t.Commit(ctx); err != nil {
		return nil, err
	}

	// Initial info objects, so both the root store and the allocator can
	// be opened before their first flush.
	rootInfoData, err := store.EncodeInitialInfo()
	if err != nil {
		return nil, err
	}
	allocInfoData, err := allocator.EncodeInitialInfo()
	if err != nil {
		return nil, err
	}
	t, err = fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return nil, err
	}
	if err := rootInfoHandle.WriteAll(ctx, t, rootInfoData); err != nil {
		t.Drop()
		return nil, err
	}
	if err := allocInfoHandle.WriteAll(ctx, t, allocInfoData); err != nil {
		t.Drop()
		return nil, err
	}
	if _, err := t.Commit(ctx); err != nil {
		return nil, err
	}

	if err := fs.FlushAll(ctx); err != nil {
		return nil, err
	}

	fs.start()
	fs.log.Info("volume formatted",
		logger.FieldString("guid", fs.guid),
		logger.FieldUint("size", dev.Size()))

	return fs, nil
}

// Open mounts a formatted volume: the superblock is read, the root parent
// store restored from its snapshot, the journal replayed and every
// component opened from its persistent info.
func Open(ctx context.Context, dev device.Device, opts Options) (*Filesystem, error) {
	opts.fill()

	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize != dev.BlockSize() {
		return nil, fmt.Errorf("volume block size %d does not match device block size %d",
			sb.BlockSize, dev.BlockSize())
	}

	fs := newVolume(dev, sb.GUID, sb.JournalStart, sb.JournalSize, opts)
	fs.mountCheckpoint = sb.Checkpoint
	fs.rootParentSnapshotOffset = sb.RootParentSnapshotOffset

	if err := fs.rootParent.RestoreSnapshot(sb.RootParentSnapshot); err != nil {
		return nil, err
	}
	if err := fs.journal.Replay(sb.Checkpoint); err != nil {
		return nil, fmt.Errorf("could not replay journal: %w", err)
	}

	if err := fs.rootStore.Open(ctx); err != nil {
		return nil, err
	}
	if err := fs.alloc.Open(ctx); err != nil {
		return nil, err
	}
	for _, s := range fs.childStores() {
		if err := s.Open(ctx); err != nil {
			return nil, fmt.Errorf("could not open store %d: %w", s.StoreID(), err)
		}
	}

	if err := fs.Sync(ctx); err != nil {
		return nil, err
	}

	fs.start()
	fs.log.Info("volume mounted",
		logger.FieldString("guid", fs.guid),
		logger.FieldUint("replay_checkpoint", sb.Checkpoint.FileOffset))

	return fs, nil
}

func (fs *Filesystem) start() {
	fs.mtx.Lock()
	fs.metadataRes = fs.alloc.ReserveAtMost(nil, metadataReservationBlocks*fs.blockSize)
	fs.mtx.Unlock()

	fs.reaper = newReaper(fs, fs.opts.ReaperInterval, fs.opts.ReaperWorkers)
	fs.reaper.start()

	fs.bg.Add(1)
	go fs.flusher()
}

func (fs *Filesystem) flusher() {
	defer fs.bg.Done()

	tick := time.NewTicker(fs.opts.FlushInterval)
	defer tick.Stop()

	for {
		select {
		case <-fs.flusherStop:
			return
		case <-tick.C:
			if err := fs.FlushAll(context.Background()); err != nil {
				fs.log.Error("background flush failed", logger.FieldError(err))
			}
		}
	}
}

// Device implements store.Filesystem.
func (fs *Filesystem) Device() device.Device { return fs.dev }

// BlockSize implements store.Filesystem.
func (fs *Filesystem) BlockSize() uint64 { return fs.blockSize }

// Allocator implements store.Filesystem.
func (fs *Filesystem) Allocator() store.SpaceManager { return fs.alloc }

// Locks implements store.Filesystem.
func (fs *Filesystem) Locks() *txn.LockManager { return fs.locks }

// GUID returns the volume's identity.
func (fs *Filesystem) GUID() string { return fs.guid }

// RootStore returns the store user stores and objects hang off.
func (fs *Filesystem) RootStore() *store.ObjectStore { return fs.rootStore }

// AllocatedBytes returns the committed allocated byte count.
func (fs *Filesystem) AllocatedBytes() int64 { return fs.alloc.AllocatedBytes() }

// TakenBytes returns allocated plus staged plus reserved bytes.
func (fs *Filesystem) TakenBytes() uint64 { return fs.alloc.Taken() }

// NewTransaction implements store.Filesystem. When the journal window runs
// low the volume is flushed first, which moves the replay base forward and
// frees log space; metadata transactions skip the check because flushing
// is what issues them.
func (fs *Filesystem) NewTransaction(ctx context.Context, keys []txn.LockKey, opts txn.Options) (*txn.Transaction, error) {
	fs.mtx.Lock()
	closed := fs.closed
	fs.mtx.Unlock()
	if closed {
		return nil, ErrClosed
	}

	// Half the region stays in hand for the flush protocol's own
	// commits, which borrow metadata space and skip this check.
	if !opts.BorrowMetadataSpace && !opts.SkipSpaceChecks && fs.journal.Free() < fs.journalSize/2 {
		if err := fs.FlushAll(ctx); err != nil {
			return nil, fmt.Errorf("could not reclaim journal space: %w", err)
		}
	}

	return txn.NewTransaction(ctx, fs, fs.locks, keys, opts)
}

// Commit implements txn.Handler by delegating to the journal under the
// commit gate.
func (fs *Filesystem) Commit(ctx context.Context, t *txn.Transaction, callback func(cp txn.Checkpoint)) (uint64, error) {
	fs.commitGate.RLock()
	defer fs.commitGate.RUnlock()

	return fs.journal.Commit(ctx, t, callback)
}

// DropTransaction implements txn.Handler.
func (fs *Filesystem) DropTransaction(t *txn.Transaction) {
	fs.journal.DropTransaction(t)
}

// Sync implements allocator.Filesystem: committed state becomes durable
// and deallocations whose commits the flush covered become allocatable.
func (fs *Filesystem) Sync(_ context.Context) error {
	cp := fs.journal.Checkpoint()
	if err := fs.dev.Flush(); err != nil {
		return fmt.Errorf("could not flush device: %w", err)
	}
	fs.alloc.DidFlushDevice(cp.FileOffset)
	return nil
}

// FlushAll persists every component and rewrites the superblock. Child
// stores go first since their layer files are root store objects, then the
// root store, then the allocator, whose flush accounts the space all the
// new layer files took.
func (fs *Filesystem) FlushAll(ctx context.Context) error {
	for _, s := range fs.childStores() {
		if err := fs.reclaimJournalSpace(ctx); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return fmt.Errorf("could not flush store %d: %w", s.StoreID(), err)
		}
	}
	if err := fs.reclaimJournalSpace(ctx); err != nil {
		return err
	}
	if err := fs.rootStore.Flush(ctx); err != nil {
		return fmt.Errorf("could not flush root store: %w", err)
	}
	if err := fs.reclaimJournalSpace(ctx); err != nil {
		return err
	}
	if err := fs.alloc.Flush(ctx); err != nil {
		return fmt.Errorf("could not flush allocator: %w", err)
	}

	if err := fs.writeSuperblock(ctx); err != nil {
		return err
	}
	if fs.mtr != nil {
		fs.mtr.IncFlushes()
	}
	return nil
}

// reclaimJournalSpace rewrites the superblock when the journal window runs
// low mid-flush. Components that already flushed in this pass carry fresh
// checkpoints, so the base can advance past their older traffic before the
// next component commits its own.
func (fs *Filesystem) reclaimJournalSpace(ctx context.Context) error {
	if fs.journal.Free() < fs.journalSize/4 {
		return fs.writeSuperblock(ctx)
	}
	return nil
}

// checkpointFor resolves a component's replay need: its last flush point,
// or the checkpoint the volume was mounted from if it has not flushed.
func (fs *Filesystem) checkpointFor(cp *txn.Checkpoint) txn.Checkpoint {
	if cp != nil {
		return *cp
	}
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	return fs.mountCheckpoint
}

// writeSuperblock snapshots the root parent store and persists the volume
// root record. The recorded checkpoint is the earliest replay point any
// component still needs; the journal base advances to it afterwards.
func (fs *Filesystem) writeSuperblock(_ context.Context) error {
	cp := fs.checkpointFor(fs.rootStore.FlushCheckpoint())
	if acp := fs.checkpointFor(fs.alloc.FlushCheckpoint()); acp.FileOffset < cp.FileOffset {
		cp = acp
	}
	for _, s := range fs.childStores() {
		if scp := fs.checkpointFor(s.FlushCheckpoint()); scp.FileOffset < cp.FileOffset {
			cp = scp
		}
	}

	fs.commitGate.Lock()
	head := fs.journal.Checkpoint()
	snap, err := fs.rootParent.Snapshot()
	fs.commitGate.Unlock()
	if err != nil {
		return err
	}

	sb := Superblock{
		Version:                  superblockVersion,
		GUID:                     fs.guid,
		BlockSize:                fs.blockSize,
		JournalStart:             fs.journalStart,
		JournalSize:              fs.journalSize,
		Checkpoint:               cp,
		RootParentSnapshotOffset: head.FileOffset,
		RootParentSnapshot:       snap,
	}
	data, err := encodeSuperblock(sb, fs.blockSize)
	if err != nil {
		return err
	}
	if err := fs.dev.WriteAt(data, 0); err != nil {
		return fmt.Errorf("could not write superblock: %w", err)
	}
	if err := fs.dev.Flush(); err != nil {
		return fmt.Errorf("could not flush superblock: %w", err)
	}

	fs.journal.SetBase(cp)
	fs.alloc.DidFlushDevice(head.FileOffset)

	fs.mtx.Lock()
	fs.rootParentSnapshotOffset = head.FileOffset
	fs.mtx.Unlock()

	fs.log.Debug("superblock written",
		logger.FieldUint("checkpoint", cp.FileOffset),
		logger.FieldUint("snapshot_offset", head.FileOffset))

	return nil
}

// childStores returns the registered child stores.
func (fs *Filesystem) childStores() []*store.ObjectStore {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	out := make([]*store.ObjectStore, 0, len(fs.stores))
	for _, s := range fs.stores {
		out = append(out, s)
	}
	return out
}

// CreateChildStore makes a new store under the root store. Its ID is the
// object ID of its info object.
func (fs *Filesystem) CreateChildStore(ctx context.Context) (*store.ObjectStore, error) {
	t, err := fs.NewTransaction(ctx, nil, txn.Options{BorrowMetadataSpace: true})
	if err != nil {
		return nil, err
	}
	h, err := fs.rootStore.CreateObject(t)
	if err != nil {
		t.Drop()
		return nil, err
	}

	s := store.New(fs, fs.rootStore, h.ObjectID(), fs.log)
	fs.mtx.Lock()
	fs.stores[s.StoreID()] = s
	fs.mtx.Unlock()

	s.InitEmpty(t)
	_, err = s.CreateRootDirectory(t)
	if err == nil {
		var infoData []byte
		infoData, err = store.EncodeInitialInfo()
		if err == nil {
			err = h.WriteAll(ctx, t, infoData)
		}
	}
	if err == nil {
		_, err = t.Commit(ctx)
	}
	if err != nil {
		t.Drop()
		fs.mtx.Lock()
		delete(fs.stores, s.StoreID())
		fs.mtx.Unlock()
		return nil, err
	}

	return s, nil
}

// OpenStore returns a registered store or opens one from its info object
// in the root store.
func (fs *Filesystem) OpenStore(ctx context.Context, storeID uint64) (*store.ObjectStore, error) {
	fs.mtx.Lock()
	if s, ok := fs.stores[storeID]; ok {
		fs.mtx.Unlock()
		return s, nil
	}
	s := store.New(fs, fs.rootStore, storeID, fs.log)
	fs.stores[storeID] = s
	fs.mtx.Unlock()

	if err := s.Open(ctx); err != nil {
		fs.mtx.Lock()
		delete(fs.stores, storeID)
		fs.mtx.Unlock()
		return nil, err
	}
	return s, nil
}

// Close flushes everything and releases the device. The volume is
// unusable afterwards.
func (fs *Filesystem) Close(ctx context.Context) error {
	fs.mtx.Lock()
	if fs.closed {
		fs.mtx.Unlock()
		return ErrClosed
	}
	fs.mtx.Unlock()

	fs.reaper.stop()
	close(fs.flusherStop)
	fs.bg.Wait()

	err := fs.FlushAll(ctx)

	fs.mtx.Lock()
	fs.closed = true
	if fs.metadataRes != nil {
		fs.metadataRes.Release()
		fs.metadataRes = nil
	}
	fs.mtx.Unlock()

	if cerr := fs.dev.Close(); err == nil {
		err = cerr
	}
	return err
}
