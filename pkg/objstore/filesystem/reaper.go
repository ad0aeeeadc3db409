package filesystem

import (
	"context"
	"sync"
	"time"

	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

// reaper walks the graveyards and reclaims dead objects on a worker pool.
//
// Entries with live references are layer files of an interrupted flush;
// they are only torn down during the mount-time scan, when no flush can be
// in progress. Afterwards such entries always belong to a running flush
// and are left alone.
type reaper struct {
	fs       *Filesystem
	interval time.Duration
	pool     util.WorkerPool

	stopCh chan struct{}
	loop   sync.WaitGroup
	jobs   sync.WaitGroup

	mtx      sync.Mutex
	inflight map[txn.LockKey]bool
}

func newReaper(fs *Filesystem, interval time.Duration, workers int) *reaper {
	pool, err := util.NewWorkerPool(workers)
	if err != nil {
		pool = util.NewSyncWorkerPool()
	}
	return &reaper{
		fs:       fs,
		interval: interval,
		pool:     pool,
		stopCh:   make(chan struct{}),
		inflight: make(map[txn.LockKey]bool),
	}
}

func (r *reaper) start() {
	r.scan(true)

	r.loop.Add(1)
	go r.run()
}

func (r *reaper) run() {
	defer r.loop.Done()

	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-tick.C:
			r.scan(false)
		}
	}
}

func (r *reaper) stop() {
	close(r.stopCh)
	r.loop.Wait()
	r.jobs.Wait()
	r.pool.Release()
}

func (r *reaper) scan(initial bool) {
	stores := append(r.fs.childStores(), r.fs.rootStore, r.fs.rootParent)

	for _, s := range stores {
		s := s
		var ids []uint64
		err := s.ForEachGraveyardEntry(func(objectID uint64) error {
			ids = append(ids, objectID)
			return nil
		})
		if err != nil {
			r.fs.log.Warn("graveyard scan failed",
				logger.FieldUint("store", s.StoreID()), logger.FieldError(err))
			continue
		}

		for _, id := range ids {
			id := id
			key := txn.ObjectLock(s.StoreID(), id)
			if !r.mark(key) {
				continue
			}
			r.jobs.Add(1)
			err := r.pool.Submit(func() {
				defer r.jobs.Done()
				defer r.unmark(key)
				r.reapEntry(s, id, initial)
			})
			if err != nil {
				// Pool saturated; the next scan retries.
				r.jobs.Done()
				r.unmark(key)
			}
		}
	}
}

func (r *reaper) mark(key txn.LockKey) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.inflight[key] {
		return false
	}
	r.inflight[key] = true
	return true
}

func (r *reaper) unmark(key txn.LockKey) {
	r.mtx.Lock()
	delete(r.inflight, key)
	r.mtx.Unlock()
}

func (r *reaper) reapEntry(s *store.ObjectStore, objectID uint64, initial bool) {
	ctx := context.Background()

	refs, err := s.ObjectRefs(objectID)
	switch {
	case err != nil:
		// The object is gone but its graveyard entry survived; Tombstone
		// finds nothing to deallocate and clears the entry.
		err = s.Tombstone(ctx, objectID)
	case refs == 0:
		err = s.Tombstone(ctx, objectID)
	case initial:
		err = s.Reap(ctx, objectID)
	default:
		return
	}

	if err != nil {
		r.fs.log.Warn("could not reap object",
			logger.FieldUint("store", s.StoreID()),
			logger.FieldUint("object", objectID),
			logger.FieldError(err))
	}
}
