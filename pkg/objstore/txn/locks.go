package txn

import (
	"context"
	"sort"
	"sync"
)

// LockKey identifies a lockable entity. Transactions take their keys before
// building mutations and hold them until commit or drop.
type LockKey struct {
	StoreID  uint64
	ObjectID uint64
}

// ObjectLock is the key guarding an object's metadata.
func ObjectLock(storeID, objectID uint64) LockKey {
	return LockKey{StoreID: storeID, ObjectID: objectID}
}

// FlushLock is the key a store's flush takes to serialize against other
// flushes and against replay.
func FlushLock(storeID uint64) LockKey {
	return LockKey{StoreID: storeID, ObjectID: ^uint64(0)}
}

type lockState struct {
	cond    *sync.Cond
	readers int
	writer  bool
}

// LockManager hands out shared and exclusive locks on LockKeys. Keys are
// always acquired in sorted order so transactions cannot deadlock against
// each other.
type LockManager struct {
	mtx   sync.Mutex
	locks map[LockKey]*lockState
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[LockKey]*lockState)}
}

func sortKeys(keys []LockKey) []LockKey {
	out := append([]LockKey{}, keys...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].ObjectID < out[j].ObjectID
	})
	return out
}

func (m *LockManager) state(k LockKey) *lockState {
	s, ok := m.locks[k]
	if !ok {
		s = &lockState{}
		s.cond = sync.NewCond(&m.mtx)
		m.locks[k] = s
	}
	return s
}

// Lock takes exclusive locks on all keys. Returns once all are held or the
// context is done, in which case any keys already taken are released.
func (m *LockManager) Lock(ctx context.Context, keys []LockKey) error {
	keys = sortKeys(keys)
	for i, k := range keys {
		if err := m.lockOne(ctx, k); err != nil {
			m.Unlock(keys[:i])
			return err
		}
	}
	return nil
}

func (m *LockManager) lockOne(ctx context.Context, k LockKey) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s := m.state(k)
	if err := m.wait(ctx, s, func() bool { return s.writer || s.readers > 0 }); err != nil {
		return err
	}
	s.writer = true
	return nil
}

// wait blocks until busy() turns false or ctx is done. Cancellation is
// turned into a broadcast by a watcher goroutine, since a condition
// variable alone would keep the waiter asleep until the next unlock. The
// broadcast happens under the manager mutex so it cannot slip between a
// waiter's ctx check and its Wait.
func (m *LockManager) wait(ctx context.Context, s *lockState, busy func() bool) error {
	if !busy() {
		return nil
	}

	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				m.mtx.Lock()
				s.cond.Broadcast()
				m.mtx.Unlock()
			case <-stop:
			}
		}()
	}

	for busy() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Unlock releases exclusive locks taken with Lock.
func (m *LockManager) Unlock(keys []LockKey) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, k := range keys {
		s := m.locks[k]
		s.writer = false
		s.cond.Broadcast()
		if s.readers == 0 {
			delete(m.locks, k)
		}
	}
}

// ReadLock takes shared locks on all keys.
func (m *LockManager) ReadLock(ctx context.Context, keys []LockKey) error {
	keys = sortKeys(keys)
	for i, k := range keys {
		if err := m.readLockOne(ctx, k); err != nil {
			m.ReadUnlock(keys[:i])
			return err
		}
	}
	return nil
}

func (m *LockManager) readLockOne(ctx context.Context, k LockKey) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s := m.state(k)
	if err := m.wait(ctx, s, func() bool { return s.writer }); err != nil {
		return err
	}
	s.readers++
	return nil
}

// ReadUnlock releases shared locks taken with ReadLock.
func (m *LockManager) ReadUnlock(keys []LockKey) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, k := range keys {
		s := m.locks[k]
		s.readers--
		s.cond.Broadcast()
		if s.readers == 0 && !s.writer {
			delete(m.locks, k)
		}
	}
}
