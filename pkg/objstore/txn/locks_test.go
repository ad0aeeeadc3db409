package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockCancelledWhileBlocked(t *testing.T) {
	m := NewLockManager()
	keys := []LockKey{ObjectLock(1, 7)}
	require.NoError(t, m.Lock(context.Background(), keys))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Lock(ctx, keys) }()

	// Nothing unlocks during this test: the blocked locker must be woken
	// by the cancellation itself.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked lock did not observe cancellation")
	}

	// The original hold is untouched and releases cleanly.
	m.Unlock(keys)
	require.NoError(t, m.Lock(context.Background(), keys))
	m.Unlock(keys)
}

func TestReadLockCancelledWhileBlocked(t *testing.T) {
	m := NewLockManager()
	keys := []LockKey{ObjectLock(2, 3)}
	require.NoError(t, m.Lock(context.Background(), keys))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.ReadLock(ctx, keys) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked read lock did not observe cancellation")
	}

	m.Unlock(keys)
	require.NoError(t, m.ReadLock(context.Background(), keys))
	m.ReadUnlock(keys)
}

func TestLockPartialAcquisitionReleasedOnCancel(t *testing.T) {
	m := NewLockManager()
	held := []LockKey{ObjectLock(1, 9)}
	require.NoError(t, m.Lock(context.Background(), held))

	// Two keys sort before and at the held one; the first is taken, the
	// second blocks, and cancellation must give the first back.
	ctx, cancel := context.WithCancel(context.Background())
	pair := []LockKey{ObjectLock(1, 5), ObjectLock(1, 9)}
	errCh := make(chan error, 1)
	go func() { errCh <- m.Lock(ctx, pair) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	require.NoError(t, m.Lock(context.Background(), []LockKey{ObjectLock(1, 5)}))
	m.Unlock([]LockKey{ObjectLock(1, 5)})
	m.Unlock(held)
}
