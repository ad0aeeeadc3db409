package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubMutation struct{ tag int }

func (*stubMutation) MutationKind() uint8 { return 0xff }

type stubHandler struct {
	commitErr error
	committed int
	dropped   []Mutation
}

func (h *stubHandler) Commit(_ context.Context, t *Transaction, callback func(Checkpoint)) (uint64, error) {
	if h.commitErr != nil {
		return 0, h.commitErr
	}
	h.committed++
	if callback != nil {
		callback(Checkpoint{})
	}
	return 1, nil
}

func (h *stubHandler) DropTransaction(t *Transaction) {
	for _, tm := range t.Mutations() {
		h.dropped = append(h.dropped, tm.Mutation)
	}
}

func TestFailedCommitUnwindsStagedMutations(t *testing.T) {
	locks := NewLockManager()
	h := &stubHandler{commitErr: errors.New("journal region full")}
	keys := []LockKey{ObjectLock(1, 2)}

	tr, err := NewTransaction(context.Background(), h, locks, keys, Options{})
	require.NoError(t, err)
	m1 := &stubMutation{tag: 1}
	m2 := &stubMutation{tag: 2}
	tr.Add(7, m1)
	tr.Add(8, m2)

	_, err = tr.Commit(context.Background())
	require.Error(t, err)

	// The handler's drop path ran for every staged mutation.
	require.Equal(t, []Mutation{m1, m2}, h.dropped)

	// The locks are free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, locks.Lock(ctx, keys))
	locks.Unlock(keys)

	// A later Drop is a no-op; nothing unwinds twice.
	tr.Drop()
	require.Len(t, h.dropped, 2)
}

func TestCommittedTransactionIsNotDropped(t *testing.T) {
	locks := NewLockManager()
	h := &stubHandler{}
	keys := []LockKey{ObjectLock(3, 4)}

	tr, err := NewTransaction(context.Background(), h, locks, keys, Options{})
	require.NoError(t, err)
	tr.Add(7, &stubMutation{})

	_, err = tr.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.committed)

	tr.Drop()
	require.Empty(t, h.dropped)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, locks.Lock(ctx, keys))
	locks.Unlock(keys)
}
