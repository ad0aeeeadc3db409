package reservation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingOwner struct {
	released uint64
	store    *uint64
}

func (o *recordingOwner) ReleaseReservation(store *uint64, amount uint64) {
	o.released += amount
	o.store = store
}

func TestReservationAccounting(t *testing.T) {
	owner := &recordingOwner{}
	storeID := uint64(42)

	r := New(owner, &storeID, 100)
	require.EqualValues(t, 100, r.Amount())
	require.EqualValues(t, 100, r.Avail())
	require.Equal(t, &storeID, r.OwnerStore())

	h := r.Reserve(60)
	require.NotNil(t, h)
	require.EqualValues(t, 60, h.Amount())
	require.EqualValues(t, 40, r.Avail())
	require.EqualValues(t, 100, r.Amount())

	require.Nil(t, r.Reserve(41))

	h2 := r.ReserveAtMost(1000)
	require.EqualValues(t, 40, h2.Amount())
	require.EqualValues(t, 0, r.Avail())

	h2.Release()
	require.EqualValues(t, 40, r.Avail())

	h.ForgetSome(10)
	require.EqualValues(t, 50, h.Amount())
	require.EqualValues(t, 90, r.Amount())

	h.Forget()
	require.EqualValues(t, 0, h.Amount())
	require.EqualValues(t, 40, r.Amount())
	require.EqualValues(t, 40, r.Avail())

	r.Release()
	require.EqualValues(t, 40, owner.released)
	require.Equal(t, &storeID, owner.store)

	// A second release is a no-op.
	r.Release()
	require.EqualValues(t, 40, owner.released)
}

func TestReservationAddBack(t *testing.T) {
	owner := &recordingOwner{}
	r := New(owner, nil, 10)

	h := r.Reserve(10)
	require.NotNil(t, h)
	h.Forget()
	require.EqualValues(t, 0, r.Amount())

	// A dropped allocation returns its bytes through the hold.
	h.AddBack(10)
	require.EqualValues(t, 10, h.Amount())
	require.EqualValues(t, 10, r.Amount())
	require.EqualValues(t, 0, r.Avail())

	h.Release()
	r.Release()
	require.EqualValues(t, 10, owner.released)
}

func TestReservationUnderflowPanics(t *testing.T) {
	r := New(nil, nil, 10)
	h := r.Reserve(5)
	require.NotNil(t, h)

	require.Panics(t, func() { h.ForgetSome(6) })
	require.Panics(t, func() { r.Release() })

	h.Release()
	r.Release()
}
