// Package reservation tracks space promised out of an allocator's free pool
// before any on-device record exists for it. Transactions that must not fail
// mid-way for lack of space (journal compaction, flushes) take a reservation
// up front and draw allocations out of it.
package reservation

import (
	"fmt"
	"sync"
)

// Owner is the pool a reservation was taken from. Released bytes go back to
// the owner's free accounting.
type Owner interface {
	ReleaseReservation(owner *uint64, amount uint64)
}

// Reservation holds an amount of bytes taken out of an Owner. A reservation
// must be explicitly released with Release once it is no longer needed;
// releasing returns amount-reserved bytes to the owner.
//
// Two counters are kept: amount is what the reservation holds in total, and
// reserved is the part currently sub-reserved by Hold values. The invariant
// reserved <= amount always holds.
type Reservation struct {
	mtx sync.Mutex

	owner      Owner
	ownerStore *uint64

	amount   uint64
	reserved uint64

	released bool
}

// New wraps amount bytes already deducted from owner's free pool. ownerStore
// optionally names the store the bytes are accounted to.
func New(owner Owner, ownerStore *uint64, amount uint64) *Reservation {
	return &Reservation{
		owner:      owner,
		ownerStore: ownerStore,
		amount:     amount,
	}
}

// Amount returns the total bytes held.
func (r *Reservation) Amount() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.amount
}

// Avail returns the bytes held and not currently sub-reserved.
func (r *Reservation) Avail() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.amount - r.reserved
}

// OwnerStore returns the store the reservation is accounted to, if any.
func (r *Reservation) OwnerStore() *uint64 {
	return r.ownerStore
}

// Reserve takes exactly amount bytes as a sub-reservation. Returns nil if
// fewer than amount bytes are available.
func (r *Reservation) Reserve(amount uint64) *Hold {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.amount-r.reserved < amount {
		return nil
	}
	r.reserved += amount

	return &Hold{parent: r, amount: amount}
}

// ReserveAtMost takes up to amount bytes, however many are available.
func (r *Reservation) ReserveAtMost(amount uint64) *Hold {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	avail := r.amount - r.reserved
	if amount > avail {
		amount = avail
	}
	r.reserved += amount

	return &Hold{parent: r, amount: amount}
}

// Add gives the reservation more bytes. The caller must have deducted them
// from the owner already (e.g. bytes recovered by a dropped mutation).
func (r *Reservation) Add(amount uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.amount += amount
}

// forget removes amount bytes from a sub-reservation without returning them
// anywhere. Used when the bytes were consumed by a committed allocation.
func (r *Reservation) forget(amount uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if amount > r.reserved || amount > r.amount {
		panic(fmt.Sprintf("reservation underflow: forget %d with amount %d reserved %d",
			amount, r.amount, r.reserved))
	}
	r.reserved -= amount
	r.amount -= amount
}

// giveBack returns amount bytes from a sub-reservation to the available
// part of this reservation.
func (r *Reservation) giveBack(amount uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if amount > r.reserved {
		panic(fmt.Sprintf("reservation underflow: give back %d with reserved %d",
			amount, r.reserved))
	}
	r.reserved -= amount
}

// Release returns all unreserved bytes to the owner and marks the
// reservation dead. Outstanding holds must be committed or released first.
func (r *Reservation) Release() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.released {
		return
	}
	if r.reserved != 0 {
		panic(fmt.Sprintf("reservation released with %d bytes still held", r.reserved))
	}

	r.released = true
	if r.amount > 0 && r.owner != nil {
		r.owner.ReleaseReservation(r.ownerStore, r.amount)
	}
	r.amount = 0
}

// Hold is a sub-reservation taken out of a Reservation. Bytes drawn for a
// successful allocation are removed with Forget/ForgetSome; whatever is left
// goes back to the parent on Release.
type Hold struct {
	mtx    sync.Mutex
	parent *Reservation
	amount uint64
}

// Amount returns the bytes currently held.
func (h *Hold) Amount() uint64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.amount
}

// Forget consumes the whole hold: the bytes belong to an allocation now and
// are no longer tracked by the reservation.
func (h *Hold) Forget() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.amount > 0 {
		h.parent.forget(h.amount)
		h.amount = 0
	}
}

// ForgetSome consumes amount bytes of the hold.
func (h *Hold) ForgetSome(amount uint64) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if amount > h.amount {
		panic(fmt.Sprintf("hold underflow: forget %d of %d", amount, h.amount))
	}
	h.parent.forget(amount)
	h.amount -= amount
}

// AddBack grows the hold by bytes returned from a dropped allocation. The
// parent reservation grows with it.
func (h *Hold) AddBack(amount uint64) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.parent.Add(amount)
	h.parent.mtx.Lock()
	h.parent.reserved += amount
	h.parent.mtx.Unlock()
	h.amount += amount
}

// Release returns any remaining bytes to the parent reservation.
func (h *Hold) Release() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.amount > 0 {
		h.parent.giveBack(h.amount)
		h.amount = 0
	}
}
