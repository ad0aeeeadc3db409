// Package txn holds the transaction machinery shared by the object store,
// the allocator and the journal: journaled mutations, transaction state and
// the lock manager.
package txn

import (
	"context"

	"github.com/quillfs/quillfs/pkg/objstore/reservation"
)

// Handler commits and drops transactions. The journal implements it.
type Handler interface {
	// Commit serializes the transaction's mutations into the log and
	// applies them to their targets. It returns the log offset the
	// transaction committed at. callback, if non-nil, runs under the
	// commit lock right after the mutations are applied and receives the
	// commit's checkpoint.
	Commit(ctx context.Context, t *Transaction, callback func(cp Checkpoint)) (uint64, error)

	// DropTransaction undoes the side effects of an uncommitted
	// transaction's mutations.
	DropTransaction(t *Transaction)
}

// Options configures a new transaction.
type Options struct {
	// Reservation supplies the space allocations in this transaction draw
	// from instead of the free pool.
	Reservation *reservation.Reservation

	// BorrowMetadataSpace lets the transaction's metadata cost exceed the
	// metadata reservation temporarily. Used on the paths that free space,
	// which must not fail for lack of it.
	BorrowMetadataSpace bool

	// SkipSpaceChecks disables free-space checking entirely. Only the
	// format path uses it.
	SkipSpaceChecks bool
}

// TxnMutation is one mutation staged in a transaction, addressed to the
// object that applies it.
type TxnMutation struct {
	ObjectID uint64
	Mutation Mutation
	Assoc    AssociatedObject
}

// Transaction accumulates mutations and commits them atomically through its
// handler. An unused transaction must be dropped with Drop so that targets
// can undo any in-memory effects mutations had when they were staged.
type Transaction struct {
	handler Handler
	locks   *LockManager

	mutations []TxnMutation
	lockKeys  []LockKey

	Options Options

	committed bool
	dropped   bool
}

// NewTransaction builds a transaction holding exclusive locks on the given
// keys.
func NewTransaction(ctx context.Context, h Handler, locks *LockManager, keys []LockKey, opts Options) (*Transaction, error) {
	if err := locks.Lock(ctx, keys); err != nil {
		return nil, err
	}

	return &Transaction{
		handler:  h,
		locks:    locks,
		lockKeys: keys,
		Options:  opts,
	}, nil
}

// Add stages a mutation addressed to objectID.
func (t *Transaction) Add(objectID uint64, m Mutation) {
	t.AddWithObject(objectID, m, nil)
}

// AddWithObject stages a mutation with an associated object to be notified
// at commit. A mutation equal to one already staged for the same object
// replaces it.
func (t *Transaction) AddWithObject(objectID uint64, m Mutation, assoc AssociatedObject) {
	for i := range t.mutations {
		if t.mutations[i].ObjectID == objectID && t.mutations[i].Mutation == m {
			t.mutations[i].Assoc = assoc
			return
		}
	}
	t.mutations = append(t.mutations, TxnMutation{ObjectID: objectID, Mutation: m, Assoc: assoc})
}

// Mutations returns the staged mutations in the order they were added.
func (t *Transaction) Mutations() []TxnMutation {
	return t.mutations
}

// IsEmpty reports whether no mutations are staged.
func (t *Transaction) IsEmpty() bool {
	return len(t.mutations) == 0
}

// FindMutation returns the first staged mutation for objectID matching the
// predicate, or nil.
func (t *Transaction) FindMutation(objectID uint64, match func(Mutation) bool) Mutation {
	for i := range t.mutations {
		if t.mutations[i].ObjectID == objectID && match(t.mutations[i].Mutation) {
			return t.mutations[i].Mutation
		}
	}
	return nil
}

// Commit writes the transaction to the log and applies it.
func (t *Transaction) Commit(ctx context.Context) (uint64, error) {
	return t.CommitWithCallback(ctx, nil)
}

// CommitWithCallback commits and runs callback under the commit lock, after
// the mutations have been applied but before any later transaction can
// commit. Flush uses this to swap tree layers at the exact commit point.
// A failed commit drops the transaction, undoing the staged mutations'
// in-memory side effects.
func (t *Transaction) CommitWithCallback(ctx context.Context, callback func(cp Checkpoint)) (uint64, error) {
	offset, err := t.handler.Commit(ctx, t, callback)
	if err != nil {
		t.Drop()
		return 0, err
	}
	t.committed = true
	t.close()

	return offset, nil
}

// Drop abandons the transaction, undoing side effects its staged mutations
// had on their targets.
func (t *Transaction) Drop() {
	if t.committed || t.dropped {
		return
	}
	t.dropped = true

	t.handler.DropTransaction(t)
	t.releaseLocks()
}

func (t *Transaction) close() {
	if !t.dropped {
		t.releaseLocks()
	}
}

func (t *Transaction) releaseLocks() {
	if t.locks != nil && len(t.lockKeys) > 0 {
		t.locks.Unlock(t.lockKeys)
		t.lockKeys = nil
	}
}
