package store

import (
	"context"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// SpaceManager is the allocator as stores see it: device space comes from
// and returns to it inside transactions.
type SpaceManager interface {
	// Allocate reserves device space for ownerStoreID and stages the
	// allocation in t. The returned range may be shorter than requested;
	// callers loop. The range becomes free again if t is dropped.
	Allocate(ctx context.Context, t *txn.Transaction, ownerStoreID, lenBytes uint64) (device.Range, error)

	// Deallocate frees a device range previously allocated to
	// ownerStoreID and returns the number of bytes actually freed.
	Deallocate(ctx context.Context, t *txn.Transaction, ownerStoreID uint64, r device.Range) (uint64, error)
}

// Filesystem is the surface stores need from the volume that owns them.
type Filesystem interface {
	Device() device.Device
	BlockSize() uint64
	Allocator() SpaceManager

	// NewTransaction builds a transaction holding the given locks.
	NewTransaction(ctx context.Context, keys []txn.LockKey, opts txn.Options) (*txn.Transaction, error)

	// Locks exposes the volume's lock manager for long-held locks that
	// outlive a single transaction, such as the flush lock.
	Locks() *txn.LockManager
}
