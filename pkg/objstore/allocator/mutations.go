package allocator

import (
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

const (
	mutationKindAllocate uint8 = iota + 16
	mutationKindDeallocate
)

// AllocateMutation journals one allocated device range. Between staging and
// commit the range is held in the reserved overlay so no concurrent
// allocation can hand it out again.
type AllocateMutation struct {
	Range        device.Range
	OwnerStoreID uint64
}

func (*AllocateMutation) MutationKind() uint8 { return mutationKindAllocate }

// DeallocateMutation journals the release of a device range. The range
// stays unavailable until the device has been flushed past the commit, so
// no new data can land on blocks old records may still reference.
type DeallocateMutation struct {
	Range        device.Range
	OwnerStoreID uint64
}

func (*DeallocateMutation) MutationKind() uint8 { return mutationKindDeallocate }

func init() {
	txn.RegisterMutation(mutationKindAllocate, func() txn.Mutation { return new(AllocateMutation) })
	txn.RegisterMutation(mutationKindDeallocate, func() txn.Mutation { return new(DeallocateMutation) })
}
