package store

import (
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// Mutation wire tags. Allocator mutations have their own tags in the
// allocator package.
const (
	mutationKindObject uint8 = iota + 1
	mutationKindExtent
	mutationKindBeginFlush
	mutationKindEndFlush
	mutationKindRootDirectory
)

// ObjectOp selects how an object tree item lands in the tree.
type ObjectOp uint8

const (
	// OpInsert requires the key to be absent.
	OpInsert ObjectOp = iota
	// OpReplaceOrInsert overwrites any existing item with the same key.
	OpReplaceOrInsert
	// OpMerge runs the item through the tree's merge function; tombstones
	// must use it so they cancel records already in the mutable layer.
	OpMerge
)

// ObjectMutation journals one object tree item.
type ObjectMutation struct {
	Op    ObjectOp
	Key   ObjectKey
	Value ObjectValue
}

func (*ObjectMutation) MutationKind() uint8 { return mutationKindObject }

// ExtentMutation journals one extent tree item. Extent items always merge.
type ExtentMutation struct {
	Key   ExtentKey
	Value ExtentValue
}

func (*ExtentMutation) MutationKind() uint8 { return mutationKindExtent }

// BeginFlushMutation seals the target's in-memory trees. It commits alone,
// with the target as associated object so it can snapshot its persistent
// info at the exact commit point.
type BeginFlushMutation struct{}

func (*BeginFlushMutation) MutationKind() uint8 { return mutationKindBeginFlush }

// EndFlushMutation marks the sealed trees as persisted to layer files. In
// the same transaction the target's info record is rewritten to point at
// the new layers. On replay it drops replayed state the new layers cover.
type EndFlushMutation struct{}

func (*EndFlushMutation) MutationKind() uint8 { return mutationKindEndFlush }

// RootDirectoryMutation records which object is the store's root directory.
// It commits together with the directory object's own records, so replay of
// either restores both.
type RootDirectoryMutation struct {
	ObjectID uint64
}

func (*RootDirectoryMutation) MutationKind() uint8 { return mutationKindRootDirectory }

func init() {
	txn.RegisterMutation(mutationKindObject, func() txn.Mutation { return new(ObjectMutation) })
	txn.RegisterMutation(mutationKindExtent, func() txn.Mutation { return new(ExtentMutation) })
	txn.RegisterMutation(mutationKindBeginFlush, func() txn.Mutation { return new(BeginFlushMutation) })
	txn.RegisterMutation(mutationKindEndFlush, func() txn.Mutation { return new(EndFlushMutation) })
	txn.RegisterMutation(mutationKindRootDirectory, func() txn.Mutation { return new(RootDirectoryMutation) })
}
