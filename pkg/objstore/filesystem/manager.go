package filesystem

import (
	"fmt"

	"github.com/quillfs/quillfs/pkg/objstore/store"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// target resolves the component a mutation is addressed to. During replay
// a mutation may arrive for a child store the volume has not opened yet;
// a shell is created for it and accumulates the replayed state until Open
// merges it with the persisted layers.
func (fs *Filesystem) target(objectID uint64, replaying bool) txn.Target {
	switch objectID {
	case RootParentStoreID:
		return fs.rootParent
	case RootStoreID:
		return fs.rootStore
	case AllocatorObjectID:
		return fs.alloc
	}

	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	s, ok := fs.stores[objectID]
	if !ok {
		if !replaying {
			return nil
		}
		s = store.New(fs, fs.rootStore, objectID, fs.log)
		fs.stores[objectID] = s
	}
	return s
}

// ApplyMutation implements journal.MutationRouter. Replayed root parent
// mutations older than the superblock's snapshot are already part of the
// restored state and are dropped here.
func (fs *Filesystem) ApplyMutation(objectID uint64, m txn.Mutation, assoc txn.AssociatedObject, mode txn.ApplyMode, cp txn.Checkpoint) error {
	if mode == txn.ApplyReplay && objectID == RootParentStoreID {
		fs.mtx.Lock()
		covered := cp.FileOffset < fs.rootParentSnapshotOffset
		fs.mtx.Unlock()
		if covered {
			return nil
		}
	}

	tgt := fs.target(objectID, mode == txn.ApplyReplay)
	if tgt == nil {
		return fmt.Errorf("mutation %T addressed to unknown target %d: %w", m, objectID, store.ErrInconsistent)
	}
	return tgt.ApplyMutation(m, assoc, mode, cp)
}

// DropMutation implements journal.MutationRouter.
func (fs *Filesystem) DropMutation(objectID uint64, m txn.Mutation, t *txn.Transaction) {
	if tgt := fs.target(objectID, false); tgt != nil {
		tgt.DropMutation(m, t)
	}
}
