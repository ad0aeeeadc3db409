package store

import (
	"errors"
	"fmt"

	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// RootDirectoryObjectID returns the store's root directory object, zero if
// none has been created.
func (s *ObjectStore) RootDirectoryObjectID() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info.RootDirectoryID
}

// CreateRootDirectory creates the store's root directory object and stages
// the mutation recording it in the StoreInfo. A store has at most one root
// directory.
func (s *ObjectStore) CreateRootDirectory(t *txn.Transaction) (uint64, error) {
	if s.RootDirectoryObjectID() != 0 {
		return 0, fmt.Errorf("store %d already has a root directory: %w", s.storeID, ErrExists)
	}
	h, err := s.CreateObject(t)
	if err != nil {
		return 0, err
	}
	t.Add(s.storeID, &RootDirectoryMutation{ObjectID: h.ObjectID()})
	return h.ObjectID(), nil
}

// AddChild stages a directory entry binding name to childID. The entry does
// not hold a reference of its own; callers pair it with AdjustRefs when the
// child's lifetime should follow the entry.
func (s *ObjectStore) AddChild(t *txn.Transaction, directoryID uint64, name string, childID uint64) error {
	if _, err := s.LookupChild(directoryID, name); err == nil {
		return fmt.Errorf("directory %d entry %q: %w", directoryID, name, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	t.Add(s.storeID, &ObjectMutation{
		Op:    OpReplaceOrInsert,
		Key:   ObjectKeyChild(directoryID, name),
		Value: ObjectValueChild(childID),
	})
	return nil
}

// LookupChild resolves name in the directory's committed view.
func (s *ObjectStore) LookupChild(directoryID uint64, name string) (uint64, error) {
	it, err := s.findObjectItem(ObjectKeyChild(directoryID, name))
	if err != nil {
		return 0, err
	}
	if it == nil {
		return 0, fmt.Errorf("directory %d entry %q: %w", directoryID, name, ErrNotFound)
	}
	if it.Value.Kind != ValueChild {
		return 0, fmt.Errorf("directory %d entry %q has kind %d: %w", directoryID, name, it.Value.Kind, ErrInconsistent)
	}
	return it.Value.ChildID, nil
}

// RemoveChild stages the deletion of a directory entry.
func (s *ObjectStore) RemoveChild(t *txn.Transaction, directoryID uint64, name string) error {
	if _, err := s.LookupChild(directoryID, name); err != nil {
		return err
	}
	t.Add(s.storeID, &ObjectMutation{
		Op:    OpMerge,
		Key:   ObjectKeyChild(directoryID, name),
		Value: ObjectValueTombstone(),
	})
	return nil
}

// ForEachChild calls fn for every entry of the directory, in name order.
func (s *ObjectStore) ForEachChild(directoryID uint64, fn func(name string, childID uint64) error) error {
	bound := ObjectKey{ObjectID: directoryID, Kind: KindChild}

	ls := s.objectTree.LayerSet()
	iter, err := ls.Merger().Seek(&bound)
	if err != nil {
		return err
	}

	for {
		it := iter.Get()
		if it == nil || it.Key.ObjectID != directoryID || it.Key.Kind != KindChild {
			return nil
		}
		if it.Value.Kind != ValueNone {
			if err := fn(it.Key.Name, it.Value.ChildID); err != nil {
				return err
			}
		}
		if err := iter.Advance(); err != nil {
			return err
		}
	}
}
