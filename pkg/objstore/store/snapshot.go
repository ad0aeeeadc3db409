package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/quillfs/quillfs/pkg/objstore/lsmtree"
)

// The root parent store is never flushed to layer files; instead its whole
// live state rides along in the superblock. A snapshot is the merged view
// of both trees with tombstones dropped, plus the StoreInfo. Item
// sequences are preserved so that journal replay can tell which mutations
// the snapshot already covers.
type storeSnapshot struct {
	Info    StoreInfo
	Objects []objectItem
	Extents []extentItem
}

// Snapshot serializes the store's complete live state.
func (s *ObjectStore) Snapshot() ([]byte, error) {
	objects, err := collectLive(s.objectTree.LayerSet(),
		func(it *objectItem) bool { return it.Value.Kind != ValueNone })
	if err != nil {
		return nil, fmt.Errorf("could not snapshot object tree: %w", err)
	}
	extents, err := collectLive(s.extentTree.LayerSet(),
		func(it *extentItem) bool { return !it.Value.Deleted })
	if err != nil {
		return nil, fmt.Errorf("could not snapshot extent tree: %w", err)
	}

	s.mtx.Lock()
	info := s.info
	s.mtx.Unlock()

	return msgpack.Marshal(storeSnapshot{Info: info, Objects: objects, Extents: extents})
}

// RestoreSnapshot loads a snapshot into a fresh store shell. Mutations
// replayed afterwards layer on top of the restored state.
func (s *ObjectStore) RestoreSnapshot(data []byte) error {
	var snap storeSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("could not decode store snapshot: %w", err)
	}

	for i := range snap.Objects {
		s.objectTree.ReplaceOrInsert(snap.Objects[i])
	}
	for i := range snap.Extents {
		s.extentTree.ReplaceOrInsert(snap.Extents[i])
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.info = snap.Info
	s.opened = true

	return nil
}

func collectLive[K lsmtree.Key[K], V any](
	ls lsmtree.LayerSet[K, V], keep func(*lsmtree.Item[K, V]) bool,
) ([]lsmtree.Item[K, V], error) {
	iter, err := ls.Merger().Seek(nil)
	if err != nil {
		return nil, err
	}

	var items []lsmtree.Item[K, V]
	for {
		it := iter.Get()
		if it == nil {
			return items, nil
		}
		if keep(it) {
			items = append(items, *it)
		}
		if err := iter.Advance(); err != nil {
			return nil, err
		}
	}
}
