package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

const storeInfoVersion = 1

// StoreInfo is a store's persistent root record. It is rewritten atomically
// with the EndFlushMutation of every flush; between flushes the journal
// carries everything it does not cover.
type StoreInfo struct {
	Version uint32

	// LastObjectID is the highest object ID handed out.
	LastObjectID uint64

	// ObjectTreeLayers and ExtentTreeLayers name the layer file objects in
	// the parent store, newest first.
	ObjectTreeLayers []uint64
	ExtentTreeLayers []uint64

	// GraveyardDirectoryObjectID anchors the keys of graveyard entries.
	GraveyardDirectoryObjectID uint64

	// RootDirectoryID is the store's root directory object, zero until
	// one is created.
	RootDirectoryID uint64

	// ObjectCount is the number of live objects in the store.
	ObjectCount uint64
}

// EncodeInitialInfo serializes the StoreInfo of a freshly created store, as
// InitEmpty leaves it, so the info object can be read back before the first
// flush rewrites it.
func EncodeInitialInfo() ([]byte, error) {
	return encodeStoreInfo(StoreInfo{
		LastObjectID:               FirstFreeObjectID - 1,
		GraveyardDirectoryObjectID: GraveyardObjectID,
		ObjectCount:                1,
	})
}

func encodeStoreInfo(info StoreInfo) ([]byte, error) {
	info.Version = storeInfoVersion
	return msgpack.Marshal(info)
}

func decodeStoreInfo(data []byte) (StoreInfo, error) {
	var info StoreInfo
	if err := msgpack.Unmarshal(data, &info); err != nil {
		return StoreInfo{}, fmt.Errorf("could not decode store info: %w", err)
	}
	if info.Version != storeInfoVersion {
		return StoreInfo{}, fmt.Errorf("unsupported store info version %d", info.Version)
	}
	return info, nil
}
