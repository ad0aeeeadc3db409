package lsmtree

import (
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack"
)

// layerFormatVersion tags the persisted layer encoding.
const layerFormatVersion = 1

var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

type layerBlob[K Key[K], V any] struct {
	Version uint32       `msgpack:"version"`
	Items   []Item[K, V] `msgpack:"items"`
}

// WriteLayer drains iter and encodes the items as a persisted layer blob
// (msgpack, zstd-compressed). The result is what flush writes into a layer
// file object.
func WriteLayer[K Key[K], V any](iter Iterator[K, V]) ([]byte, error) {
	blob := layerBlob[K, V]{Version: layerFormatVersion}

	for it := iter.Get(); it != nil; it = iter.Get() {
		blob.Items = append(blob.Items, *it)

		if err := iter.Advance(); err != nil {
			return nil, fmt.Errorf("drain compaction iterator: %w", err)
		}
	}

	raw, err := msgpack.Marshal(&blob)
	if err != nil {
		return nil, fmt.Errorf("encode layer: %w", err)
	}

	return zstdEnc.EncodeAll(raw, nil), nil
}

// OpenLayer decodes a persisted layer blob into an immutable layer.
func OpenLayer[K Key[K], V any](data []byte) (Layer[K, V], error) {
	raw, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress layer: %w", err)
	}

	var blob layerBlob[K, V]
	if err := msgpack.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decode layer: %w", err)
	}
	if blob.Version != layerFormatVersion {
		return nil, fmt.Errorf("unsupported layer version %d", blob.Version)
	}

	return &persistentLayer[K, V]{items: blob.Items}, nil
}

// persistentLayer is a decoded layer file: a sorted, immutable item slice.
type persistentLayer[K Key[K], V any] struct {
	items []Item[K, V]
}

// Seek implements Layer using binary search over the upper-bound order.
func (p *persistentLayer[K, V]) Seek(bound *K) (Iterator[K, V], error) {
	pos := 0
	if bound != nil {
		pos = sort.Search(len(p.items), func(i int) bool {
			return p.items[i].Key.CmpUpperBound(*bound) >= 0
		})
	}

	return &sliceIterator[K, V]{items: p.items, pos: pos}, nil
}
