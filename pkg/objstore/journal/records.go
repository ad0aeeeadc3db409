package journal

import (
	"github.com/vmihailenco/msgpack"
)

type recordType uint8

const (
	// recordMutation carries one encoded mutation addressed to an object.
	recordMutation recordType = iota + 1
	// recordCommit ends a transaction batch. A batch is applied during
	// replay only once its commit record has been read from a block with a
	// valid checksum.
	recordCommit
	// recordEndBlock marks the rest of the block as padding.
	recordEndBlock
)

type record struct {
	Type     recordType
	ObjectID uint64
	Mutation []byte
}

// endBlockLen is the encoded size of an end-of-block record. Every block
// keeps at least this much payload free so it can always be sealed.
var endBlockLen = func() int {
	b, err := msgpack.Marshal(record{Type: recordEndBlock})
	if err != nil {
		panic(err)
	}
	return len(b)
}()
