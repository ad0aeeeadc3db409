package journal

import "encoding/binary"

func binaryChecksum(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[payloadLen:])
}

func putBinaryChecksum(block []byte, sum uint64) {
	binary.LittleEndian.PutUint64(block[payloadLen:], sum)
}
