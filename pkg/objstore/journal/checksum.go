package journal

import "encoding/binary"

// Fletcher64 computes the running fletcher-64 checksum of data, continuing
// from seed. Data length must be a multiple of 4.
func Fletcher64(data []byte, seed uint64) uint64 {
	lo := uint32(seed)
	hi := uint32(seed >> 32)

	for i := 0; i+4 <= len(data); i += 4 {
		lo += binary.LittleEndian.Uint32(data[i:])
		hi += lo
	}

	return uint64(hi)<<32 | uint64(lo)
}
