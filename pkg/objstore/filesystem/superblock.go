package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/journal"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
)

// The superblock occupies a fixed region at the start of the device. It is
// rewritten in place at every volume flush; the journal checkpoint it
// carries is the only thing replay trusts, so a torn superblock write is
// caught by the trailing checksum and fails the mount.
const (
	superblockMagic   uint64 = 0x314c4f5651554c51 // "QLUQVOL1"
	superblockVersion uint32 = 1

	// SuperblockRegionSize is reserved at device offset zero; the journal
	// region follows it.
	SuperblockRegionSize uint64 = 64 * 1024
)

const superblockHeaderLen = 12 // magic + payload length

// ErrNotFormatted is returned when the device carries no valid superblock.
var ErrNotFormatted = errors.New("device is not a formatted volume")

// Superblock is the volume's root record.
type Superblock struct {
	Version uint32

	// GUID identifies the volume instance; it also seeds the journal
	// checksum chain so blocks of an earlier volume never replay.
	GUID string

	BlockSize uint64

	JournalStart uint64
	JournalSize  uint64

	// Checkpoint is where journal replay starts: the earliest point any
	// component still needs.
	Checkpoint txn.Checkpoint

	// RootParentSnapshot is the root parent store's full state as of
	// RootParentSnapshotOffset. Replayed root parent mutations before that
	// offset are already inside it and are skipped.
	RootParentSnapshotOffset uint64
	RootParentSnapshot       []byte
}

func encodeSuperblock(sb Superblock, blockSize uint64) ([]byte, error) {
	payload, err := msgpack.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("could not encode superblock: %w", err)
	}
	total := uint64(superblockHeaderLen + len(payload) + 8)
	if total > SuperblockRegionSize {
		return nil, fmt.Errorf("superblock of %d bytes exceeds its region", total)
	}

	padded := (total + blockSize - 1) / blockSize * blockSize
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint64(buf, superblockMagic)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(payload)))
	copy(buf[superblockHeaderLen:], payload)

	sum := journal.Fletcher64(buf[:superblockHeaderLen+len(payload)], 0)
	binary.LittleEndian.PutUint64(buf[superblockHeaderLen+len(payload):], sum)

	return buf, nil
}

func readSuperblock(dev device.Device) (Superblock, error) {
	region := SuperblockRegionSize
	if ds := dev.Size(); ds < region {
		region = ds
	}
	buf := make([]byte, region)
	if err := dev.ReadAt(buf, 0); err != nil {
		return Superblock{}, fmt.Errorf("could not read superblock: %w", err)
	}

	if binary.LittleEndian.Uint64(buf) != superblockMagic {
		return Superblock{}, ErrNotFormatted
	}
	payloadLen := uint64(binary.LittleEndian.Uint32(buf[8:]))
	if superblockHeaderLen+payloadLen+8 > region {
		return Superblock{}, fmt.Errorf("superblock payload length %d: %w", payloadLen, ErrNotFormatted)
	}

	want := binary.LittleEndian.Uint64(buf[superblockHeaderLen+payloadLen:])
	if got := journal.Fletcher64(buf[:superblockHeaderLen+payloadLen], 0); got != want {
		return Superblock{}, fmt.Errorf("superblock checksum mismatch: %w", ErrNotFormatted)
	}

	var sb Superblock
	if err := msgpack.Unmarshal(buf[superblockHeaderLen:superblockHeaderLen+payloadLen], &sb); err != nil {
		return Superblock{}, fmt.Errorf("could not decode superblock: %w", err)
	}
	if sb.Version != superblockVersion {
		return Superblock{}, fmt.Errorf("unsupported superblock version %d", sb.Version)
	}

	return sb, nil
}
