package device

import (
	"errors"
)

// Common device errors.
var (
	// ErrOutOfRange is returned on reads or writes beyond the device end.
	ErrOutOfRange = errors.New("device: offset out of range")

	// ErrClosed is returned on access to a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is byte-addressable block storage. Reads and writes are buffered:
// data handed to WriteAt is not guaranteed durable until Flush returns.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Size returns the device size in bytes.
	Size() uint64

	// BlockSize returns the device block size in bytes. Size is always a
	// multiple of BlockSize.
	BlockSize() uint64

	// ReadAt fills p with data starting at byte offset off.
	ReadAt(p []byte, off uint64) error

	// WriteAt writes p at byte offset off.
	WriteAt(p []byte, off uint64) error

	// Flush makes all previously buffered writes durable.
	Flush() error

	// Close flushes and releases the device.
	Close() error
}
