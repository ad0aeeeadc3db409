package device

import (
	"sync"
)

// MemoryDevice is an in-memory Device implementation used in tests and
// benchmarks. Contents survive Close, so a new engine instance can be
// pointed at the same MemoryDevice to model a remount.
type MemoryDevice struct {
	mtx sync.RWMutex

	blockSize uint64
	data      []byte
	flushes   uint64
	closed    bool
}

// NewMemoryDevice returns an in-memory device of the given size. Size must
// be a multiple of blockSize.
func NewMemoryDevice(size, blockSize uint64) *MemoryDevice {
	if blockSize == 0 || size%blockSize != 0 {
		panic("device: size is not a multiple of block size")
	}

	return &MemoryDevice{
		blockSize: blockSize,
		data:      make([]byte, size),
	}
}

// Size implements Device.
func (d *MemoryDevice) Size() uint64 {
	return uint64(len(d.data))
}

// BlockSize implements Device.
func (d *MemoryDevice) BlockSize() uint64 {
	return d.blockSize
}

// ReadAt implements Device.
func (d *MemoryDevice) ReadAt(p []byte, off uint64) error {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if off+uint64(len(p)) > uint64(len(d.data)) {
		return ErrOutOfRange
	}

	copy(p, d.data[off:])

	return nil
}

// WriteAt implements Device.
func (d *MemoryDevice) WriteAt(p []byte, off uint64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.closed {
		return ErrClosed
	}
	if off+uint64(len(p)) > uint64(len(d.data)) {
		return ErrOutOfRange
	}

	copy(d.data[off:], p)

	return nil
}

// Flush implements Device.
func (d *MemoryDevice) Flush() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.flushes++

	return nil
}

// Flushes returns the number of completed Flush calls.
func (d *MemoryDevice) Flushes() uint64 {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return d.flushes
}

// Close implements Device.
func (d *MemoryDevice) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.closed = true

	return nil
}

// Reopen makes a closed device usable again. Contents are preserved; it
// models remounting the same storage after the previous engine instance
// went away.
func (d *MemoryDevice) Reopen() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.closed = false
}
