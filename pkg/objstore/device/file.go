package device

import (
	"fmt"
	"os"
	"sync"
)

// FileDevice is a Device over a regular file or a block device node.
type FileDevice struct {
	mtx sync.RWMutex

	f         *os.File
	size      uint64
	blockSize uint64
	closed    bool
}

// OpenFileDevice opens path as a device. The file's size must be a
// positive multiple of blockSize.
func OpenFileDevice(path string, blockSize uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open device file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not stat device file: %w", err)
	}
	size := uint64(fi.Size())
	if blockSize == 0 || size == 0 || size%blockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("device file size %d is not a positive multiple of block size %d", size, blockSize)
	}

	return &FileDevice{f: f, size: size, blockSize: blockSize}, nil
}

// CreateFileDevice creates (or truncates) path at the given size and opens
// it as a device.
func CreateFileDevice(path string, size, blockSize uint64) (*FileDevice, error) {
	if blockSize == 0 || size == 0 || size%blockSize != 0 {
		return nil, fmt.Errorf("device size %d is not a positive multiple of block size %d", size, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("could not create device file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not size device file: %w", err)
	}

	return &FileDevice{f: f, size: size, blockSize: blockSize}, nil
}

// Size implements Device.
func (d *FileDevice) Size() uint64 {
	return d.size
}

// BlockSize implements Device.
func (d *FileDevice) BlockSize() uint64 {
	return d.blockSize
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(p []byte, off uint64) error {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if off+uint64(len(p)) > d.size {
		return ErrOutOfRange
	}

	_, err := d.f.ReadAt(p, int64(off))
	return err
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(p []byte, off uint64) error {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if off+uint64(len(p)) > d.size {
		return ErrOutOfRange
	}

	_, err := d.f.WriteAt(p, int64(off))
	return err
}

// Flush implements Device.
func (d *FileDevice) Flush() error {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return d.f.Sync()
}

// Close implements Device.
func (d *FileDevice) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.closed = true

	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
