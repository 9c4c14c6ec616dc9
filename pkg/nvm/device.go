package nvm

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Device is the raw byte-addressable non-volatile medium.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// Resetter is implemented by devices supporting a full device reset.
type Resetter interface {
	Reset() error
}

// MemDevice keeps the store in RAM. Blank content reads as zeros.
type MemDevice struct {
	lock sync.RWMutex
	data []byte
}

// NewMemDevice creates a blank MemDevice.
func NewMemDevice(size int) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// Size implements Device.
func (d *MemDevice) Size() int64 {
	return int64(len(d.data))
}

// ReadAt implements io.ReaderAt.
func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, d.data[off:]), nil
}

// WriteAt implements io.WriterAt.
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(d.data[off:], p), nil
}

// Bytes returns a snapshot of the whole store.
func (d *MemDevice) Bytes() []byte {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]byte(nil), d.data...)
}

// FileDevice maps the store to a file, like nvm.bin on a Linux host.
type FileDevice struct {
	*os.File
	size int64
	sync bool
}

// OpenFile opens or creates the image file and extends it to size.
// When sync is set, every write is followed by fsync.
func OpenFile(fn string, size int64, sync bool) (*FileDevice, error) {
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend %s to %d bytes: %w", fn, size, err)
		}
	}
	return &FileDevice{File: f, size: size, sync: sync}, nil
}

// Size implements Device.
func (d *FileDevice) Size() int64 {
	return d.size
}

// WriteAt implements io.WriterAt.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.File.WriteAt(p, off)
	if err == nil && d.sync {
		err = d.File.Sync()
	}
	return n, err
}
