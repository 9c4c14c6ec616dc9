// Package nvm provides bounded, region-checked transfers to the
// non-volatile store.
package nvm

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/layout"
)

// MaxTransfer is the largest number of bytes moved by one transfer.
const MaxTransfer = 1024

var (
	// ErrTransferTooLarge is returned when a transfer exceeds MaxTransfer.
	ErrTransferTooLarge = errors.New("transfer exceeds cap")
	// ErrSelfTest indicates the self-test bytes didn't read back.
	ErrSelfTest = errors.New("self-test mismatch")
	// ErrDeviceTooSmall indicates the device can't hold the layout.
	ErrDeviceTooSmall = errors.New("device smaller than layout")
)

var selfTestPattern = []byte{
	0x55, 0xaa, 0x0f, 0xf0, 0x01, 0x02, 0x04, 0x08,
	0x10, 0x20, 0x40, 0x80, 0x3c, 0xc3, 0x5a, 0xa5,
}

// Options tunes a Store.
type Options struct {
	// Retries is the number of extra attempts for transient errors.
	Retries int
	// RetryDelay is the busy-wait between attempts.
	RetryDelay time.Duration
}

// DefaultOptions are used by NewStore when nil is given.
var DefaultOptions = Options{Retries: 3, RetryDelay: time.Millisecond}

// Stats counts transferred bytes.
type Stats struct {
	Reads        int64
	Writes       int64
	BytesRead    int64
	BytesWritten int64
	Retries      int64
}

// Store performs region-checked transfers on a Device. At most one
// asynchronous write is in flight; every other operation waits for it.
type Store struct {
	dev    Device
	layout *layout.Layout
	opts   Options

	statsLock sync.Mutex
	stats     Stats

	pending chan error
}

// NewStore creates a Store over dev using the regions of l.
func NewStore(dev Device, l *layout.Layout, opts *Options) (*Store, error) {
	if dev.Size() < int64(l.Config.NVMSize) {
		return nil, fmt.Errorf("%w: %d < %d", ErrDeviceTooSmall, dev.Size(), l.Config.NVMSize)
	}
	s := &Store{dev: dev, layout: l, opts: DefaultOptions}
	if opts != nil {
		s.opts = *opts
	}
	return s, nil
}

// Layout returns the region map.
func (s *Store) Layout() *layout.Layout {
	return s.layout
}

// Device returns the underlying device.
func (s *Store) Device() Device {
	return s.dev
}

// Stats returns a snapshot of the transfer counters.
func (s *Store) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats
}

func (s *Store) check(op string, offset, n int) error {
	if n > MaxTransfer {
		return fmt.Errorf("%s %d bytes at %#x: %w", op, n, offset, ErrTransferTooLarge)
	}
	if err := s.layout.Check(offset, n); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Read copies len(dst) bytes at offset into dst.
func (s *Store) Read(dst []byte, offset int) error {
	if err := s.check("read", offset, len(dst)); err != nil {
		return err
	}
	if err := s.Wait(); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	glog.V(5).Infof("NVM read %d bytes at %#x", len(dst), offset)
	err := s.retry("read", offset, func() error {
		_, err := s.dev.ReadAt(dst, int64(offset))
		return err
	})
	if err == nil {
		s.count(func(st *Stats) { st.Reads++; st.BytesRead += int64(len(dst)) })
	}
	return err
}

// Write copies src to offset. With a zero asyncDelay the call returns after
// the transfer completed. Otherwise the transfer starts after asyncDelay
// in the background and src must not be modified before Wait returns.
func (s *Store) Write(src []byte, offset int, asyncDelay time.Duration) error {
	if err := s.check("write", offset, len(src)); err != nil {
		return err
	}
	if err := s.Wait(); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if asyncDelay <= 0 {
		return s.write(src, offset)
	}
	done := make(chan error, 1)
	s.pending = done
	go func() {
		time.Sleep(asyncDelay)
		done <- s.write(src, offset)
	}()
	return nil
}

func (s *Store) write(src []byte, offset int) error {
	glog.V(5).Infof("NVM write %d bytes at %#x", len(src), offset)
	err := s.retry("write", offset, func() error {
		_, err := s.dev.WriteAt(src, int64(offset))
		return err
	})
	if err == nil {
		s.count(func(st *Stats) { st.Writes++; st.BytesWritten += int64(len(src)) })
	}
	return err
}

// Wait blocks until the in-flight asynchronous write completes and returns
// its result.
func (s *Store) Wait() error {
	if s.pending == nil {
		return nil
	}
	err := <-s.pending
	s.pending = nil
	return err
}

// ReadSegmented reads dst of any length with transfers of at most
// MaxTransfer bytes.
func (s *Store) ReadSegmented(dst []byte, offset int) error {
	for len(dst) > 0 {
		n := len(dst)
		if n > MaxTransfer {
			n = MaxTransfer
		}
		if err := s.Read(dst[:n], offset); err != nil {
			return err
		}
		dst, offset = dst[n:], offset+n
	}
	return nil
}

// WriteSegmented writes src of any length synchronously with transfers of
// at most MaxTransfer bytes.
func (s *Store) WriteSegmented(src []byte, offset int) error {
	for len(src) > 0 {
		n := len(src)
		if n > MaxTransfer {
			n = MaxTransfer
		}
		if err := s.Write(src[:n], offset, 0); err != nil {
			return err
		}
		src, offset = src[n:], offset+n
	}
	return nil
}

// Erase resets a region to blank content.
func (s *Store) Erase(id layout.RegionID) error {
	r := s.layout.Region(id)
	glog.V(3).Infof("NVM erase %s", r)
	blank := make([]byte, MaxTransfer)
	for off := r.Offset; off < r.End(); off += MaxTransfer {
		n := r.End() - off
		if n > MaxTransfer {
			n = MaxTransfer
		}
		if err := s.Write(blank[:n], off, 0); err != nil {
			return fmt.Errorf("erase %s: %w", id, err)
		}
	}
	return nil
}

// SelfTest writes a known pattern to the self-test bytes and reads it back.
func (s *Store) SelfTest() error {
	if err := s.Write(selfTestPattern, layout.SelfTestOffset, 0); err != nil {
		return err
	}
	buf := make([]byte, len(selfTestPattern))
	if err := s.Read(buf, layout.SelfTestOffset); err != nil {
		return err
	}
	if !bytes.Equal(buf, selfTestPattern) {
		return ErrSelfTest
	}
	return nil
}

// Reset resets the underlying device if supported. A failed pending
// write is logged and dropped.
func (s *Store) Reset() error {
	if err := s.Wait(); err != nil {
		glog.Warningf("NVM reset: pending write: %v", err)
	}
	if r, ok := s.dev.(Resetter); ok {
		return r.Reset()
	}
	return nil
}

func (s *Store) retry(op string, offset int, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isTemporary(err) || attempt >= s.opts.Retries {
			return err
		}
		glog.Warningf("NVM %s at %#x failed (attempt %d): %v", op, offset, attempt+1, err)
		s.count(func(st *Stats) { st.Retries++ })
		if s.opts.RetryDelay > 0 {
			time.Sleep(s.opts.RetryDelay)
		}
	}
}

func (s *Store) count(fn func(*Stats)) {
	s.statsLock.Lock()
	fn(&s.stats)
	s.statsLock.Unlock()
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
