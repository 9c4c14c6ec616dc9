package nvm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPowerFailure is returned by every access after a simulated power loss
// until the device is restored.
var ErrPowerFailure = errors.New("power failure")

// TransientError is a recoverable device hiccup.
type TransientError struct {
	Op     string
	Offset int64
}

// Error implements error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error at %#x", e.Op, e.Offset)
}

// Temporary marks the error as retriable.
func (e *TransientError) Temporary() bool {
	return true
}

// WritePredicate decides whether a write is hit by the power failure.
type WritePredicate func(seq int, off int64, p []byte) bool

// FaultDevice wraps a Device and injects power failures and transient
// read errors.
type FaultDevice struct {
	Device

	lock       sync.Mutex
	writes     int
	failAt     int
	failWhen   WritePredicate
	tear       int
	readErrors int
	off        bool
	resets     int
}

// NewFaultDevice wraps dev.
func NewFaultDevice(dev Device) *FaultDevice {
	return &FaultDevice{Device: dev}
}

// FailAfter lets n more writes succeed and cuts the power on the next one.
func (d *FaultDevice) FailAfter(n int) *FaultDevice {
	d.lock.Lock()
	d.failAt = d.writes + n + 1
	d.lock.Unlock()
	return d
}

// FailWhen cuts the power on the first write matching pred.
func (d *FaultDevice) FailWhen(pred WritePredicate) *FaultDevice {
	d.lock.Lock()
	d.failWhen = pred
	d.lock.Unlock()
	return d
}

// Tear makes the failing write persist its first n bytes.
func (d *FaultDevice) Tear(n int) *FaultDevice {
	d.lock.Lock()
	d.tear = n
	d.lock.Unlock()
	return d
}

// InjectReadErrors makes the next n reads fail with a TransientError.
func (d *FaultDevice) InjectReadErrors(n int) *FaultDevice {
	d.lock.Lock()
	d.readErrors = n
	d.lock.Unlock()
	return d
}

// Restore powers the device back on and disarms all triggers.
func (d *FaultDevice) Restore() {
	d.lock.Lock()
	d.off, d.failAt, d.failWhen, d.tear = false, 0, nil, 0
	d.lock.Unlock()
}

// PoweredOff tells whether a power failure has been triggered.
func (d *FaultDevice) PoweredOff() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.off
}

// Writes returns the number of writes attempted so far.
func (d *FaultDevice) Writes() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.writes
}

// Resets returns how many times Reset was called.
func (d *FaultDevice) Resets() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.resets
}

// Reset implements Resetter.
func (d *FaultDevice) Reset() error {
	d.lock.Lock()
	d.resets++
	d.readErrors = 0
	d.lock.Unlock()
	if r, ok := d.Device.(Resetter); ok {
		return r.Reset()
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (d *FaultDevice) ReadAt(p []byte, off int64) (int, error) {
	d.lock.Lock()
	if d.off {
		d.lock.Unlock()
		return 0, ErrPowerFailure
	}
	if d.readErrors > 0 {
		d.readErrors--
		d.lock.Unlock()
		return 0, &TransientError{Op: "read", Offset: off}
	}
	d.lock.Unlock()
	return d.Device.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (d *FaultDevice) WriteAt(p []byte, off int64) (int, error) {
	d.lock.Lock()
	if d.off {
		d.lock.Unlock()
		return 0, ErrPowerFailure
	}
	d.writes++
	fail := d.writes == d.failAt || (d.failWhen != nil && d.failWhen(d.writes, off, p))
	if !fail {
		d.lock.Unlock()
		return d.Device.WriteAt(p, off)
	}
	d.off = true
	tear := d.tear
	d.lock.Unlock()
	if tear > len(p) {
		tear = len(p)
	}
	if tear > 0 {
		d.Device.WriteAt(p[:tear], off)
	}
	return 0, ErrPowerFailure
}
