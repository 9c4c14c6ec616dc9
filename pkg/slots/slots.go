// Package slots tracks, per intermediate-value slot, the offsets at which
// the authoritative polarity flips.
//
// The polarity at offset o is StateBit xor the parity of the number of
// turning points less than or equal to o. Offsets are in values, not
// bytes.
package slots

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidSlot indicates a slot id out of range.
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrTooManyTurningPoints indicates the table capacity is exhausted.
	ErrTooManyTurningPoints = errors.New("too many turning points")
	// ErrMalformedEntry indicates an encoded entry that can't be decoded.
	ErrMalformedEntry = errors.New("malformed slot entry")
	// ErrNotIncreasing indicates a turning point sequence violation.
	ErrNotIncreasing = errors.New("turning points not strictly increasing")
)

// OrderError reports a turning point not greater than its predecessor.
type OrderError struct {
	Slot   int
	Prev   int
	Offset int
}

// Error implements error.
func (e *OrderError) Error() string {
	return fmt.Sprintf("slot %d: turning point %d after %d", e.Slot, e.Offset, e.Prev)
}

// Unwrap returns ErrNotIncreasing.
func (e *OrderError) Unwrap() error {
	return ErrNotIncreasing
}

// Info is the state of one slot.
type Info struct {
	// StateBit is the polarity at offset 0.
	StateBit uint8
	// TurningPoints is strictly increasing.
	TurningPoints []uint16
	// User is the node that wrote the slot last, -1 if none.
	User int16
	// Version is the record version of the last applied flip.
	Version uint16
}

// Table holds the infos of all slots.
type Table struct {
	infos    []Info
	capacity int
}

// NewTable creates a table of numSlots slots, each holding at most
// capacity turning points.
func NewTable(numSlots, capacity int) *Table {
	t := &Table{infos: make([]Info, numSlots), capacity: capacity}
	t.Reset()
	return t
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.infos)
}

// Capacity returns the maximum turning points per slot.
func (t *Table) Capacity() int {
	return t.capacity
}

// Info returns the info of a slot.
func (t *Table) Info(slot int) (*Info, error) {
	if slot < 0 || slot >= len(t.infos) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return &t.infos[slot], nil
}

// Reset clears all slots.
func (t *Table) Reset() {
	for n := range t.infos {
		t.infos[n] = Info{User: -1}
	}
}

// SetStateBit sets the polarity at offset 0.
func (t *Table) SetStateBit(slot int, bit uint8) error {
	info, err := t.Info(slot)
	if err != nil {
		return err
	}
	info.StateBit = bit & 1
	return nil
}

// Record appends a turning point which must be greater than the last one.
func (t *Table) Record(slot, offset int) error {
	info, err := t.Info(slot)
	if err != nil {
		return err
	}
	if offset < 0 || offset > 0xffff {
		return fmt.Errorf("slot %d: turning point %d out of range", slot, offset)
	}
	if n := len(info.TurningPoints); n > 0 {
		if prev := int(info.TurningPoints[n-1]); offset <= prev {
			return &OrderError{Slot: slot, Prev: prev, Offset: offset}
		}
	}
	if len(info.TurningPoints) >= t.capacity {
		return fmt.Errorf("slot %d: %w (%d)", slot, ErrTooManyTurningPoints, t.capacity)
	}
	info.TurningPoints = append(info.TurningPoints, uint16(offset))
	return nil
}

// Classify returns the authoritative polarity at offset.
func (t *Table) Classify(slot, offset int) (uint8, error) {
	info, err := t.Info(slot)
	if err != nil {
		return 0, err
	}
	return info.Classify(offset), nil
}

// Classify returns the authoritative polarity at offset.
func (i *Info) Classify(offset int) uint8 {
	pts := i.TurningPoints
	// number of points <= offset
	n := sort.Search(len(pts), func(k int) bool { return int(pts[k]) > offset })
	return i.StateBit ^ uint8(n&1)
}

// Toggle inserts a turning point at offset, or removes it when present.
// Offsets at or beyond limit are ignored. The sequence is rebuilt through
// Record so the ordering invariant is asserted again.
func (t *Table) Toggle(slot, offset, limit int) error {
	info, err := t.Info(slot)
	if err != nil {
		return err
	}
	if offset >= limit {
		return nil
	}
	old := info.TurningPoints
	next := make([]uint16, 0, len(old)+1)
	inserted := false
	for _, pt := range old {
		if !inserted && int(pt) >= offset {
			inserted = true
			if int(pt) == offset {
				continue
			}
			next = append(next, uint16(offset))
		}
		next = append(next, pt)
	}
	if !inserted {
		next = append(next, uint16(offset))
	}
	info.TurningPoints = make([]uint16, 0, len(next))
	for _, pt := range next {
		if err := t.Record(slot, int(pt)); err != nil {
			info.TurningPoints = old
			return err
		}
	}
	return nil
}

// EntrySize is the encoded size of one slot entry.
func (t *Table) EntrySize() int {
	return 8 + 2*t.capacity
}

// Encode encodes the entry of slot: version, count, points, user, padding.
func (t *Table) Encode(slot int) ([]byte, error) {
	info, err := t.Info(slot)
	if err != nil {
		return nil, err
	}
	b := make([]byte, t.EntrySize())
	binary.LittleEndian.PutUint16(b[0:], info.Version)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(info.TurningPoints)))
	for n, pt := range info.TurningPoints {
		binary.LittleEndian.PutUint16(b[4+2*n:], pt)
	}
	binary.LittleEndian.PutUint16(b[4+2*t.capacity:], uint16(info.User))
	return b, nil
}

// Decode loads the entry of slot, failing on a corrupted sequence. The
// state bit is not part of the entry and is kept.
func (t *Table) Decode(slot int, b []byte) error {
	info, err := t.Info(slot)
	if err != nil {
		return err
	}
	if len(b) < t.EntrySize() {
		return fmt.Errorf("slot %d: %w: %d bytes", slot, ErrMalformedEntry, len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[2:]))
	if n > t.capacity {
		return fmt.Errorf("slot %d: %w: %d turning points", slot, ErrMalformedEntry, n)
	}
	bit := info.StateBit
	*info = Info{
		StateBit: bit,
		Version:  binary.LittleEndian.Uint16(b[0:]),
		User:     int16(binary.LittleEndian.Uint16(b[4+2*t.capacity:])),
	}
	for k := 0; k < n; k++ {
		if err := t.Record(slot, int(binary.LittleEndian.Uint16(b[4+2*k:]))); err != nil {
			return err
		}
	}
	return nil
}
