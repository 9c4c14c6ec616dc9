package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/robotalks/icnn/pkg/layout"
)

// ErrMalformedRecord indicates no copy of the execution record is valid.
var ErrMalformedRecord = errors.New("malformed execution record")

// Record is the execution state record. It is stored twice; the valid copy
// with the larger Generation wins.
type Record struct {
	NodesLen uint16
	NInput   uint16
	// Running is set between the start of a sample and its finalization.
	Running bool
	// Recovery is set when a boot found Running.
	Recovery   bool
	RunCounter uint16
	LayerIdx   uint16
	SampleIdx  uint16
	// Version counts layer commits.
	Version uint16
	// BitsVersion is Version once the state bits of the commit are applied.
	BitsVersion uint16
	// StateBits holds the polarity at offset 0 of each slot.
	StateBits  []uint8
	Generation uint32
}

func boolWord(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// Encode encodes the record followed by its CRC32.
func (r *Record) Encode() []byte {
	b := make([]byte, layout.RecordSize(len(r.StateBits)))
	le := binary.LittleEndian
	for n, v := range []uint16{
		r.NodesLen, r.NInput, boolWord(r.Running), boolWord(r.Recovery),
		r.RunCounter, r.LayerIdx, r.SampleIdx, r.Version, r.BitsVersion,
	} {
		le.PutUint16(b[2*n:], v)
	}
	off := 18
	for _, bit := range r.StateBits {
		le.PutUint16(b[off:], uint16(bit))
		off += 2
	}
	le.PutUint32(b[off:], r.Generation)
	le.PutUint32(b[off+4:], crc32.ChecksumIEEE(b[:off+4]))
	return b
}

// DecodeRecord decodes one record copy for numSlots slots.
func DecodeRecord(b []byte, numSlots int) (*Record, error) {
	size := layout.RecordSize(numSlots)
	if len(b) < size {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(b))
	}
	le := binary.LittleEndian
	off := 18 + 2*numSlots
	if crc := le.Uint32(b[off+4:]); crc != crc32.ChecksumIEEE(b[:off+4]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedRecord)
	}
	var w [9]uint16
	for n := range w {
		w[n] = le.Uint16(b[2*n:])
	}
	if w[2] > 1 || w[3] > 1 {
		return nil, fmt.Errorf("%w: running=%d recovery=%d", ErrMalformedRecord, w[2], w[3])
	}
	r := &Record{
		NodesLen:    w[0],
		NInput:      w[1],
		Running:     w[2] == 1,
		Recovery:    w[3] == 1,
		RunCounter:  w[4],
		LayerIdx:    w[5],
		SampleIdx:   w[6],
		Version:     w[7],
		BitsVersion: w[8],
		StateBits:   make([]uint8, numSlots),
		Generation:  le.Uint32(b[off:]),
	}
	if r.LayerIdx > r.NodesLen {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrMalformedRecord, r.LayerIdx, r.NodesLen)
	}
	for n := range r.StateBits {
		bit := le.Uint16(b[18+2*n:])
		if bit > 1 {
			return nil, fmt.Errorf("%w: state bit %d of slot %d", ErrMalformedRecord, bit, n)
		}
		r.StateBits[n] = uint8(bit)
	}
	return r, nil
}

// PickRecord decodes both copies and returns the valid one with the larger
// generation, along with its copy index.
func PickRecord(copies [2][]byte, numSlots int) (*Record, int, error) {
	var best *Record
	var bestCopy int
	var errs [2]error
	for n, b := range copies {
		r, err := DecodeRecord(b, numSlots)
		if err != nil {
			errs[n] = err
			continue
		}
		if best == nil || r.Generation > best.Generation {
			best, bestCopy = r, n
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("both copies invalid: %v; %w", errs[0], errs[1])
	}
	return best, bestCopy, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.StateBits = append([]uint8(nil), r.StateBits...)
	return c
}
