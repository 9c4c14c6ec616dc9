package model

import (
	"encoding/binary"
	"fmt"

	"github.com/robotalks/icnn/pkg/layout"
)

// Counters are the persisted time and power statistics.
type Counters struct {
	Index uint32
	Time  []uint32
	Power []uint32
}

// NewCounters creates zeroed counters of n entries each.
func NewCounters(n int) Counters {
	return Counters{Time: make([]uint32, n), Power: make([]uint32, n)}
}

// Encode encodes index, time and power arrays.
func (c *Counters) Encode() []byte {
	n := len(c.Time)
	b := make([]byte, layout.CountersSize(n))
	le := binary.LittleEndian
	le.PutUint32(b, c.Index)
	for i := 0; i < n; i++ {
		le.PutUint32(b[4+4*i:], c.Time[i])
		le.PutUint32(b[4+4*(n+i):], c.Power[i])
	}
	return b
}

// DecodeCounters decodes counters of n entries.
func DecodeCounters(b []byte, n int) (Counters, error) {
	if len(b) < layout.CountersSize(n) {
		return Counters{}, fmt.Errorf("counters: %d bytes", len(b))
	}
	c := NewCounters(n)
	le := binary.LittleEndian
	c.Index = le.Uint32(b)
	for i := 0; i < n; i++ {
		c.Time[i] = le.Uint32(b[4+4*i:])
		c.Power[i] = le.Uint32(b[4+4*(n+i):])
	}
	return c, nil
}
