package model

import (
	"encoding/binary"
	"fmt"

	"github.com/robotalks/icnn/pkg/layout"
)

// Slot identifiers of tensors not living in an intermediate-value slot.
const (
	SlotParameters uint8 = 0xfe
	SlotTestSet    uint8 = 0xff
)

// ParameterInfo flags.
const (
	// FlagTransposed stores the two innermost dimensions width-major.
	FlagTransposed uint8 = 1 << iota
	// FlagFootprint interleaves a footprint value after every job.
	FlagFootprint
	// FlagTagged marks values carrying a polarity tag.
	FlagTagged
)

// ParameterInfo describes one tensor.
type ParameterInfo struct {
	// ParamsOffset is relative to the region selected by Slot.
	ParamsOffset uint32
	// ParamsLen is the stored length in bytes.
	ParamsLen uint32
	// Bitwidth is 16, 32 or 64.
	Bitwidth uint8
	Slot     uint8
	// TileC groups channels in chunks of TileC values, 0 for NCHW.
	TileC uint16
	// Dims are zero-terminated extents.
	Dims  [4]uint16
	Flags uint8
	// Scale is the fixed-point scale for diagnostics.
	Scale uint16
}

// MakeDims packs extents into the zero-terminated form.
func MakeDims(extents ...int) (dims [4]uint16) {
	for n, e := range extents {
		if n < len(dims) {
			dims[n] = uint16(e)
		}
	}
	return
}

// Shape returns the extents.
func (p *ParameterInfo) Shape() []int {
	var shape []int
	for _, d := range p.Dims {
		if d == 0 {
			break
		}
		shape = append(shape, int(d))
	}
	return shape
}

// Count returns the number of logical values.
func (p *ParameterInfo) Count() int {
	shape := p.Shape()
	if len(shape) == 0 {
		return 0
	}
	count := 1
	for _, d := range shape {
		count *= d
	}
	return count
}

// NCHW returns the shape padded on the left to four extents.
func (p *ParameterInfo) NCHW() (n, c, h, w int) {
	ext := [4]int{1, 1, 1, 1}
	shape := p.Shape()
	copy(ext[4-len(shape):], shape)
	return ext[0], ext[1], ext[2], ext[3]
}

// Plain tells whether values are stored in logical NCHW order.
func (p *ParameterInfo) Plain() bool {
	return p.TileC == 0 && p.Flags&FlagTransposed == 0
}

// Index maps logical coordinates to the stored value index.
func (p *ParameterInfo) Index(n, c, h, w int) int {
	_, C, H, W := p.NCHW()
	hw := h*W + w
	if p.Flags&FlagTransposed != 0 {
		hw = w*H + h
	}
	if p.TileC == 0 {
		return (n*C+c)*H*W + hw
	}
	tc := int(p.TileC)
	tile := c / tc
	width := C - tile*tc
	if width > tc {
		width = tc
	}
	return n*C*H*W + tile*tc*H*W + hw*width + c - tile*tc
}

// MarshalBinary encodes the 24-byte entry.
func (p *ParameterInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, layout.ParamInfoSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], p.ParamsOffset)
	le.PutUint32(b[4:], p.ParamsLen)
	b[8], b[9] = p.Bitwidth, p.Slot
	le.PutUint16(b[10:], p.TileC)
	for n, d := range p.Dims {
		le.PutUint16(b[12+2*n:], d)
	}
	b[20] = p.Flags
	le.PutUint16(b[22:], p.Scale)
	return b, nil
}

// UnmarshalBinary decodes the 24-byte entry.
func (p *ParameterInfo) UnmarshalBinary(b []byte) error {
	if len(b) < layout.ParamInfoSize {
		return fmt.Errorf("parameter info: %d bytes", len(b))
	}
	le := binary.LittleEndian
	*p = ParameterInfo{
		ParamsOffset: le.Uint32(b[0:]),
		ParamsLen:    le.Uint32(b[4:]),
		Bitwidth:     b[8],
		Slot:         b[9],
		TileC:        le.Uint16(b[10:]),
		Flags:        b[20],
		Scale:        le.Uint16(b[22:]),
	}
	for n := range p.Dims {
		p.Dims[n] = le.Uint16(b[12+2*n:])
	}
	return nil
}

// String implements fmt.Stringer.
func (p *ParameterInfo) String() string {
	var slot string
	switch p.Slot {
	case SlotParameters:
		slot = "params"
	case SlotTestSet:
		slot = "samples"
	default:
		slot = fmt.Sprintf("slot %d", p.Slot)
	}
	return fmt.Sprintf("%s@%#x+%d %v q%d flags=%#x", slot, p.ParamsOffset, p.ParamsLen, p.Shape(), p.Bitwidth, p.Flags)
}
