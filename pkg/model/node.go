package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/robotalks/icnn/pkg/layout"
)

// OpType identifies an operator.
type OpType uint16

// Operators, in the order of the operator table.
const (
	OpAdd OpType = iota
	OpConv
	OpMatMul
	OpMaxPool2
	OpMaxPool3
	OpRelu
	OpReshape
	OpSqueeze
	NumOpTypes
)

var opNames = [NumOpTypes]string{
	"Add", "Conv", "MatMul", "MaxPool_2", "MaxPool_3", "Relu", "Reshape", "Squeeze",
}

// String implements fmt.Stringer.
func (t OpType) String() string {
	if t < NumOpTypes {
		return opNames[t]
	}
	return fmt.Sprintf("Op(%d)", uint16(t))
}

// ParseOpType looks up an operator by name.
func ParseOpType(name string) (OpType, error) {
	for n, s := range opNames {
		if s == name {
			return OpType(n), nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", name)
}

// Flags packs generic bits (15-8), kernel size (7-4) and stride (3-0).
type Flags uint16

// MakeFlags packs the sub-fields.
func MakeFlags(generic uint8, kernelSize, stride int) Flags {
	return Flags(uint16(generic)<<8 | uint16(kernelSize&0xf)<<4 | uint16(stride&0xf))
}

// Generic returns the generic bits.
func (f Flags) Generic() uint8 { return uint8(f >> 8) }

// KernelSize returns the kernel size, 0 if unspecified.
func (f Flags) KernelSize() int { return int(f>>4) & 0xf }

// Stride returns the stride, 0 if unspecified.
func (f Flags) Stride() int { return int(f) & 0xf }

// Node is one static graph node.
type Node struct {
	Name string
	// Inputs references parameter info entries: values below the model's
	// input count are static parameters, others are node outputs.
	Inputs []int16
	// MaxOutputID is the last node consuming the output.
	MaxOutputID uint16
	OpType      OpType
	Flags       Flags
}

// MarshalBinary encodes the 64-byte node entry.
func (n *Node) MarshalBinary() ([]byte, error) {
	if len(n.Name) > layout.NodeNameLen-1 {
		return nil, fmt.Errorf("node name %q too long", n.Name)
	}
	if len(n.Inputs) > layout.MaxNodeInputs {
		return nil, fmt.Errorf("node %q: %d inputs", n.Name, len(n.Inputs))
	}
	b := make([]byte, layout.NodeSize)
	copy(b, n.Name)
	le := binary.LittleEndian
	le.PutUint16(b[48:], uint16(len(n.Inputs)))
	for i, ref := range n.Inputs {
		le.PutUint16(b[50+2*i:], uint16(ref))
	}
	le.PutUint16(b[58:], n.MaxOutputID)
	le.PutUint16(b[60:], uint16(n.OpType))
	le.PutUint16(b[62:], uint16(n.Flags))
	return b, nil
}

// UnmarshalBinary decodes the 64-byte node entry.
func (n *Node) UnmarshalBinary(b []byte) error {
	if len(b) < layout.NodeSize {
		return fmt.Errorf("node entry: %d bytes", len(b))
	}
	le := binary.LittleEndian
	name := b[:layout.NodeNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	count := int(le.Uint16(b[48:]))
	if count > layout.MaxNodeInputs {
		return fmt.Errorf("node %q: %d inputs", name, count)
	}
	*n = Node{
		Name:        string(name),
		Inputs:      make([]int16, count),
		MaxOutputID: le.Uint16(b[58:]),
		OpType:      OpType(le.Uint16(b[60:])),
		Flags:       Flags(le.Uint16(b[62:])),
	}
	for i := range n.Inputs {
		n.Inputs[i] = int16(le.Uint16(b[50+2*i:]))
	}
	return nil
}
