package model

import (
	"fmt"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/nvm"
)

// Graph is the static model loaded from the store.
type Graph struct {
	Nodes []Node
	// Params holds the static parameter infos followed by one entry per
	// node output.
	Params []ParameterInfo
	NInput int
}

// LoadGraph reads nodesLen nodes and nInput+nodesLen parameter infos.
func LoadGraph(s *nvm.Store, nodesLen, nInput int) (*Graph, error) {
	l := s.Layout()
	if nodesLen > l.Config.MaxNodes || nInput+nodesLen > l.Config.MaxParamInfos {
		return nil, fmt.Errorf("%w: %d nodes, %d inputs exceed tables", ErrMalformedRecord, nodesLen, nInput)
	}
	g := &Graph{
		Nodes:  make([]Node, nodesLen),
		Params: make([]ParameterInfo, nInput+nodesLen),
		NInput: nInput,
	}
	buf := make([]byte, layout.NodeSize)
	for i := range g.Nodes {
		if err := s.Read(buf, l.NodeOffset(i)); err != nil {
			return nil, err
		}
		if err := g.Nodes[i].UnmarshalBinary(buf); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		for _, ref := range g.Nodes[i].Inputs {
			if ref < 0 || int(ref) >= nInput+i {
				return nil, fmt.Errorf("node %d %q: invalid input reference %d", i, g.Nodes[i].Name, ref)
			}
		}
	}
	buf = buf[:layout.ParamInfoSize]
	for i := range g.Params {
		if err := s.Read(buf, l.ParamInfoOffset(i)); err != nil {
			return nil, err
		}
		if err := g.Params[i].UnmarshalBinary(buf); err != nil {
			return nil, fmt.Errorf("parameter info %d: %w", i, err)
		}
	}
	return g, nil
}

// Address resolves the absolute offset of a tensor. Samples are selected
// by sampleIdx.
func Address(l *layout.Layout, p *ParameterInfo, sampleIdx int) (int, error) {
	var base layout.RegionID
	off := int(p.ParamsOffset)
	switch {
	case p.Slot == SlotParameters:
		base = layout.Parameters
		off += l.Region(base).Offset
	case p.Slot == SlotTestSet:
		base = layout.Samples
		off += l.Region(base).Offset + sampleIdx*int(p.ParamsLen)
	case int(p.Slot) < l.Config.NumSlots:
		base = layout.Slots
		off += l.SlotOffset(int(p.Slot))
		if int(p.ParamsOffset)+int(p.ParamsLen) > l.Config.SlotSize {
			return 0, fmt.Errorf("%s exceeds slot size %d", p, l.Config.SlotSize)
		}
	default:
		return 0, fmt.Errorf("%s: invalid slot", p)
	}
	if err := l.CheckIn(base, off, int(p.ParamsLen)); err != nil {
		return 0, fmt.Errorf("%s: %w", p, err)
	}
	return off, nil
}

// NumSamples returns how many samples of the input tensor fit the samples
// region.
func NumSamples(l *layout.Layout, input *ParameterInfo) int {
	if input.ParamsLen == 0 {
		return 0
	}
	return (l.Region(layout.Samples).Len - int(input.ParamsOffset)) / int(input.ParamsLen)
}
