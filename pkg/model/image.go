package model

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/nvm"
)

// Image is a compiled description ready to be written to a store.
type Image struct {
	Graph      Graph
	Parameters []byte
	Samples    []byte
	NumSamples int
}

func putValue(b []byte, bitwidth int, v int64) error {
	le := binary.LittleEndian
	switch bitwidth {
	case 16:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return fmt.Errorf("value %d overflows int16", v)
		}
		le.PutUint16(b, uint16(v))
	case 32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("value %d overflows int32", v)
		}
		le.PutUint32(b, uint32(v))
	default:
		le.PutUint64(b, uint64(v))
	}
	return nil
}

func encodeValues(bitwidth int, values []int64) ([]byte, error) {
	size := bitwidth / 8
	b := make([]byte, len(values)*size)
	for n, v := range values {
		if err := putValue(b[n*size:], bitwidth, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Compile lays out the description for l.
func (d *Description) Compile(l *layout.Layout) (*Image, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	nInput, nodesLen := len(d.Inputs), len(d.Nodes)
	if nodesLen > l.Config.MaxNodes {
		return nil, fmt.Errorf("%d nodes exceed node table of %d", nodesLen, l.Config.MaxNodes)
	}
	if nInput+nodesLen > l.Config.MaxParamInfos {
		return nil, fmt.Errorf("%d parameter infos exceed table of %d", nInput+nodesLen, l.Config.MaxParamInfos)
	}

	img := &Image{
		Graph: Graph{
			Nodes:  make([]Node, nodesLen),
			Params: make([]ParameterInfo, nInput+nodesLen),
			NInput: nInput,
		},
	}
	refs := make(map[string]int16)
	for n, in := range d.Inputs {
		refs[in.Name] = int16(n)
		info := &img.Graph.Params[n]
		*info = ParameterInfo{
			Bitwidth: uint8(in.bitwidth()),
			TileC:    uint16(in.TileC),
			Dims:     MakeDims(in.Dims...),
			Scale:    uint16(in.Scale),
		}
		if in.Transposed {
			info.Flags |= FlagTransposed
		}
		if n == 0 {
			info.Slot = SlotTestSet
			for _, sample := range in.Samples {
				b, err := encodeValues(in.bitwidth(), sample)
				if err != nil {
					return nil, fmt.Errorf("input %q: %w", in.Name, err)
				}
				info.ParamsLen = uint32(len(b))
				img.Samples = append(img.Samples, b...)
			}
			img.NumSamples = len(in.Samples)
			continue
		}
		b, err := encodeValues(in.bitwidth(), in.Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		for len(img.Parameters)%8 != 0 {
			img.Parameters = append(img.Parameters, 0)
		}
		info.Slot = SlotParameters
		info.ParamsOffset = uint32(len(img.Parameters))
		info.ParamsLen = uint32(len(b))
		img.Parameters = append(img.Parameters, b...)
	}
	if len(img.Samples) > l.Region(layout.Samples).Len {
		return nil, fmt.Errorf("samples of %d bytes exceed region of %d", len(img.Samples), l.Region(layout.Samples).Len)
	}
	if len(img.Parameters) > l.Region(layout.Parameters).Len {
		return nil, fmt.Errorf("parameters of %d bytes exceed region of %d", len(img.Parameters), l.Region(layout.Parameters).Len)
	}

	for n, nd := range d.Nodes {
		op, _ := ParseOpType(nd.Op)
		node := &img.Graph.Nodes[n]
		*node = Node{
			Name:        nd.Name,
			Inputs:      make([]int16, len(nd.Inputs)),
			MaxOutputID: uint16(nodesLen),
			OpType:      op,
			Flags:       MakeFlags(nd.Generic, nd.Kernel, nd.Stride),
		}
		for k, in := range nd.Inputs {
			node.Inputs[k] = refs[in]
		}
		refs[nd.Name] = int16(nInput + n)
	}
	// last consumer of every node output, outputs nobody consumes stay
	// alive until the end of the sample
	for n, node := range img.Graph.Nodes {
		for _, ref := range node.Inputs {
			if producer := int(ref) - nInput; producer >= 0 {
				img.Graph.Nodes[producer].MaxOutputID = uint16(n)
			}
		}
	}
	return img, nil
}

// Write flashes the image. The first-run flag is left blank so the device
// formats its progress state on the first boot.
func (img *Image) Write(s *nvm.Store) error {
	l := s.Layout()
	for _, id := range []layout.RegionID{
		layout.Slots, layout.Samples, layout.Parameters, layout.Nodes,
		layout.ParamInfo, layout.Model, layout.FirstRun, layout.Counters,
	} {
		if err := s.Erase(id); err != nil {
			return err
		}
	}
	if err := s.WriteSegmented(img.Parameters, l.Region(layout.Parameters).Offset); err != nil {
		return err
	}
	if err := s.WriteSegmented(img.Samples, l.Region(layout.Samples).Offset); err != nil {
		return err
	}
	for n := range img.Graph.Nodes {
		b, err := img.Graph.Nodes[n].MarshalBinary()
		if err != nil {
			return err
		}
		if err := s.Write(b, l.NodeOffset(n), 0); err != nil {
			return err
		}
	}
	for n := 0; n < img.Graph.NInput; n++ {
		b, _ := img.Graph.Params[n].MarshalBinary()
		if err := s.Write(b, l.ParamInfoOffset(n), 0); err != nil {
			return err
		}
	}
	rec := Record{
		NodesLen:   uint16(len(img.Graph.Nodes)),
		NInput:     uint16(img.Graph.NInput),
		StateBits:  make([]uint8, l.Config.NumSlots),
		Generation: 1,
	}
	if err := s.Write(rec.Encode(), l.RecordOffset(1), 0); err != nil {
		return err
	}
	glog.Infof("image written: %d nodes, %d inputs, %d samples, %d parameter bytes",
		len(img.Graph.Nodes), img.Graph.NInput, img.NumSamples, len(img.Parameters))
	return nil
}
