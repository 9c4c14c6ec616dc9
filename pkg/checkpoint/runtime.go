package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/robotalks/icnn/pkg/model"
)

// layerRuntime serves the inputs of one node. Tensors are read once per
// layer execution.
type layerRuntime struct {
	d      *Driver
	node   *model.Node
	sample int
	cache  map[int][]int16
}

func (d *Driver) runtime(layer, sample int) *layerRuntime {
	return &layerRuntime{
		d:      d,
		node:   &d.graph.Nodes[layer],
		sample: sample,
		cache:  make(map[int][]int16),
	}
}

func (r *layerRuntime) ref(i int) int {
	return int(r.node.Inputs[i])
}

func (r *layerRuntime) Input(i int) *model.ParameterInfo {
	return &r.d.exec.Params[r.ref(i)]
}

func (r *layerRuntime) Tensor(i int) ([]int16, error) {
	if vals, ok := r.cache[i]; ok {
		return vals, nil
	}
	vals, err := r.d.tensor(r.ref(i), r.sample)
	if err != nil {
		return nil, err
	}
	r.cache[i] = vals
	return vals, nil
}

func (r *layerRuntime) Int32s(i int) ([]int32, error) {
	raw, err := r.d.raw(r.ref(i), r.sample, 32)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw)/4)
	for n := range out {
		out[n] = int32(binary.LittleEndian.Uint32(raw[4*n:]))
	}
	return out, nil
}

func (r *layerRuntime) Int64s(i int) ([]int64, error) {
	raw, err := r.d.raw(r.ref(i), r.sample, 64)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(raw)/8)
	for n := range out {
		out[n] = int64(binary.LittleEndian.Uint64(raw[8*n:]))
	}
	return out, nil
}

func (d *Driver) sampleIdx() int {
	return int(d.exec.Record.SampleIdx) % d.numSamples
}

func (d *Driver) raw(ref, sample, bitwidth int) ([]byte, error) {
	if ref < 0 || ref >= len(d.exec.Params) {
		return nil, fmt.Errorf("parameter %d out of %d", ref, len(d.exec.Params))
	}
	info := &d.exec.Params[ref]
	if bitwidth != 0 && int(info.Bitwidth) != bitwidth {
		return nil, fmt.Errorf("parameter %d %s: want %d bits", ref, info, bitwidth)
	}
	off, err := model.Address(d.layout, info, sample)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.ParamsLen)
	if err := d.store.ReadSegmented(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// tensor reads a q15 tensor in stored order, without tags or footprints.
func (d *Driver) tensor(ref, sample int) ([]int16, error) {
	raw, err := d.raw(ref, sample, 16)
	if err != nil {
		return nil, err
	}
	info := &d.exec.Params[ref]
	word := func(n int) uint16 { return binary.LittleEndian.Uint16(raw[2*n:]) }
	count := info.Count()
	out := make([]int16, 0, count)
	if info.Flags&model.FlagFootprint != 0 {
		j := d.features.JobValues
		for job := 0; job*j < count; job++ {
			for k := job * (j + 1); len(out) < count && len(out) < (job+1)*j; k++ {
				out = append(out, int16(word(k)))
			}
		}
		return out, nil
	}
	for n := 0; n < len(raw)/2; n++ {
		if info.Flags&model.FlagTagged != 0 {
			out = append(out, int16(d.features.Codec.Strip(uint64(word(n)))))
		} else {
			out = append(out, int16(word(n)))
		}
	}
	return out, nil
}

// Tensor returns the q15 values of parameter ref in stored order. Samples
// are taken at the current sample index.
func (d *Driver) Tensor(ref int) ([]int16, error) {
	return d.tensor(ref, d.sampleIdx())
}

// RawTensor returns the stored bytes of parameter ref.
func (d *Driver) RawTensor(ref int) ([]byte, error) {
	return d.raw(ref, d.sampleIdx(), 0)
}

// Output returns the values of the last node.
func (d *Driver) Output() ([]int16, error) {
	return d.Tensor(len(d.exec.Params) - 1)
}
