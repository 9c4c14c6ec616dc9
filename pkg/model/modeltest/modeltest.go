// Package modeltest provides small models and flashed stores for tests.
package modeltest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/nvm"
)

// Config is a board with 3 slots of 512 bytes.
var Config = layout.Config{
	NVMSize:          8192,
	NumSlots:         3,
	SlotSize:         512,
	SamplesLen:       256,
	ParametersLen:    1024,
	MaxNodes:         8,
	MaxParamInfos:    16,
	CountersLen:      8,
	TurningPointsLen: 8,
}

// LargeConfig is a board whose slots hold outputs larger than one
// nvm.MaxTransfer.
var LargeConfig = layout.Config{
	NVMSize:          64 * 1024,
	NumSlots:         3,
	SlotSize:         4096,
	SamplesLen:       4096,
	ParametersLen:    0x4000,
	MaxNodes:         32,
	MaxParamInfos:    64,
	CountersLen:      32,
	TurningPointsLen: 8,
}

func values(n int, seed, mul, mod int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = ((int64(i)*seed+7)%mod - mod/2) * mul
	}
	return out
}

// TinyCNN is Conv -> Relu -> MaxPool_2 -> MatMul over 8x8 samples.
func TinyCNN() *model.Description {
	return &model.Description{
		Name: "tiny",
		Inputs: []model.TensorDesc{
			{Name: "input", Dims: []int{1, 1, 8, 8}, Samples: [][]int64{
				values(64, 37, 64, 200),
				values(64, 11, 96, 150),
			}},
			{Name: "conv_w", Dims: []int{2, 1, 3, 3}, Data: values(18, 5, 400, 41)},
			{Name: "conv_b", Dims: []int{2}, Data: []int64{300, -200}},
			{Name: "fc_w", Dims: []int{18, 4}, Data: values(72, 13, 350, 57)},
		},
		Nodes: []model.NodeDesc{
			{Name: "conv", Op: "Conv", Inputs: []string{"input", "conv_w", "conv_b"}, Kernel: 3, Stride: 1},
			{Name: "relu", Op: "Relu", Inputs: []string{"conv"}},
			{Name: "pool", Op: "MaxPool_2", Inputs: []string{"relu"}},
			{Name: "fc", Op: "MatMul", Inputs: []string{"pool", "fc_w"}},
		},
	}
}

// ExtendedCNN adds Add, Reshape and Squeeze nodes and a transposed weight.
func ExtendedCNN() *model.Description {
	d := TinyCNN()
	d.Name = "extended"
	d.Inputs[3] = model.TensorDesc{Name: "fc_w", Dims: []int{18, 4}, Data: values(72, 13, 350, 57), Transposed: true}
	d.Inputs = append(d.Inputs, model.TensorDesc{Name: "shape", Dims: []int{2}, Bitwidth: 64, Data: []int64{1, -1}})
	d.Nodes = []model.NodeDesc{
		{Name: "conv", Op: "Conv", Inputs: []string{"input", "conv_w", "conv_b"}, Kernel: 3, Stride: 1},
		{Name: "relu", Op: "Relu", Inputs: []string{"conv"}},
		{Name: "add", Op: "Add", Inputs: []string{"relu", "conv"}},
		{Name: "pool", Op: "MaxPool_2", Inputs: []string{"add"}},
		{Name: "flat", Op: "Reshape", Inputs: []string{"pool", "shape"}},
		{Name: "fc", Op: "MatMul", Inputs: []string{"flat", "fc_w"}},
		{Name: "out", Op: "Squeeze", Inputs: []string{"fc"}},
	}
	return d
}

// WideCNN is TinyCNN over 24x24 samples, for LargeConfig. The conv and
// relu outputs take 1936 bytes each.
func WideCNN() *model.Description {
	d := TinyCNN()
	d.Name = "wide"
	d.Inputs[0] = model.TensorDesc{Name: "input", Dims: []int{1, 1, 24, 24}, Samples: [][]int64{
		values(576, 37, 64, 200),
		values(576, 11, 96, 150),
	}}
	d.Inputs[3] = model.TensorDesc{Name: "fc_w", Dims: []int{242, 4}, Data: values(968, 13, 120, 57)}
	return d
}

// Chain is n MatMul nodes in a row, node i producing n-i values.
func Chain(n int) *model.Description {
	d := &model.Description{
		Name: "chain",
		Inputs: []model.TensorDesc{
			{Name: "input", Dims: []int{1, n + 1}, Samples: [][]int64{values(n+1, 7, 200, 90)}},
		},
	}
	prev := "input"
	for i := 0; i < n; i++ {
		k, cols := n+1-i, n-i
		w := fmt.Sprintf("w%d", i)
		name := fmt.Sprintf("fc%d", i)
		d.Inputs = append(d.Inputs, model.TensorDesc{Name: w, Dims: []int{k, cols}, Data: values(k*cols, 13, 300, 57)})
		d.Nodes = append(d.Nodes, model.NodeDesc{Name: name, Op: "MatMul", Inputs: []string{prev, w}})
		prev = name
	}
	return d
}

// Flash compiles d and writes it to a new in-memory store on a Config
// board.
func Flash(t *testing.T, d *model.Description) (*nvm.MemDevice, *layout.Layout) {
	return FlashWith(t, Config, d)
}

// FlashWith compiles d for conf and writes it to a new in-memory store.
func FlashWith(t *testing.T, conf layout.Config, d *model.Description) (*nvm.MemDevice, *layout.Layout) {
	l, err := layout.New(conf)
	require.NoError(t, err)
	dev := nvm.NewMemDevice(conf.NVMSize)
	s, err := nvm.NewStore(dev, l, nil)
	require.NoError(t, err)
	img, err := d.Compile(l)
	require.NoError(t, err)
	require.NoError(t, img.Write(s))
	return dev, l
}
