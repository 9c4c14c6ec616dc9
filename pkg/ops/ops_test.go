package ops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/model"
)

type fakeRuntime struct {
	infos []*model.ParameterInfo
	q15   map[int][]int16
	i32   map[int][]int32
	i64   map[int][]int64
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{q15: map[int][]int16{}, i32: map[int][]int32{}, i64: map[int][]int64{}}
}

func (r *fakeRuntime) tensor(vals []int16, dims ...int) *fakeRuntime {
	r.q15[len(r.infos)] = vals
	r.infos = append(r.infos, &model.ParameterInfo{Bitwidth: 16, Dims: model.MakeDims(dims...)})
	return r
}

func (r *fakeRuntime) int64s(vals []int64) *fakeRuntime {
	r.i64[len(r.infos)] = vals
	r.infos = append(r.infos, &model.ParameterInfo{Bitwidth: 64, Dims: model.MakeDims(len(vals))})
	return r
}

func (r *fakeRuntime) int32s(vals []int32) *fakeRuntime {
	r.i32[len(r.infos)] = vals
	r.infos = append(r.infos, &model.ParameterInfo{Bitwidth: 32, Dims: model.MakeDims(len(vals))})
	return r
}

func (r *fakeRuntime) Input(i int) *model.ParameterInfo { return r.infos[i] }
func (r *fakeRuntime) Tensor(i int) ([]int16, error)    { return r.q15[i], nil }
func (r *fakeRuntime) Int32s(i int) ([]int32, error)    { return r.i32[i], nil }
func (r *fakeRuntime) Int64s(i int) ([]int64, error)    { return r.i64[i], nil }

type sliceOutput []int16

func (o *sliceOutput) Put(v int16) error {
	*o = append(*o, v)
	return nil
}

func node(op model.OpType, inputs int, flags model.Flags) *model.Node {
	n := &model.Node{Name: op.String(), OpType: op, Flags: flags}
	for i := 0; i < inputs; i++ {
		n.Inputs = append(n.Inputs, int16(i))
	}
	return n
}

func run(t *testing.T, rt Runtime, n *model.Node, start int) (model.ParameterInfo, []int16) {
	op, err := Resolve(n)
	require.NoError(t, err)
	info, err := op.Output(rt, n)
	require.NoError(t, err)
	var out sliceOutput
	require.NoError(t, op.Compute(rt, n, &out, start))
	return info, out
}

const one = 0x4000 // 0.5 in q15

func TestOperators(t *testing.T) {
	testCases := []struct {
		name   string
		rt     *fakeRuntime
		node   *model.Node
		dims   []int
		expect []int16
	}{
		{
			"relu",
			newFakeRuntime().tensor([]int16{-3, 0, 5, -32768}, 1, 4),
			node(model.OpRelu, 1, 0),
			[]int{1, 4}, []int16{0, 0, 5, 0},
		},
		{
			"add saturates",
			newFakeRuntime().tensor([]int16{30000, -30000, 1}, 3).tensor([]int16{10000, -10000, 2}, 3),
			node(model.OpAdd, 2, 0),
			[]int{3}, []int16{32767, -32768, 3},
		},
		{
			"add per channel",
			newFakeRuntime().tensor([]int16{1, 2, 3, 4}, 1, 2, 1, 2).tensor([]int16{10, 20}, 2),
			node(model.OpAdd, 2, 0),
			[]int{1, 2, 1, 2}, []int16{11, 12, 23, 24},
		},
		{
			"maxpool 2",
			newFakeRuntime().tensor([]int16{
				1, 5, 2, 0,
				3, 4, 8, 1,
				-1, -2, 0, 0,
				-3, -4, 0, 9,
			}, 1, 1, 4, 4),
			node(model.OpMaxPool2, 1, 0),
			[]int{1, 1, 2, 2}, []int16{5, 8, -1, 9},
		},
		{
			"maxpool 3 stride 1",
			newFakeRuntime().tensor([]int16{
				1, 5, 2, 0,
				3, 4, 8, 1,
				-1, -2, 0, 0,
				-3, -4, 0, 9,
			}, 1, 1, 4, 4),
			node(model.OpMaxPool3, 1, model.MakeFlags(0, 0, 1)),
			[]int{1, 1, 2, 2}, []int16{8, 8, 8, 9},
		},
		{
			"conv",
			newFakeRuntime().
				tensor([]int16{one, one, one, one, 0, one, one, one, one}, 1, 1, 3, 3).
				tensor([]int16{one, 0, 0, one, one, one, one, one}, 2, 1, 2, 2).
				tensor([]int16{1, -1}, 2),
			node(model.OpConv, 3, model.MakeFlags(0, 2, 1)),
			[]int{1, 2, 2, 2},
			[]int16{one/2 + 1, one + 1, one + 1, one/2 + 1, 3*one/2 - 1, 3*one/2 - 1, 3*one/2 - 1, 3*one/2 - 1},
		},
		{
			"conv int32 bias",
			newFakeRuntime().
				tensor([]int16{one, one, one, one}, 1, 1, 2, 2).
				tensor([]int16{one, 0, 0, 0}, 1, 1, 2, 2).
				int32s([]int32{100}),
			node(model.OpConv, 3, 0),
			[]int{1, 1, 1, 1}, []int16{one/2 + 100},
		},
		{
			"matmul",
			newFakeRuntime().
				tensor([]int16{one, 0, one, one, one, 0}, 1, 2, 1, 3).
				tensor([]int16{one, one, 0, one, one, 0}, 3, 2),
			node(model.OpMatMul, 2, 0),
			[]int{2, 2}, []int16{one, one / 2, one / 2, one},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			info, out := run(t, tc.rt, tc.node, 0)
			require.Equal(t, tc.dims, info.Shape())
			require.Equal(t, uint8(16), info.Bitwidth)
			require.Equal(t, tc.expect, []int16(out))
			require.Equal(t, info.Count(), len(out))

			// resuming from any element yields the same suffix
			for start := 1; start < len(out); start++ {
				_, tail := run(t, tc.rt, tc.node, start)
				require.Equal(t, tc.expect[start:], []int16(tail))
			}
		})
	}
}

func TestTransposedMatMul(t *testing.T) {
	plain := newFakeRuntime().
		tensor([]int16{one, 0, one}, 1, 3).
		tensor([]int16{1000, 2000, 3000, 4000, 5000, 6000}, 3, 2)
	transposed := newFakeRuntime().
		tensor([]int16{one, 0, one}, 1, 3).
		tensor([]int16{1000, 3000, 5000, 2000, 4000, 6000}, 3, 2)
	transposed.infos[1].Flags = model.FlagTransposed
	_, a := run(t, plain, node(model.OpMatMul, 2, 0), 0)
	_, b := run(t, transposed, node(model.OpMatMul, 2, 0), 0)
	require.Equal(t, []int16{3000, 4000}, []int16(a))
	require.Equal(t, a, b)
}

func TestTiledInput(t *testing.T) {
	rt := newFakeRuntime().tensor([]int16{1, 10, 2, 20, 3, 30, 4, 40}, 1, 2, 2, 2)
	rt.infos[0].TileC = 2
	info, out := run(t, rt, node(model.OpRelu, 1, 0), 0)
	require.True(t, info.Plain())
	require.Equal(t, []int16{1, 2, 3, 4, 10, 20, 30, 40}, []int16(out))
}

func TestAliases(t *testing.T) {
	rt := newFakeRuntime().tensor(make([]int16, 18), 1, 2, 3, 3).int64s([]int64{1, -1})
	rt.infos[0].Slot, rt.infos[0].Flags = 2, model.FlagTagged
	n := node(model.OpReshape, 2, 0)
	op, err := Resolve(n)
	require.NoError(t, err)
	require.True(t, op.Alias())
	info, err := op.Output(rt, n)
	require.NoError(t, err)
	require.Equal(t, []int{1, 18}, info.Shape())
	require.Equal(t, uint8(2), info.Slot)
	require.Equal(t, model.FlagTagged, info.Flags)

	rt = newFakeRuntime().tensor(make([]int16, 4), 1, 4, 1)
	n = node(model.OpSqueeze, 1, 0)
	op, err = Resolve(n)
	require.NoError(t, err)
	info, err = op.Output(rt, n)
	require.NoError(t, err)
	require.Equal(t, []int{4}, info.Shape())

	testCases := []struct {
		name  string
		shape []int64
	}{
		{"wrong count", []int64{4, 5}},
		{"two unknowns", []int64{-1, -1}},
		{"zero", []int64{0, 18}},
		{"indivisible", []int64{4, -1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime().tensor(make([]int16, 18), 1, 2, 3, 3).int64s(tc.shape)
			n := node(model.OpReshape, 2, 0)
			_, err := reshape{}.Output(rt, n)
			require.ErrorIs(t, err, ErrShape)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(&model.Node{OpType: model.NumOpTypes})
	require.ErrorIs(t, err, ErrUnknownOp)
	_, err = Resolve(node(model.OpConv, 1, 0))
	require.ErrorIs(t, err, ErrArity)
	_, err = Resolve(node(model.OpRelu, 2, 0))
	require.ErrorIs(t, err, ErrArity)

	rt := newFakeRuntime().tensor(make([]int16, 4), 1, 1, 2, 2).tensor(make([]int16, 9), 1, 1, 3, 3)
	_, err = conv{}.Output(rt, node(model.OpConv, 2, 0))
	require.ErrorIs(t, err, ErrShape)
	rt = newFakeRuntime().tensor(make([]int16, 5), 5).tensor(make([]int16, 6), 3, 2)
	_, err = matMul{}.Output(rt, node(model.OpMatMul, 2, 0))
	require.ErrorIs(t, err, ErrShape)
}
