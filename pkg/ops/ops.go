// Package ops implements the operator handlers over q15 tensors.
//
// Operators never see slots, polarities or the execution record. They
// receive decoded inputs from a Runtime and emit output values, in logical
// NCHW order, to an Output starting at a given element.
package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/robotalks/icnn/pkg/model"
)

var (
	// ErrUnknownOp indicates an operator type outside the table.
	ErrUnknownOp = errors.New("unknown operator")
	// ErrArity indicates a wrong number of inputs.
	ErrArity = errors.New("wrong number of inputs")
	// ErrShape indicates incompatible tensor shapes.
	ErrShape = errors.New("incompatible shapes")
)

// Runtime gives an operator access to its inputs.
type Runtime interface {
	// Input returns the descriptor of input i.
	Input(i int) *model.ParameterInfo
	// Tensor returns the q15 payloads of input i in stored order.
	Tensor(i int) ([]int16, error)
	// Int32s returns a 32-bit input.
	Int32s(i int) ([]int32, error)
	// Int64s returns a 64-bit input.
	Int64s(i int) ([]int64, error)
}

// Output receives output values in order.
type Output interface {
	Put(v int16) error
}

// Operator is the handler of one operator type.
type Operator interface {
	Type() model.OpType
	// Arity returns the accepted number of inputs.
	Arity() (min, max int)
	// Alias tells whether the output is a view of input 0.
	Alias() bool
	// Output derives the output descriptor. Only Dims and Bitwidth are
	// meaningful for non-alias operators.
	Output(rt Runtime, node *model.Node) (model.ParameterInfo, error)
	// Compute emits output elements [start, count).
	Compute(rt Runtime, node *model.Node, out Output, start int) error
}

var table = [model.NumOpTypes]Operator{
	model.OpAdd:      add{},
	model.OpConv:     conv{},
	model.OpMatMul:   matMul{},
	model.OpMaxPool2: maxPool{typ: model.OpMaxPool2, k: 2},
	model.OpMaxPool3: maxPool{typ: model.OpMaxPool3, k: 3},
	model.OpRelu:     relu{},
	model.OpReshape:  reshape{},
	model.OpSqueeze:  squeeze{},
}

// Resolve returns the handler of node, checking its arity.
func Resolve(node *model.Node) (Operator, error) {
	if node.OpType >= model.NumOpTypes {
		return nil, fmt.Errorf("node %q: %w %d", node.Name, ErrUnknownOp, node.OpType)
	}
	op := table[node.OpType]
	if min, max := op.Arity(); len(node.Inputs) < min || len(node.Inputs) > max {
		return nil, fmt.Errorf("node %q: %s: %w: %d", node.Name, node.OpType, ErrArity, len(node.Inputs))
	}
	return op, nil
}

func sat16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	} else if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func emit(out Output, start, count int, fn func(i int) int16) error {
	for i := start; i < count; i++ {
		if err := out.Put(fn(i)); err != nil {
			return err
		}
	}
	return nil
}

// plain returns input i in logical NCHW order.
func plain(rt Runtime, i int) ([]int16, *model.ParameterInfo, error) {
	info := rt.Input(i)
	vals, err := rt.Tensor(i)
	if err != nil {
		return nil, nil, err
	}
	if len(vals) < info.Count() {
		return nil, nil, fmt.Errorf("%w: %d values for %v", ErrShape, len(vals), info.Shape())
	}
	if info.Plain() {
		return vals[:info.Count()], info, nil
	}
	N, C, H, W := info.NCHW()
	out := make([]int16, 0, info.Count())
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			for h := 0; h < H; h++ {
				for w := 0; w < W; w++ {
					out = append(out, vals[info.Index(n, c, h, w)])
				}
			}
		}
	}
	return out, info, nil
}

func output(dims ...int) (model.ParameterInfo, error) {
	if len(dims) > 4 {
		return model.ParameterInfo{}, fmt.Errorf("%w: %d dims", ErrShape, len(dims))
	}
	for _, d := range dims {
		if d <= 0 || d > math.MaxUint16 {
			return model.ParameterInfo{}, fmt.Errorf("%w: extent %d", ErrShape, d)
		}
	}
	return model.ParameterInfo{Bitwidth: 16, Dims: model.MakeDims(dims...)}, nil
}

type relu struct{}

func (relu) Type() model.OpType { return model.OpRelu }
func (relu) Arity() (int, int)  { return 1, 1 }
func (relu) Alias() bool        { return false }

func (relu) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	return output(rt.Input(0).Shape()...)
}

func (relu) Compute(rt Runtime, node *model.Node, out Output, start int) error {
	x, _, err := plain(rt, 0)
	if err != nil {
		return err
	}
	return emit(out, start, len(x), func(i int) int16 {
		if x[i] < 0 {
			return 0
		}
		return x[i]
	})
}

type add struct{}

func (add) Type() model.OpType { return model.OpAdd }
func (add) Arity() (int, int)  { return 2, 2 }
func (add) Alias() bool        { return false }

func (add) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	a, b := rt.Input(0), rt.Input(1)
	_, C, _, _ := a.NCHW()
	if n := b.Count(); n != a.Count() && n != C && n != 1 {
		return model.ParameterInfo{}, fmt.Errorf("%w: add %v and %v", ErrShape, a.Shape(), b.Shape())
	}
	return output(a.Shape()...)
}

func (add) Compute(rt Runtime, node *model.Node, out Output, start int) error {
	a, info, err := plain(rt, 0)
	if err != nil {
		return err
	}
	b, _, err := plain(rt, 1)
	if err != nil {
		return err
	}
	_, C, H, W := info.NCHW()
	other := func(i int) int16 {
		switch len(b) {
		case len(a):
			return b[i]
		case 1:
			return b[0]
		}
		return b[(i/(H*W))%C]
	}
	return emit(out, start, len(a), func(i int) int16 {
		return sat16(int64(a[i]) + int64(other(i)))
	})
}

type maxPool struct {
	typ model.OpType
	k   int
}

func (p maxPool) Type() model.OpType { return p.typ }
func (maxPool) Arity() (int, int)    { return 1, 1 }
func (maxPool) Alias() bool          { return false }

func (p maxPool) geometry(x *model.ParameterInfo, node *model.Node) (stride, ho, wo int, err error) {
	_, _, H, W := x.NCHW()
	if H < p.k || W < p.k {
		return 0, 0, 0, fmt.Errorf("%w: pool %d over %v", ErrShape, p.k, x.Shape())
	}
	if stride = node.Flags.Stride(); stride == 0 {
		stride = p.k
	}
	return stride, (H-p.k)/stride + 1, (W-p.k)/stride + 1, nil
}

func (p maxPool) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	x := rt.Input(0)
	_, ho, wo, err := p.geometry(x, node)
	if err != nil {
		return model.ParameterInfo{}, err
	}
	N, C, _, _ := x.NCHW()
	return output(N, C, ho, wo)
}

func (p maxPool) Compute(rt Runtime, node *model.Node, out Output, start int) error {
	x, info, err := plain(rt, 0)
	if err != nil {
		return err
	}
	stride, ho, wo, err := p.geometry(info, node)
	if err != nil {
		return err
	}
	N, C, H, W := info.NCHW()
	return emit(out, start, N*C*ho*wo, func(i int) int16 {
		plane := i / (ho * wo)
		y, xo := (i/wo)%ho, i%wo
		base := plane * H * W
		v := int16(math.MinInt16)
		for ky := 0; ky < p.k; ky++ {
			for kx := 0; kx < p.k; kx++ {
				if e := x[base+(y*stride+ky)*W+xo*stride+kx]; e > v {
					v = e
				}
			}
		}
		return v
	})
}
