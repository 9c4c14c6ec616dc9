package ops

import (
	"fmt"

	"github.com/robotalks/icnn/pkg/model"
)

// Alias operators reinterpret the dimensions of input 0 in place.

type reshape struct{}

func (reshape) Type() model.OpType { return model.OpReshape }
func (reshape) Arity() (int, int)  { return 2, 2 }
func (reshape) Alias() bool        { return true }

func (reshape) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	x := *rt.Input(0)
	if !x.Plain() {
		return x, fmt.Errorf("%w: reshape of non-plain layout %s", ErrShape, &x)
	}
	shape, err := rt.Int64s(1)
	if err != nil {
		return x, err
	}
	dims := make([]int, len(shape))
	infer, known := -1, 1
	for n, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = n
		case d > 0:
			dims[n] = int(d)
			known *= int(d)
		default:
			return x, fmt.Errorf("%w: reshape to %v", ErrShape, shape)
		}
	}
	if infer >= 0 {
		if known == 0 || x.Count()%known != 0 {
			return x, fmt.Errorf("%w: reshape %v to %v", ErrShape, x.Shape(), shape)
		}
		dims[infer] = x.Count() / known
		known *= dims[infer]
	}
	if known != x.Count() {
		return x, fmt.Errorf("%w: reshape %v to %v", ErrShape, x.Shape(), shape)
	}
	info, err := output(dims...)
	if err != nil {
		return x, err
	}
	x.Dims = info.Dims
	return x, nil
}

func (reshape) Compute(Runtime, *model.Node, Output, int) error {
	return nil
}

type squeeze struct{}

func (squeeze) Type() model.OpType { return model.OpSqueeze }
func (squeeze) Arity() (int, int)  { return 1, 1 }
func (squeeze) Alias() bool        { return true }

func (squeeze) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	x := *rt.Input(0)
	if !x.Plain() {
		return x, fmt.Errorf("%w: squeeze of non-plain layout %s", ErrShape, &x)
	}
	var dims []int
	for _, d := range x.Shape() {
		if d != 1 {
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		dims = []int{1}
	}
	x.Dims = model.MakeDims(dims...)
	return x, nil
}

func (squeeze) Compute(Runtime, *model.Node, Output, int) error {
	return nil
}
