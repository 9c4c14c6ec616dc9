package ops

import (
	"fmt"

	"github.com/robotalks/icnn/pkg/model"
)

type conv struct{}

func (conv) Type() model.OpType { return model.OpConv }
func (conv) Arity() (int, int)  { return 2, 3 }
func (conv) Alias() bool        { return false }

type convShape struct {
	n, c, h, w int
	m, kh, kw  int
	stride     int
	ho, wo     int
}

func convGeometry(node *model.Node, x, w *model.ParameterInfo) (s convShape, err error) {
	s.n, s.c, s.h, s.w = x.NCHW()
	var c int
	s.m, c, s.kh, s.kw = w.NCHW()
	if c != s.c {
		return s, fmt.Errorf("%w: conv input %v weights %v", ErrShape, x.Shape(), w.Shape())
	}
	if k := node.Flags.KernelSize(); k != 0 && (k != s.kh || k != s.kw) {
		return s, fmt.Errorf("%w: kernel size %d, weights %v", ErrShape, k, w.Shape())
	}
	if s.kh > s.h || s.kw > s.w {
		return s, fmt.Errorf("%w: kernel %dx%d over %v", ErrShape, s.kh, s.kw, x.Shape())
	}
	if s.stride = node.Flags.Stride(); s.stride == 0 {
		s.stride = 1
	}
	s.ho, s.wo = (s.h-s.kh)/s.stride+1, (s.w-s.kw)/s.stride+1
	return s, nil
}

func (conv) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	s, err := convGeometry(node, rt.Input(0), rt.Input(1))
	if err != nil {
		return model.ParameterInfo{}, err
	}
	if len(node.Inputs) > 2 && rt.Input(2).Count() != s.m {
		return model.ParameterInfo{}, fmt.Errorf("%w: %d biases for %d filters", ErrShape, rt.Input(2).Count(), s.m)
	}
	return output(s.n, s.m, s.ho, s.wo)
}

func bias(rt Runtime, node *model.Node, m int) ([]int64, error) {
	out := make([]int64, m)
	if len(node.Inputs) < 3 {
		return out, nil
	}
	if rt.Input(2).Bitwidth == 32 {
		vals, err := rt.Int32s(2)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = int64(vals[i])
		}
		return out, nil
	}
	vals, err := rt.Tensor(2)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = int64(vals[i])
	}
	return out, nil
}

func (conv) Compute(rt Runtime, node *model.Node, out Output, start int) error {
	x, xi, err := plain(rt, 0)
	if err != nil {
		return err
	}
	w, wi, err := plain(rt, 1)
	if err != nil {
		return err
	}
	s, err := convGeometry(node, xi, wi)
	if err != nil {
		return err
	}
	b, err := bias(rt, node, s.m)
	if err != nil {
		return err
	}
	return emit(out, start, s.n*s.m*s.ho*s.wo, func(i int) int16 {
		n, m := i/(s.m*s.ho*s.wo), (i/(s.ho*s.wo))%s.m
		y, xo := (i/s.wo)%s.ho, i%s.wo
		var acc int64
		for c := 0; c < s.c; c++ {
			for ky := 0; ky < s.kh; ky++ {
				row := ((n*s.c+c)*s.h+y*s.stride+ky)*s.w + xo*s.stride
				krow := ((m*s.c+c)*s.kh + ky) * s.kw
				for kx := 0; kx < s.kw; kx++ {
					acc += int64(x[row+kx]) * int64(w[krow+kx])
				}
			}
		}
		return sat16(acc>>15 + b[m])
	})
}

type matMul struct{}

func (matMul) Type() model.OpType { return model.OpMatMul }
func (matMul) Arity() (int, int)  { return 2, 2 }
func (matMul) Alias() bool        { return false }

func matMulGeometry(a, b *model.ParameterInfo) (rows, k, cols int, err error) {
	n, c, k, cols := b.NCHW()
	if n*c != 1 {
		return 0, 0, 0, fmt.Errorf("%w: matmul weights %v", ErrShape, b.Shape())
	}
	if total := a.Count(); total == 0 || total%k != 0 {
		return 0, 0, 0, fmt.Errorf("%w: matmul %v by %v", ErrShape, a.Shape(), b.Shape())
	}
	return a.Count() / k, k, cols, nil
}

func (matMul) Output(rt Runtime, node *model.Node) (model.ParameterInfo, error) {
	rows, _, cols, err := matMulGeometry(rt.Input(0), rt.Input(1))
	if err != nil {
		return model.ParameterInfo{}, err
	}
	return output(rows, cols)
}

func (matMul) Compute(rt Runtime, node *model.Node, out Output, start int) error {
	a, ai, err := plain(rt, 0)
	if err != nil {
		return err
	}
	bi := rt.Input(1)
	b, err := rt.Tensor(1)
	if err != nil {
		return err
	}
	rows, k, cols, err := matMulGeometry(ai, bi)
	if err != nil {
		return err
	}
	return emit(out, start, rows*cols, func(i int) int16 {
		r, j := i/cols, i%cols
		var acc int64
		for t := 0; t < k; t++ {
			acc += int64(a[r*k+t]) * int64(b[bi.Index(0, 0, t, j)])
		}
		return sat16(acc >> 15)
	})
}
