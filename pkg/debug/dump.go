// Package debug renders model tensors and progress state as text.
package debug

import (
	"fmt"
	"io"

	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/slots"
)

// Pauser suspends time counting while dumping.
type Pauser interface {
	Pause()
	Resume()
}

// Dumper writes diagnostic dumps. It never writes to NVM.
type Dumper struct {
	W io.Writer
	// Integer prints raw q15 values instead of scaled reals.
	Integer bool
	Pauser  Pauser
}

func (d *Dumper) pause() func() {
	if d.Pauser == nil {
		return func() {}
	}
	d.Pauser.Pause()
	return d.Pauser.Resume
}

func (d *Dumper) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.W, format, args...)
}

func (d *Dumper) value(v int16, scale uint16) {
	if d.Integer {
		d.printf("% 6d ", v)
		return
	}
	if scale == 0 {
		scale = 1
	}
	d.printf("% 13.6f", float64(v)*float64(scale)/32768)
}

// Matrix prints values 16 per line.
func (d *Dumper) Matrix(vals []int16, scale uint16) {
	defer d.pause()()
	d.printf("Scale: %d\n", scale)
	for n, v := range vals {
		d.value(v, scale)
		if n%16 == 15 {
			d.printf("\n")
		}
	}
	d.printf("\n")
}

// Matrix2D prints a rows by cols matrix, column by column when it has
// more rows than columns.
func (d *Dumper) Matrix2D(vals []int16, rows, cols int, scale uint16) {
	defer d.pause()()
	d.printf("Scale: %d", scale)
	if rows > cols {
		d.printf(" (transposed)\n")
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				d.value(vals[i*cols+j], scale)
			}
			d.printf("\n")
		}
	} else {
		d.printf("\n")
		for n := 0; n < rows*cols; n++ {
			d.value(vals[n], scale)
			if (n+1)%cols == 0 {
				d.printf("\n")
			}
		}
	}
	d.printf("\n")
}

func (d *Dumper) common(info *model.ParameterInfo, t *slots.Table) {
	d.printf("Slot: %d\n", info.Slot)
	d.printf("Scale: %d\n", info.Scale)
	d.printf("Params len: %d\n", info.ParamsLen)
	if t != nil && int(info.Slot) < t.Len() {
		if si, err := t.Info(int(info.Slot)); err == nil {
			d.printf("State: %d\n", si.StateBit)
		}
	}
}

// realNum derives the batch size from the values actually present.
func realNum(info *model.ParameterInfo, count int) int {
	n, c, h, w := info.NCHW()
	if n*c*h*w != count {
		return count / (c * h * w)
	}
	return n
}

func (d *Dumper) tensor(info *model.ParameterInfo, vals []int16, t *slots.Table, index func(n, c, h, w int) int) error {
	defer d.pause()()
	N, C, H, W := info.NCHW()
	N = realNum(info, len(vals))
	d.common(info, t)
	for n := 0; n < N; n++ {
		d.printf("Matrix %d\n", n)
		for c := 0; c < C; c++ {
			d.printf("Channel %d\n", c)
			for h := 0; h < H; h++ {
				for w := 0; w < W; w++ {
					i := index(n, c, h, w)
					if i >= len(vals) {
						return fmt.Errorf("%s: value %d of %d", info, i, len(vals))
					}
					d.value(vals[i], info.Scale)
				}
				d.printf("\n")
			}
			d.printf("\n")
		}
		d.printf("\n")
	}
	return nil
}

// Params prints a tensor channel by channel in logical NCHW order. vals
// are in stored order.
func (d *Dumper) Params(info *model.ParameterInfo, vals []int16, t *slots.Table) error {
	return d.tensor(info, vals, t, info.Index)
}

// ParamsNHWC prints a tensor stored channel-last, or width-major when
// transposed.
func (d *Dumper) ParamsNHWC(info *model.ParameterInfo, vals []int16, t *slots.Table) error {
	_, C, H, W := info.NCHW()
	return d.tensor(info, vals, t, func(n, c, h, w int) int {
		off := n * W * H * C
		if info.Flags&model.FlagTransposed != 0 {
			return off + w*H*C + h*C + c
		}
		return off + h*W*C + w*C + c
	})
}

// TurningPoints prints the state of the slot holding info, failing on a
// sequence that is not strictly increasing.
func (d *Dumper) TurningPoints(t *slots.Table, info *model.ParameterInfo) error {
	slot := int(info.Slot)
	if slot >= t.Len() {
		d.printf("%d is not a normal slot\n", slot)
		return nil
	}
	si, err := t.Info(slot)
	if err != nil {
		return err
	}
	d.printf("Initial state bit for slot %d: %d\n", slot, si.StateBit)
	d.printf("%d turning point(s) for slot %d: ", len(si.TurningPoints), slot)
	last := 0
	for _, pt := range si.TurningPoints {
		if int(pt) <= last {
			d.printf("\n")
			return &slots.OrderError{Slot: slot, Prev: last, Offset: int(pt)}
		}
		d.printf("%d ", pt)
		last = int(pt)
	}
	d.printf("\n")
	return nil
}

// Model lists the nodes with their inputs, marking those before layerIdx
// as scheduled.
func (d *Dumper) Model(g *model.Graph, layerIdx int) {
	for n := range g.Nodes {
		if n < layerIdx {
			d.printf("scheduled     ")
		} else {
			d.printf("not scheduled ")
		}
		d.printf("(")
		for k, ref := range g.Nodes[n].Inputs {
			if k > 0 {
				d.printf(", ")
			}
			d.printf("%d", ref)
		}
		d.printf(")\n")
	}
}

// Counters prints the time and power counters per entry.
func (d *Dumper) Counters(c model.Counters) {
	d.printf("counters index = %d\n", c.Index)
	for n := range c.Time {
		d.printf("%3d: time=%d power=%d\n", n, c.Time[n], c.Power[n])
	}
}
