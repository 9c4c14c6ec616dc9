package debug

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/slots"
)

type countingPauser struct {
	paused, resumed int
}

func (p *countingPauser) Pause()  { p.paused++ }
func (p *countingPauser) Resume() { p.resumed++ }

func TestMatrix(t *testing.T) {
	var buf bytes.Buffer
	p := &countingPauser{}
	d := &Dumper{W: &buf, Integer: true, Pauser: p}
	d.Matrix([]int16{1, -2, 300}, 1)
	require.Equal(t, "Scale: 1\n     1     -2    300 \n", buf.String())
	require.Equal(t, 1, p.paused)
	require.Equal(t, 1, p.resumed)

	buf.Reset()
	d.Integer = false
	d.Matrix([]int16{0x4000}, 2)
	require.Equal(t, "Scale: 2\n     1.000000\n", buf.String())

	buf.Reset()
	d.Integer = true
	d.Matrix2D([]int16{1, 2, 3, 4, 5, 6}, 3, 2, 1)
	require.Equal(t, "Scale: 1 (transposed)\n     1      3      5 \n     2      4      6 \n\n", buf.String())
}

func TestParams(t *testing.T) {
	testCases := []struct {
		name   string
		info   model.ParameterInfo
		vals   []int16
		nhwc   bool
		expect string
	}{
		{
			"nchw",
			model.ParameterInfo{Slot: model.SlotParameters, ParamsLen: 8, Dims: model.MakeDims(1, 2, 1, 2)},
			[]int16{1, 2, 3, 4}, false,
			"Matrix 0\nChannel 0\n     1      2 \n\nChannel 1\n     3      4 \n\n\n",
		},
		{
			"tiled",
			model.ParameterInfo{Slot: model.SlotParameters, ParamsLen: 8, Dims: model.MakeDims(1, 2, 1, 2), TileC: 2},
			[]int16{1, 3, 2, 4}, false,
			"Matrix 0\nChannel 0\n     1      2 \n\nChannel 1\n     3      4 \n\n\n",
		},
		{
			"nhwc",
			model.ParameterInfo{Slot: model.SlotParameters, ParamsLen: 8, Dims: model.MakeDims(1, 2, 1, 2)},
			[]int16{1, 3, 2, 4}, true,
			"Matrix 0\nChannel 0\n     1      2 \n\nChannel 1\n     3      4 \n\n\n",
		},
		{
			"nhwc transposed",
			model.ParameterInfo{Slot: model.SlotParameters, ParamsLen: 8, Dims: model.MakeDims(1, 1, 2, 2), Flags: model.FlagTransposed},
			[]int16{1, 3, 2, 4}, true,
			"Matrix 0\nChannel 0\n     1      2 \n     3      4 \n\n\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			d := &Dumper{W: &buf, Integer: true}
			var err error
			if tc.nhwc {
				err = d.ParamsNHWC(&tc.info, tc.vals, nil)
			} else {
				err = d.Params(&tc.info, tc.vals, nil)
			}
			require.NoError(t, err)
			require.Equal(t, "Slot: 254\nScale: 0\nParams len: 8\n"+tc.expect, buf.String())
		})
	}

	var buf bytes.Buffer
	d := &Dumper{W: &buf, Integer: true}
	info := model.ParameterInfo{Slot: 1, ParamsLen: 8, Dims: model.MakeDims(4)}
	tbl := slots.NewTable(2, 4)
	require.NoError(t, tbl.SetStateBit(1, 1))
	require.NoError(t, d.Params(&info, []int16{1, 2, 3, 4}, tbl))
	require.Contains(t, buf.String(), "State: 1\n")
}

func TestTurningPoints(t *testing.T) {
	tbl := slots.NewTable(2, 4)
	require.NoError(t, tbl.Toggle(1, 18, 256))
	require.NoError(t, tbl.Toggle(1, 72, 256))
	var buf bytes.Buffer
	d := &Dumper{W: &buf}
	require.NoError(t, d.TurningPoints(tbl, &model.ParameterInfo{Slot: 1}))
	require.Equal(t, "Initial state bit for slot 1: 0\n2 turning point(s) for slot 1: 18 72 \n", buf.String())

	buf.Reset()
	require.NoError(t, d.TurningPoints(tbl, &model.ParameterInfo{Slot: model.SlotParameters}))
	require.Equal(t, "254 is not a normal slot\n", buf.String())

	info, err := tbl.Info(1)
	require.NoError(t, err)
	info.TurningPoints = []uint16{72, 18}
	require.ErrorIs(t, d.TurningPoints(tbl, &model.ParameterInfo{Slot: 1}), slots.ErrNotIncreasing)
}

func TestModelAndCounters(t *testing.T) {
	g := &model.Graph{Nodes: []model.Node{
		{Inputs: []int16{0, 1, 2}},
		{Inputs: []int16{3}},
	}}
	var buf bytes.Buffer
	d := &Dumper{W: &buf}
	d.Model(g, 1)
	require.Equal(t, "scheduled     (0, 1, 2)\nnot scheduled (3)\n", buf.String())

	buf.Reset()
	c := model.NewCounters(2)
	c.Index, c.Time[1], c.Power[0] = 1, 5, 2
	d.Counters(c)
	require.Equal(t, "counters index = 1\n  0: time=0 power=2\n  1: time=5 power=0\n", buf.String())
}
