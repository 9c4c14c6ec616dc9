package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/model/modeltest"
	"github.com/robotalks/icnn/pkg/nvm"
	"github.com/robotalks/icnn/pkg/slots"
	"github.com/robotalks/icnn/pkg/telemetry"
)

func flash(t *testing.T, desc *model.Description) (*nvm.FaultDevice, *nvm.MemDevice, *layout.Layout) {
	return flashOn(t, modeltest.Config, desc)
}

func flashOn(t *testing.T, conf layout.Config, desc *model.Description) (*nvm.FaultDevice, *nvm.MemDevice, *layout.Layout) {
	mem, l := modeltest.FlashWith(t, conf, desc)
	return nvm.NewFaultDevice(mem), mem, l
}

func open(t *testing.T, dev nvm.Device, l *layout.Layout, f Features, opts ...Option) *Driver {
	s, err := nvm.NewStore(dev, l, nil)
	require.NoError(t, err)
	d, err := Open(s, f, opts...)
	require.NoError(t, err)
	return d
}

// reference runs one sample without faults and returns the values of
// every node output.
func reference(t *testing.T, desc *model.Description, f Features) [][]int16 {
	return referenceOn(t, modeltest.Config, desc, f)
}

func referenceOn(t *testing.T, conf layout.Config, desc *model.Description, f Features) [][]int16 {
	dev, _, l := flashOn(t, conf, desc)
	d := open(t, dev, l, f)
	state, err := d.Boot(false)
	require.NoError(t, err)
	require.Equal(t, Fresh, state)
	var outs [][]int16
	for layer := range d.Graph().Nodes {
		finished, err := d.RunLayer(context.Background())
		require.NoError(t, err)
		require.Equal(t, layer == len(d.Graph().Nodes)-1, finished)
		vals, err := d.Tensor(d.Graph().NInput + layer)
		require.NoError(t, err)
		outs = append(outs, vals)
	}
	return outs
}

func footprints(job int) Features {
	f := DefaultFeatures
	f.Footprints, f.JobValues = true, job
	return f
}

func async() Features {
	f := DefaultFeatures
	f.AsyncWriteDelay = time.Millisecond
	return f
}

func untracked() Features {
	f := DefaultFeatures
	f.StateBits, f.PerLayerCounters = false, false
	return f
}

func TestFeaturesValidate(t *testing.T) {
	testCases := []struct {
		name  string
		fn    func(*Features)
		valid bool
	}{
		{"default", func(*Features) {}, true},
		{"footprints", func(f *Features) { f.Footprints = true }, true},
		{"no state bits", func(f *Features) { f.StateBits = false }, true},
		{"footprints without state bits", func(f *Features) { f.StateBits, f.Footprints = false, true }, false},
		{"empty job", func(f *Features) { f.Footprints, f.JobValues = true, 0 }, false},
		{"iq31 codec", func(f *Features) { f.Codec.Width = 32 }, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := DefaultFeatures
			tc.fn(&f)
			if tc.valid {
				require.NoError(t, f.Validate())
			} else {
				require.ErrorIs(t, f.Validate(), ErrInvalidFeatures)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	testCases := []struct {
		name     string
		desc     *model.Description
		features Features
		plan     []int
		lens     []uint32
		flags    uint8
	}{
		{"tiny", modeltest.TinyCNN(), DefaultFeatures, []int{0, 1, 0, 1}, []uint32{144, 144, 36, 8}, model.FlagTagged},
		{"extended", modeltest.ExtendedCNN(), DefaultFeatures, []int{0, 1, 2, 0, -1, 1, -1}, []uint32{144, 144, 144, 36, 36, 8, 8}, model.FlagTagged},
		{"footprints", modeltest.TinyCNN(), footprints(16), []int{0, 1, 0, 1}, []uint32{154, 154, 40, 10}, model.FlagFootprint},
		{"untracked", modeltest.TinyCNN(), untracked(), []int{0, 1, 0, 1}, []uint32{144, 144, 36, 8}, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev, _, l := flash(t, tc.desc)
			d := open(t, dev, l, tc.features)
			require.Equal(t, tc.plan, d.Plan())
			params := d.Params()[d.Graph().NInput:]
			for n, info := range params {
				require.Equal(t, tc.lens[n], info.ParamsLen, "node %d", n)
				require.Equal(t, tc.flags, info.Flags, "node %d", n)
				require.Equal(t, uint32(0), info.ParamsOffset)
				if tc.plan[n] >= 0 {
					require.Equal(t, uint8(tc.plan[n]), info.Slot)
				}
			}
			// Open only reads
			require.Equal(t, 0, dev.Writes())
		})
	}
}

func TestPlanErrors(t *testing.T) {
	input := model.TensorDesc{Name: "input", Dims: []int{1, 1, 8, 8}, Samples: [][]int64{make([]int64, 64)}}

	crowded := &model.Description{
		Name:   "crowded",
		Inputs: []model.TensorDesc{input},
		Nodes: []model.NodeDesc{
			{Name: "a", Op: "Relu", Inputs: []string{"input"}},
			{Name: "b", Op: "Relu", Inputs: []string{"input"}},
			{Name: "c", Op: "Relu", Inputs: []string{"input"}},
			{Name: "d", Op: "Add", Inputs: []string{"a", "b"}},
			{Name: "e", Op: "Add", Inputs: []string{"d", "c"}},
		},
	}
	dev, _, l := flash(t, crowded)
	s, err := nvm.NewStore(dev, l, nil)
	require.NoError(t, err)
	_, err = Open(s, DefaultFeatures)
	require.ErrorIs(t, err, ErrNoFreeSlot)

	wide := &model.Description{
		Name: "wide",
		Inputs: []model.TensorDesc{
			input,
			{Name: "w", Dims: []int{5, 1, 1, 1}, Data: []int64{1, 2, 3, 4, 5}},
		},
		Nodes: []model.NodeDesc{{Name: "conv", Op: "Conv", Inputs: []string{"input", "w"}}},
	}
	dev, _, l = flash(t, wide)
	s, err = nvm.NewStore(dev, l, nil)
	require.NoError(t, err)
	_, err = Open(s, DefaultFeatures)
	require.ErrorIs(t, err, ErrOutputTooLarge)
}

func TestTurningPointCapacity(t *testing.T) {
	testCases := []struct {
		name     string
		nodes    int
		features Features
		fits     bool
	}{
		// 8 lengths per slot
		{"fits", 16, DefaultFeatures, true},
		// 10 lengths on slot 0
		{"overflow", 19, DefaultFeatures, false},
		{"untracked", 19, untracked(), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev, _, l := flashOn(t, modeltest.LargeConfig, modeltest.Chain(tc.nodes))
			s, err := nvm.NewStore(dev, l, nil)
			require.NoError(t, err)
			d, err := Open(s, tc.features)
			if !tc.fits {
				require.ErrorIs(t, err, slots.ErrTooManyTurningPoints)
				require.Zero(t, dev.Writes())
				return
			}
			require.NoError(t, err)
			_, err = d.Boot(false)
			require.NoError(t, err)
			for run := 0; run < 2; run++ {
				require.NoError(t, d.RunSample(context.Background()))
			}
			require.Equal(t, uint16(2), d.Record().RunCounter)
			for slot := 0; slot < d.Slots().Len(); slot++ {
				info, err := d.Slots().Info(slot)
				require.NoError(t, err)
				require.Empty(t, info.TurningPoints)
			}
		})
	}
}

func TestMalformedRecord(t *testing.T) {
	dev, mem, l := flash(t, modeltest.TinyCNN())
	_, err := mem.WriteAt(make([]byte, layout.RecordSize(l.Config.NumSlots)), int64(l.RecordOffset(1)))
	require.NoError(t, err)
	s, err := nvm.NewStore(dev, l, nil)
	require.NoError(t, err)
	_, err = Open(s, DefaultFeatures)
	require.ErrorIs(t, err, model.ErrMalformedRecord)
}

func TestBootStates(t *testing.T) {
	ctx := context.Background()
	dev, _, l := flash(t, modeltest.TinyCNN())
	d := open(t, dev, l, DefaultFeatures)
	state, err := d.Boot(false)
	require.NoError(t, err)
	require.Equal(t, Fresh, state)
	_, err = d.RunLayer(ctx)
	require.NoError(t, err)

	d = open(t, dev, l, DefaultFeatures)
	state, err = d.Boot(false)
	require.NoError(t, err)
	require.Equal(t, Running, state)
	rec := d.Record()
	require.True(t, rec.Running)
	require.True(t, rec.Recovery)
	require.Equal(t, uint16(1), rec.LayerIdx)
	require.NoError(t, d.Verify())
	require.NoError(t, d.RunSample(ctx))

	d = open(t, dev, l, DefaultFeatures)
	state, err = d.Boot(false)
	require.NoError(t, err)
	require.Equal(t, Finalized, state)
	rec = d.Record()
	require.False(t, rec.Running)
	require.False(t, rec.Recovery)
	require.Equal(t, uint16(1), rec.RunCounter)
	require.Equal(t, uint16(1), rec.SampleIdx)
	require.Equal(t, rec.Version, rec.BitsVersion)

	d = open(t, dev, l, DefaultFeatures)
	state, err = d.Boot(true)
	require.NoError(t, err)
	require.Equal(t, Fresh, state)
	rec = d.Record()
	require.Equal(t, uint16(0), rec.RunCounter)
	require.Equal(t, []uint8{0, 0, 0}, rec.StateBits)
	for slot := 0; slot < d.Slots().Len(); slot++ {
		info, err := d.Slots().Info(slot)
		require.NoError(t, err)
		require.Empty(t, info.TurningPoints)
	}
}

func TestCancelled(t *testing.T) {
	dev, _, l := flash(t, modeltest.TinyCNN())
	d := open(t, dev, l, DefaultFeatures)
	_, err := d.Boot(false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.RunSample(ctx), context.Canceled)
	require.False(t, d.Record().Running)
}

func TestModes(t *testing.T) {
	ref := reference(t, modeltest.TinyCNN(), DefaultFeatures)
	testCases := []struct {
		name     string
		features Features
	}{
		{"async", async()},
		{"global counters", func() Features { f := DefaultFeatures; f.PerLayerCounters = false; return f }()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, ref, reference(t, modeltest.TinyCNN(), tc.features))
		})
	}

	// footprints and untagged values keep the full q15 range, values inside
	// the tagged range agree
	for _, f := range []Features{footprints(16), footprints(5), untracked()} {
		outs := reference(t, modeltest.TinyCNN(), f)
		for n := range outs {
			require.Len(t, outs[n], len(ref[n]))
			for i, v := range outs[n] {
				if v > -0x3fff && v < 0x3fff {
					require.Equal(t, v, ref[n][i], "node %d value %d", n, i)
				}
			}
		}
	}
}

func TestSamples(t *testing.T) {
	ctx := context.Background()
	dev, _, l := flash(t, modeltest.TinyCNN())
	d := open(t, dev, l, DefaultFeatures, WithSamples(2))
	require.Equal(t, 2, d.NumSamples())
	_, err := d.Boot(false)
	require.NoError(t, err)

	var outs [][]int16
	for n := 0; n < 3; n++ {
		require.NoError(t, d.RunSample(ctx))
		require.Equal(t, uint16((n+1)%2), d.Record().SampleIdx)
		out, err := d.Output()
		require.NoError(t, err)
		outs = append(outs, out)
	}
	require.Equal(t, uint16(3), d.Record().RunCounter)
	require.Equal(t, outs[0], outs[2])

	d = open(t, dev, l, DefaultFeatures, WithSamples(100))
	require.Equal(t, 2, d.NumSamples())
}

func TestNotifier(t *testing.T) {
	var events []telemetry.Event
	n := telemetry.NotifyFunc(func(e telemetry.Event) error {
		events = append(events, e)
		return nil
	})
	dev, _, l := flash(t, modeltest.ExtendedCNN())
	d := open(t, dev, l, DefaultFeatures, WithNotifier(n))
	_, err := d.Boot(false)
	require.NoError(t, err)
	require.NoError(t, d.RunSample(context.Background()))

	var kinds []telemetry.Kind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	layers := make([]telemetry.Kind, 7)
	for i := range layers {
		layers[i] = telemetry.LayerCommitted
	}
	expect := append([]telemetry.Kind{telemetry.Boot}, layers...)
	require.Equal(t, append(expect, telemetry.SampleFinished), kinds)
	require.Equal(t, 3, events[3].LayerIdx)
	last := events[len(events)-1]
	require.Equal(t, 1, last.RunCounter)
	require.Equal(t, 1, last.SampleIdx)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	dev, _, l := flash(t, modeltest.TinyCNN())
	d := open(t, dev, l, DefaultFeatures)
	_, err := d.Boot(false)
	require.NoError(t, err)

	c := d.Counters()
	_, err = d.RunLayer(ctx)
	require.NoError(t, err)
	c.Tick()
	_, err = d.RunLayer(ctx)
	require.NoError(t, err)
	c.Tick()
	c.Pause()
	c.Tick()
	c.Resume()
	_, err = d.RunLayer(ctx)
	require.NoError(t, err)

	shared := NewCounters(l.Config.CountersLen)
	d = open(t, dev, l, DefaultFeatures, WithCounters(shared))
	require.Same(t, shared, d.Counters())
	snap := shared.Snapshot()
	require.Equal(t, uint32(2), snap.Index)
	require.Equal(t, []uint32{1, 1, 0}, snap.Time[:3])
	require.Equal(t, []uint32{1, 0, 0}, snap.Power[:3])

	_, err = d.Boot(false)
	require.NoError(t, err)
	require.Equal(t, uint32(1), shared.Snapshot().Power[2])
}
