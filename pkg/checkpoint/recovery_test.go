package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/model/modeltest"
	"github.com/robotalks/icnn/pkg/nvm"
)

// recordWrite matches writes of a record copy satisfying fn.
func recordWrite(l *layout.Layout, fn func(*model.Record) bool) nvm.WritePredicate {
	return func(seq int, off int64, p []byte) bool {
		if off != int64(l.RecordOffset(0)) && off != int64(l.RecordOffset(1)) {
			return false
		}
		rec, err := model.DecodeRecord(p, l.Config.NumSlots)
		return err == nil && fn(rec)
	}
}

func slotBytes(d *Driver, mem *nvm.MemDevice, layer int) []byte {
	info := d.Params()[d.Graph().NInput+layer]
	off := d.store.Layout().SlotOffset(int(info.Slot))
	return mem.Bytes()[off : off+int(info.ParamsLen)]
}

func TestPowerLossBeforeCommit(t *testing.T) {
	for _, tear := range []int{0, 20} {
		t.Run(fmt.Sprintf("tear %d", tear), func(t *testing.T) {
			ctx := context.Background()
			ref := reference(t, modeltest.TinyCNN(), DefaultFeatures)

			dev, mem, l := flash(t, modeltest.TinyCNN())
			d := open(t, dev, l, DefaultFeatures)
			_, err := d.Boot(false)
			require.NoError(t, err)
			for n := 0; n < 2; n++ {
				_, err := d.RunLayer(ctx)
				require.NoError(t, err)
			}
			dev.Tear(tear).FailWhen(recordWrite(l, func(r *model.Record) bool { return r.LayerIdx == 3 }))
			_, err = d.RunLayer(ctx)
			require.ErrorIs(t, err, nvm.ErrPowerFailure)
			require.True(t, dev.PoweredOff())
			written := slotBytes(d, mem, 2)

			dev.Restore()
			d = open(t, dev, l, DefaultFeatures)
			state, err := d.Boot(false)
			require.NoError(t, err)
			require.Equal(t, Running, state)
			require.Equal(t, uint16(2), d.Record().LayerIdx)
			require.NoError(t, d.Verify())

			slotWrites := 0
			slotRegion := l.Region(layout.Slots)
			dev.FailWhen(func(seq int, off int64, p []byte) bool {
				if slotRegion.Contains(int(off), len(p)) {
					slotWrites++
				}
				return false
			})
			finished, err := d.RunLayer(ctx)
			require.NoError(t, err)
			require.False(t, finished)
			require.Equal(t, uint16(3), d.Record().LayerIdx)
			require.Zero(t, slotWrites)
			require.NoError(t, d.Verify())

			raw, err := d.RawTensor(d.Graph().NInput + 2)
			require.NoError(t, err)
			require.Equal(t, written, raw)
			vals, err := d.Tensor(d.Graph().NInput + 2)
			require.NoError(t, err)
			require.Equal(t, ref[2], vals)

			require.NoError(t, d.RunSample(ctx))
			out, err := d.Output()
			require.NoError(t, err)
			require.Equal(t, ref[3], out)
		})
	}
}

func TestRollForward(t *testing.T) {
	ctx := context.Background()
	ref := reference(t, modeltest.TinyCNN(), DefaultFeatures)
	testCases := []struct {
		name string
		pred func(l *layout.Layout) nvm.WritePredicate
	}{
		{"state bit", func(l *layout.Layout) nvm.WritePredicate {
			// the second record of the layer 1 commit flips the state bit
			n := 0
			return recordWrite(l, func(r *model.Record) bool {
				if r.LayerIdx == 2 {
					n++
				}
				return n == 2
			})
		}},
		{"turning point", func(l *layout.Layout) nvm.WritePredicate {
			return func(seq int, off int64, p []byte) bool {
				return off == int64(l.SlotInfoOffset(1))
			}
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev, _, l := flash(t, modeltest.TinyCNN())
			d := open(t, dev, l, DefaultFeatures)
			_, err := d.Boot(false)
			require.NoError(t, err)
			dev.FailWhen(tc.pred(l))
			require.ErrorIs(t, d.RunSample(ctx), nvm.ErrPowerFailure)
			dev.Restore()

			d = open(t, dev, l, DefaultFeatures)
			state, err := d.Boot(false)
			require.NoError(t, err)
			require.Equal(t, Running, state)
			rec := d.Record()
			require.Equal(t, uint16(2), rec.LayerIdx)
			require.Equal(t, rec.Version, rec.BitsVersion)
			require.Equal(t, uint8(1), rec.StateBits[1])
			info, err := d.Slots().Info(1)
			require.NoError(t, err)
			require.Equal(t, rec.Version, info.Version)
			require.Equal(t, int16(1), info.User)
			require.Equal(t, []uint16{72}, info.TurningPoints)
			require.NoError(t, d.Verify())

			vals, err := d.Tensor(d.Graph().NInput + 1)
			require.NoError(t, err)
			require.Equal(t, ref[1], vals)
			require.NoError(t, d.RunSample(ctx))
			out, err := d.Output()
			require.NoError(t, err)
			require.Equal(t, ref[3], out)
		})
	}
}

// runUntil boots and runs until the run counter reaches runs, the way
// the device main loop does.
func runUntil(dev nvm.Device, l *layout.Layout, f Features, runs int) (*Driver, error) {
	s, err := nvm.NewStore(dev, l, nil)
	if err != nil {
		return nil, err
	}
	d, err := Open(s, f)
	if err != nil {
		return nil, err
	}
	if _, err := d.Boot(false); err != nil {
		return nil, err
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	for int(d.Record().RunCounter) < runs {
		if err := d.RunSample(context.Background()); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func TestPowerLossAtEveryWrite(t *testing.T) {
	small, large := modeltest.Config, modeltest.LargeConfig
	testCases := []struct {
		name     string
		conf     layout.Config
		desc     func() *model.Description
		features Features
	}{
		{"tiny", small, modeltest.TinyCNN, DefaultFeatures},
		{"extended", small, modeltest.ExtendedCNN, DefaultFeatures},
		{"footprints", small, modeltest.TinyCNN, footprints(16)},
		{"short jobs", small, modeltest.ExtendedCNN, footprints(5)},
		{"untracked", small, modeltest.TinyCNN, untracked()},
		{"untracked extended", small, modeltest.ExtendedCNN, untracked()},
		{"async", small, modeltest.ExtendedCNN, async()},
		// outputs span several transfers
		{"wide", large, modeltest.WideCNN, DefaultFeatures},
		{"async wide", large, modeltest.WideCNN, async()},
		{"async wide footprints", large, modeltest.WideCNN, func() Features {
			f := footprints(16)
			f.AsyncWriteDelay = time.Millisecond
			return f
		}()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ref := referenceOn(t, tc.conf, tc.desc(), tc.features)
			expect := ref[len(ref)-1]

			dev, _, l := flashOn(t, tc.conf, tc.desc())
			_, err := runUntil(dev, l, tc.features, 1)
			require.NoError(t, err)
			total := dev.Writes()
			require.Greater(t, total, 0)

			for k := 0; k < total; k++ {
				dev, _, l := flashOn(t, tc.conf, tc.desc())
				dev.FailAfter(k)
				_, err := runUntil(dev, l, tc.features, 1)
				require.ErrorIs(t, err, nvm.ErrPowerFailure, "write %d", k)
				dev.Restore()

				d, err := runUntil(dev, l, tc.features, 1)
				require.NoError(t, err, "write %d", k)
				rec := d.Record()
				require.False(t, rec.Running, "write %d", k)
				require.Equal(t, uint16(1), rec.RunCounter, "write %d", k)
				require.Equal(t, uint16(1), rec.SampleIdx, "write %d", k)
				out, err := d.Output()
				require.NoError(t, err)
				require.Equal(t, expect, out, "write %d", k)
			}
		})
	}
}

func TestRepeatedPowerLoss(t *testing.T) {
	ref := reference(t, modeltest.ExtendedCNN(), DefaultFeatures)
	dev, _, l := flash(t, modeltest.ExtendedCNN())
	boots := 0
	for {
		// enough writes for a first run and one layer per boot
		dev.FailAfter(12)
		d, err := runUntil(dev, l, DefaultFeatures, 1)
		boots++
		require.Less(t, boots, 100)
		if err == nil {
			out, err := d.Output()
			require.NoError(t, err)
			require.Equal(t, ref[len(ref)-1], out)
			require.Equal(t, uint16(1), d.Record().RunCounter)
			break
		}
		require.ErrorIs(t, err, nvm.ErrPowerFailure)
		dev.Restore()
	}
	require.Greater(t, boots, 1)
}
