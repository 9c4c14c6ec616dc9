package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/telemetry"
)

// RunLayer executes and commits the next layer of the current sample,
// starting a sample if none is in progress. After the last layer the
// sample is finalized and finished is true.
func (d *Driver) RunLayer(ctx context.Context) (finished bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec := &d.exec.Record
	if !rec.Running {
		rec.Running, rec.LayerIdx, rec.Recovery = true, 0, false
		if err := d.writeRecord(); err != nil {
			return false, err
		}
		glog.V(1).Infof("sample %d started, run %d", rec.SampleIdx, rec.RunCounter)
	}
	layer := int(rec.LayerIdx)
	if layer < len(d.graph.Nodes) {
		if err := d.execute(layer); err != nil {
			return false, fmt.Errorf("layer %d %q: %w", layer, d.graph.Nodes[layer].Name, err)
		}
		if err := d.commit(layer); err != nil {
			return false, err
		}
		if int(rec.LayerIdx) < len(d.graph.Nodes) {
			return false, nil
		}
	}
	return true, d.finalize()
}

// RunSample runs the remaining layers of the current sample, or a whole
// new one.
func (d *Driver) RunSample(ctx context.Context) error {
	for {
		finished, err := d.RunLayer(ctx)
		if err != nil || finished {
			return err
		}
	}
}

func (d *Driver) execute(layer int) error {
	if d.features.PerLayerCounters {
		d.exec.Counters.SetIndex(layer)
	} else {
		d.exec.Counters.SetIndex(int(d.exec.Record.RunCounter))
	}
	op := d.ops[layer]
	resume := d.resume
	d.resume = false
	if op.Alias() {
		return nil
	}
	start := 0
	if resume {
		var err error
		if start, err = d.resumePoint(layer); err != nil {
			return err
		}
		glog.Infof("layer %d resumed at %d", layer, start)
	}
	w, err := d.newWriter(layer, start)
	if err != nil {
		return err
	}
	if err := op.Compute(d.runtime(layer, d.sampleIdx()), &d.graph.Nodes[layer], w, start); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if !w.Done() {
		return fmt.Errorf("%d of %d values written", w.data, w.count)
	}
	return nil
}

// resumePoint finds the first data value of layer not yet written by the
// current attempt. The written values always form a prefix of the slot,
// so the boundary is found by binary search.
//
// With footprints a job counts as done when the word after its values
// carries the current polarity and the job index. Nothing else marks a
// footprint, so a value left in the slot by an earlier layer that happens
// to match both at a footprint position passes for one and the job is
// skipped.
func (d *Driver) resumePoint(layer int) (int, error) {
	if !d.features.StateBits {
		return 0, nil
	}
	slot := d.plan[layer]
	info, err := d.exec.Slots.Info(slot)
	if err != nil {
		return 0, err
	}
	base := d.layout.SlotOffset(slot)
	count := d.exec.Params[d.graph.NInput+layer].Count()
	c := d.features.Codec
	var rerr error
	var b [2]byte
	stale := func(pos int, payload int64, checkPayload bool) bool {
		if rerr != nil {
			return true
		}
		if rerr = d.store.Read(b[:], base+2*pos); rerr != nil {
			return true
		}
		v := c.Decode(uint64(binary.LittleEndian.Uint16(b[:])))
		return v.Stale(info.Classify(pos)^1) || (checkPayload && v.Payload != payload)
	}
	if !d.features.Footprints {
		n := sort.Search(count, func(i int) bool { return stale(i, 0, false) })
		return n, rerr
	}
	j := d.features.JobValues
	jobs := (count + j - 1) / j
	k := sort.Search(jobs, func(job int) bool {
		n := count - job*j
		if n > j {
			n = j
		}
		return stale(job*(j+1)+n, int64(job), true)
	})
	if k*j > count {
		return count, rerr
	}
	return k * j, rerr
}

// commit persists the output of layer. Each step can be replayed by
// rollForward.
func (d *Driver) commit(layer int) error {
	ref := d.graph.NInput + layer
	b, err := d.exec.Params[ref].MarshalBinary()
	if err != nil {
		return err
	}
	if err := d.store.Write(b, d.layout.ParamInfoOffset(ref), 0); err != nil {
		return err
	}
	if err := d.flushCounters(); err != nil {
		return err
	}
	rec := &d.exec.Record
	rec.LayerIdx = uint16(layer + 1)
	rec.Version++
	tracked := d.tracked(layer)
	if !tracked {
		rec.BitsVersion = rec.Version
	}
	if err := d.writeRecord(); err != nil {
		return err
	}
	if tracked {
		if err := d.applyStateBit(layer); err != nil {
			return err
		}
		if err := d.applyTurningPoint(layer); err != nil {
			return err
		}
	}
	glog.V(1).Infof("layer %d committed, version %d", layer, rec.Version)
	d.notify(telemetry.LayerCommitted)
	return nil
}

// tracked tells whether the commit of layer flips its slot polarity.
func (d *Driver) tracked(layer int) bool {
	return d.features.StateBits && d.plan[layer] >= 0
}

func (d *Driver) applyStateBit(layer int) error {
	rec := &d.exec.Record
	slot := d.plan[layer]
	rec.StateBits[slot] ^= 1
	rec.BitsVersion = rec.Version
	if err := d.writeRecord(); err != nil {
		return err
	}
	return d.exec.Slots.SetStateBit(slot, rec.StateBits[slot])
}

func (d *Driver) applyTurningPoint(layer int) error {
	slot := d.plan[layer]
	n := int(d.exec.Params[d.graph.NInput+layer].ParamsLen) / 2
	if err := d.exec.Slots.Toggle(slot, n, d.layout.SlotValues()); err != nil {
		return err
	}
	info, _ := d.exec.Slots.Info(slot)
	info.Version, info.User = d.exec.Record.Version, int16(layer)
	return d.writeSlot(slot)
}

// rollForward completes the commit of the last committed layer.
func (d *Driver) rollForward() error {
	rec := &d.exec.Record
	if rec.LayerIdx == 0 {
		return nil
	}
	layer := int(rec.LayerIdx) - 1
	if !d.tracked(layer) {
		if rec.BitsVersion != rec.Version {
			rec.BitsVersion = rec.Version
			return d.writeRecord()
		}
		return nil
	}
	if rec.BitsVersion != rec.Version {
		glog.Infof("layer %d: applying state bit", layer)
		if err := d.applyStateBit(layer); err != nil {
			return err
		}
	}
	info, err := d.exec.Slots.Info(d.plan[layer])
	if err != nil {
		return err
	}
	if info.Version != rec.Version {
		glog.Infof("layer %d: applying turning point", layer)
		return d.applyTurningPoint(layer)
	}
	return nil
}

func (d *Driver) finalize() error {
	rec := &d.exec.Record
	d.resume = false
	rec.Running, rec.LayerIdx, rec.Recovery = false, 0, false
	rec.SampleIdx = uint16((int(rec.SampleIdx) + 1) % d.numSamples)
	rec.RunCounter++
	if err := d.writeRecord(); err != nil {
		return err
	}
	if err := d.flushCounters(); err != nil {
		return err
	}
	glog.V(1).Infof("sample finished, run_counter=%d", rec.RunCounter)
	d.notify(telemetry.SampleFinished)
	return nil
}

// Verify checks that the output of the last committed layer of the
// current sample is entirely classified as written.
func (d *Driver) Verify() error {
	rec := &d.exec.Record
	if !rec.Running || rec.LayerIdx == 0 {
		return nil
	}
	layer := int(rec.LayerIdx) - 1
	for layer >= 0 && d.plan[layer] < 0 {
		layer--
	}
	if layer < 0 || !d.features.StateBits {
		return nil
	}
	ref := d.graph.NInput + layer
	raw, err := d.raw(ref, 0, 16)
	if err != nil {
		return err
	}
	info, err := d.exec.Slots.Info(d.plan[layer])
	if err != nil {
		return err
	}
	var positions []int
	if d.features.Footprints {
		j, count := d.features.JobValues, d.exec.Params[ref].Count()
		for job := 0; job*j < count; job++ {
			n := count - job*j
			if n > j {
				n = j
			}
			positions = append(positions, job*(j+1)+n)
		}
	} else {
		for pos := 0; pos < len(raw)/2; pos++ {
			positions = append(positions, pos)
		}
	}
	for _, pos := range positions {
		if d.features.Codec.Stale(uint64(binary.LittleEndian.Uint16(raw[2*pos:])), info.Classify(pos)) {
			return fmt.Errorf("%w: layer %d value %d is stale", ErrInconsistent, layer, pos)
		}
	}
	return nil
}
