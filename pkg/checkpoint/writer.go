package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/robotalks/icnn/pkg/nvm"
	"github.com/robotalks/icnn/pkg/slots"
)

// outputWriter streams the values of one layer into its slot. Values are
// collected into chunks of at most nvm.MaxTransfer bytes; two chunk
// buffers alternate so a chunk can be filled while the previous one is
// written in the background.
type outputWriter struct {
	d     *Driver
	info  *slots.Info
	base  int
	count int

	tagged bool
	job    int // values per job, 0 without footprints

	data  int // next data value
	pos   int // next stored value
	start int // stored value at the beginning of the chunk
	buf   [2][]byte
	cur   int
	fill  int
}

func (d *Driver) newWriter(layer, start int) (*outputWriter, error) {
	slot := d.plan[layer]
	info, err := d.exec.Slots.Info(slot)
	if err != nil {
		return nil, err
	}
	w := &outputWriter{
		d:      d,
		info:   info,
		base:   d.layout.SlotOffset(slot),
		count:  d.exec.Params[d.graph.NInput+layer].Count(),
		tagged: d.features.StateBits && !d.features.Footprints,
		data:   start,
		pos:    start,
	}
	if d.features.Footprints {
		w.job = d.features.JobValues
		w.pos = start + start/w.job
	}
	w.start = w.pos
	for n := range w.buf {
		w.buf[n] = make([]byte, nvm.MaxTransfer)
	}
	return w, nil
}

// want is the polarity of the attempt at stored offset pos.
func (w *outputWriter) want(pos int) uint8 {
	return w.info.Classify(pos) ^ 1
}

func (w *outputWriter) Put(v int16) error {
	if w.data >= w.count {
		return fmt.Errorf("output overflow: %d values", w.count)
	}
	word := uint16(v)
	if w.tagged {
		word = uint16(w.d.features.Codec.Encode(int64(v), w.want(w.pos)))
	}
	if err := w.word(word); err != nil {
		return err
	}
	w.data++
	if w.job > 0 && (w.data%w.job == 0 || w.data == w.count) {
		job := (w.data - 1) / w.job
		return w.word(uint16(w.d.features.Codec.Encode(int64(job), w.want(w.pos))))
	}
	return nil
}

func (w *outputWriter) word(v uint16) error {
	binary.LittleEndian.PutUint16(w.buf[w.cur][w.fill:], v)
	w.fill += 2
	w.pos++
	if w.fill == len(w.buf[w.cur]) {
		return w.flush()
	}
	return nil
}

func (w *outputWriter) flush() error {
	if w.fill == 0 {
		return nil
	}
	err := w.d.store.Write(w.buf[w.cur][:w.fill], w.base+2*w.start, w.d.features.AsyncWriteDelay)
	w.start, w.cur, w.fill = w.pos, w.cur^1, 0
	return err
}

// Close writes the pending chunk and waits for the background write.
func (w *outputWriter) Close() error {
	if err := w.flush(); err != nil {
		w.d.store.Wait()
		return err
	}
	return w.d.store.Wait()
}

// Done tells whether all values were written.
func (w *outputWriter) Done() bool {
	return w.data == w.count
}
