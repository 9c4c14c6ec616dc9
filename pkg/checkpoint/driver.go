// Package checkpoint drives layer-by-layer inference over the NVM store so
// that the computation survives power failures at any write.
//
// Each layer output goes to an intermediate-value slot. A layer commit is
// a sequence of idempotent writes: the output parameter info and counters,
// the record with the advanced layer index, the record with the flipped
// slot state bit, and finally the slot entry with the toggled turning
// point. Boot classifies an interrupted sequence from the record versions
// and replays its remaining steps.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/nvm"
	"github.com/robotalks/icnn/pkg/ops"
	"github.com/robotalks/icnn/pkg/slots"
	"github.com/robotalks/icnn/pkg/telemetry"
)

const firstRunMagic = 0x4e56

var (
	// ErrNoFreeSlot indicates a layer output has no slot to go to.
	ErrNoFreeSlot = errors.New("no free slot")
	// ErrOutputTooLarge indicates a layer output doesn't fit a slot.
	ErrOutputTooLarge = errors.New("output exceeds slot size")
	// ErrInconsistent indicates persisted state contradicting the model.
	ErrInconsistent = errors.New("inconsistent state")
)

// State is the outcome of Boot.
type State int

// Boot states.
const (
	Fresh State = iota
	Running
	Finalized
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Running:
		return "running"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ExecContext is the execution state threaded through a run: the RAM
// copy of the record, the slot table, the counters and the parameter
// infos (static ones followed by the planned node outputs).
type ExecContext struct {
	Record   model.Record
	Slots    *slots.Table
	Counters *Counters
	Params   []model.ParameterInfo
}

// Option customizes a Driver.
type Option func(*Driver)

// WithNotifier sets the event hook.
func WithNotifier(n telemetry.Notifier) Option {
	return func(d *Driver) { d.notifier = n }
}

// WithCounters uses c as RAM counters. Open loads the persisted values
// into it.
func WithCounters(c *Counters) Option {
	return func(d *Driver) { d.exec.Counters = c }
}

// WithSamples limits the number of samples iterated over. By default all
// samples fitting the samples region are used.
func WithSamples(n int) Option {
	return func(d *Driver) { d.numSamples = n }
}

// Driver runs the model stored in an NVM store.
type Driver struct {
	store      *nvm.Store
	layout     *layout.Layout
	features   Features
	notifier   telemetry.Notifier
	numSamples int

	graph *model.Graph
	ops   []ops.Operator
	plan  []int
	exec  ExecContext
	state State
	// resume is set by a boot finding a sample in progress, until the
	// interrupted layer is executed.
	resume bool
}

// Open loads the model and progress state from s. It doesn't write.
func Open(s *nvm.Store, features Features, opts ...Option) (*Driver, error) {
	if err := features.Validate(); err != nil {
		return nil, err
	}
	l := s.Layout()
	d := &Driver{store: s, layout: l, features: features}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.loadRecord(); err != nil {
		return nil, err
	}
	rec := &d.exec.Record
	if rec.NodesLen == 0 || rec.NInput == 0 {
		return nil, fmt.Errorf("%w: %d nodes, %d inputs", model.ErrMalformedRecord, rec.NodesLen, rec.NInput)
	}
	g, err := model.LoadGraph(s, int(rec.NodesLen), int(rec.NInput))
	if err != nil {
		return nil, err
	}
	d.graph = g
	if err := d.loadSlots(); err != nil {
		return nil, err
	}
	if err := d.loadCounters(); err != nil {
		return nil, err
	}
	if max := model.NumSamples(l, &g.Params[0]); d.numSamples <= 0 || d.numSamples > max {
		d.numSamples = max
	}
	if d.numSamples <= 0 {
		return nil, fmt.Errorf("input %s: no samples", &g.Params[0])
	}
	if err := d.resolve(); err != nil {
		return nil, err
	}
	glog.Infof("model: %d nodes, %d inputs, %d samples, plan %v", len(g.Nodes), g.NInput, d.numSamples, d.plan)
	return d, nil
}

func (d *Driver) loadRecord() error {
	var copies [2][]byte
	for n := range copies {
		copies[n] = make([]byte, layout.RecordSize(d.layout.Config.NumSlots))
		if err := d.store.Read(copies[n], d.layout.RecordOffset(n)); err != nil {
			return err
		}
	}
	rec, n, err := model.PickRecord(copies, d.layout.Config.NumSlots)
	if err != nil {
		return err
	}
	glog.V(2).Infof("record copy %d, generation %d", n, rec.Generation)
	d.exec.Record = *rec
	return nil
}

func (d *Driver) loadSlots() error {
	conf := &d.layout.Config
	t := slots.NewTable(conf.NumSlots, conf.TurningPointsLen)
	buf := make([]byte, t.EntrySize())
	for s := 0; s < conf.NumSlots; s++ {
		if err := d.store.Read(buf, d.layout.SlotInfoOffset(s)); err != nil {
			return err
		}
		if err := t.SetStateBit(s, d.exec.Record.StateBits[s]); err != nil {
			return err
		}
		if err := t.Decode(s, buf); err != nil {
			return err
		}
	}
	d.exec.Slots = t
	return nil
}

func (d *Driver) loadCounters() error {
	n := d.layout.Config.CountersLen
	if d.exec.Counters == nil {
		d.exec.Counters = NewCounters(n)
	}
	buf := make([]byte, layout.CountersSize(n))
	if err := d.store.ReadSegmented(buf, d.layout.Region(layout.Counters).Offset); err != nil {
		return err
	}
	c, err := model.DecodeCounters(buf, n)
	if err != nil {
		return err
	}
	if int(c.Index) >= n {
		// blank or garbled, restart counting
		c = model.NewCounters(n)
	}
	return d.exec.Counters.Load(c)
}

// Boot classifies the persisted progress. A blank first-run flag or reset
// formats the progress state. A sample in progress has its last commit
// rolled forward and resumes on the next RunLayer.
func (d *Driver) Boot(reset bool) (State, error) {
	flag, err := d.firstRunFlag()
	if err != nil {
		return d.state, err
	}
	rec := &d.exec.Record
	switch {
	case reset || flag != firstRunMagic:
		if err := d.FirstRun(); err != nil {
			return d.state, err
		}
	case rec.Running:
		if err := d.checkCommitted(); err != nil {
			return d.state, err
		}
		if err := d.rollForward(); err != nil {
			return d.state, err
		}
		rec.Recovery = true
		if err := d.writeRecord(); err != nil {
			return d.state, err
		}
		d.resume, d.state = true, Running
	default:
		d.state = Finalized
	}
	d.exec.Counters.PowerCycle()
	glog.Infof("boot %s: run_counter=%d sample=%d layer=%d", d.state, rec.RunCounter, rec.SampleIdx, rec.LayerIdx)
	d.notify(telemetry.Boot)
	return d.state, nil
}

// FirstRun zeroes the progress state: slots, polarities, record, slot
// entries and counters. The first-run flag is cleared first and set last.
func (d *Driver) FirstRun() error {
	glog.Info("first run")
	if err := d.setFirstRunFlag(0); err != nil {
		return err
	}
	if err := d.store.Erase(layout.Slots); err != nil {
		return err
	}
	d.exec.Slots.Reset()
	old := &d.exec.Record
	d.exec.Record = model.Record{
		NodesLen:   old.NodesLen,
		NInput:     old.NInput,
		StateBits:  make([]uint8, len(old.StateBits)),
		Generation: old.Generation,
	}
	if err := d.writeRecord(); err != nil {
		return err
	}
	for s := 0; s < d.exec.Slots.Len(); s++ {
		if err := d.writeSlot(s); err != nil {
			return err
		}
	}
	if err := d.exec.Counters.Load(model.NewCounters(d.exec.Counters.Len())); err != nil {
		return err
	}
	if err := d.flushCounters(); err != nil {
		return err
	}
	if err := d.setFirstRunFlag(firstRunMagic); err != nil {
		return err
	}
	d.resume, d.state = false, Fresh
	return nil
}

func (d *Driver) firstRunFlag() (uint16, error) {
	var b [layout.FirstRunLen]byte
	if err := d.store.Read(b[:], d.layout.Region(layout.FirstRun).Offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (d *Driver) setFirstRunFlag(v uint16) error {
	var b [layout.FirstRunLen]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return d.store.Write(b[:], d.layout.Region(layout.FirstRun).Offset, 0)
}

// checkCommitted compares the persisted output infos of committed layers
// with the plan.
func (d *Driver) checkCommitted() error {
	buf := make([]byte, layout.ParamInfoSize)
	for l := 0; l < int(d.exec.Record.LayerIdx); l++ {
		ref := d.graph.NInput + l
		if err := d.store.Read(buf, d.layout.ParamInfoOffset(ref)); err != nil {
			return err
		}
		var info model.ParameterInfo
		if err := info.UnmarshalBinary(buf); err != nil {
			return err
		}
		if info != d.exec.Params[ref] {
			return fmt.Errorf("%w: layer %d committed as %s, planned %s", ErrInconsistent, l, &info, &d.exec.Params[ref])
		}
	}
	return nil
}

// writeRecord persists the RAM record into the older copy.
func (d *Driver) writeRecord() error {
	rec := &d.exec.Record
	rec.Generation++
	return d.store.Write(rec.Encode(), d.layout.RecordOffset(int(rec.Generation%2)), 0)
}

func (d *Driver) writeSlot(s int) error {
	b, err := d.exec.Slots.Encode(s)
	if err != nil {
		return err
	}
	return d.store.Write(b, d.layout.SlotInfoOffset(s), 0)
}

func (d *Driver) flushCounters() error {
	c := d.exec.Counters.Snapshot()
	return d.store.WriteSegmented(c.Encode(), d.layout.Region(layout.Counters).Offset)
}

func (d *Driver) notify(kind telemetry.Kind) {
	if d.notifier == nil {
		return
	}
	rec := &d.exec.Record
	e := telemetry.Event{
		Kind:       kind,
		RunCounter: int(rec.RunCounter),
		SampleIdx:  int(rec.SampleIdx),
		LayerIdx:   int(rec.LayerIdx),
		Time:       time.Now(),
	}
	if err := d.notifier.Notify(e); err != nil {
		glog.Warningf("notify %s: %v", e, err)
	}
}

// Store returns the underlying store.
func (d *Driver) Store() *nvm.Store {
	return d.store
}

// Features returns the resolved features.
func (d *Driver) Features() Features {
	return d.features
}

// Record returns a copy of the RAM record.
func (d *Driver) Record() model.Record {
	return d.exec.Record.Clone()
}

// Slots returns the slot table.
func (d *Driver) Slots() *slots.Table {
	return d.exec.Slots
}

// Graph returns the static model.
func (d *Driver) Graph() *model.Graph {
	return d.graph
}

// Counters returns the RAM counters.
func (d *Driver) Counters() *Counters {
	return d.exec.Counters
}

// Params returns the static parameter infos followed by the planned output
// infos of all nodes.
func (d *Driver) Params() []model.ParameterInfo {
	return append([]model.ParameterInfo(nil), d.exec.Params...)
}

// Plan returns the output slot of each node, -1 for aliases.
func (d *Driver) Plan() []int {
	return append([]int(nil), d.plan...)
}

// State returns the state of the last Boot.
func (d *Driver) State() State {
	return d.state
}

// NumSamples returns the number of samples iterated over.
func (d *Driver) NumSamples() int {
	return d.numSamples
}
