// Package layout partitions the NVM address space into fixed regions.
//
// The bottom of the store holds the self-test bytes, the rotating
// intermediate-value slots and the samples, growing upwards. The top of
// the store holds, growing downwards in this order: counters, the
// first-run flag, the model metadata (two execution record copies and the
// slot info table), the parameter info table, the node table and finally
// the parameters.
package layout

import (
	"fmt"
	"sort"
)

// Fixed offsets and record sizes of the NVM image.
const (
	SelfTestOffset           = 0
	SelfTestLen              = 16
	IntermediateValuesOffset = 256
	FirstRunLen              = 2

	NodeSize      = 64
	NodeNameLen   = 48
	MaxNodeInputs = 4
	ParamInfoSize = 24

	recordFixedSize   = 9 * 2
	recordTrailerSize = 4 + 4
)

// RecordSize is the encoded size of one execution record copy.
func RecordSize(numSlots int) int {
	return recordFixedSize + 2*numSlots + recordTrailerSize
}

// SlotInfoSize is the encoded size of one slot info entry.
func SlotInfoSize(turningPoints int) int {
	return 8 + 2*turningPoints
}

// CountersSize is the encoded size of the counters block.
func CountersSize(countersLen int) int {
	return 4 + 2*4*countersLen
}

// RegionID identifies a region.
type RegionID int

// Regions in address order from bottom to top.
const (
	SelfTest RegionID = iota
	Slots
	Samples
	Parameters
	Nodes
	ParamInfo
	Model
	FirstRun
	Counters
	NumRegions
)

var regionNames = [NumRegions]string{
	"self-test", "slots", "samples", "parameters",
	"nodes", "param-info", "model", "first-run", "counters",
}

// String implements fmt.Stringer.
func (id RegionID) String() string {
	if id >= 0 && id < NumRegions {
		return regionNames[id]
	}
	return fmt.Sprintf("region(%d)", int(id))
}

// Region is a half-open byte range [Offset, Offset+Len).
type Region struct {
	ID     RegionID
	Offset int
	Len    int
}

// End returns the first offset after the region.
func (r Region) End() int {
	return r.Offset + r.Len
}

// Contains checks if [offset, offset+n) lies entirely inside the region.
func (r Region) Contains(offset, n int) bool {
	return offset >= r.Offset && n >= 0 && offset+n <= r.End()
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("%s[%#x,%#x)", r.ID, r.Offset, r.End())
}

// Layout is the validated region map for a Config.
type Layout struct {
	Config Config

	regions [NumRegions]Region
}

// New computes the regions of conf and validates that they fit into the
// store without overlapping.
func New(conf Config) (*Layout, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	l := &Layout{Config: conf}
	set := func(id RegionID, offset, n int) {
		l.regions[id] = Region{ID: id, Offset: offset, Len: n}
	}

	set(SelfTest, SelfTestOffset, IntermediateValuesOffset)
	set(Slots, IntermediateValuesOffset, conf.NumSlots*conf.SlotSize)
	set(Samples, l.regions[Slots].End(), conf.SamplesLen)

	top := conf.NVMSize
	down := func(id RegionID, n int) {
		top -= n
		set(id, top, n)
	}
	down(Counters, CountersSize(conf.CountersLen))
	down(FirstRun, FirstRunLen)
	down(Model, 2*RecordSize(conf.NumSlots)+conf.NumSlots*SlotInfoSize(conf.TurningPointsLen))
	down(ParamInfo, conf.MaxParamInfos*ParamInfoSize)
	down(Nodes, conf.MaxNodes*NodeSize)
	down(Parameters, conf.ParametersLen)

	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// MustNew is New that panics on error.
func MustNew(conf Config) *Layout {
	l, err := New(conf)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Layout) validate() error {
	sorted := l.Regions()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i, r := range sorted {
		if r.Offset < 0 || r.End() > l.Config.NVMSize {
			return &OverlapError{A: r, Size: l.Config.NVMSize}
		}
		if r.Len == 0 {
			continue
		}
		for _, next := range sorted[i+1:] {
			if next.Len == 0 {
				continue
			}
			if next.Offset < r.End() {
				return &OverlapError{A: r, B: &next}
			}
			break
		}
	}
	return nil
}

// Region returns the region with the specified ID.
func (l *Layout) Region(id RegionID) Region {
	return l.regions[id]
}

// Regions returns all regions in ID order.
func (l *Layout) Regions() []Region {
	out := make([]Region, NumRegions)
	copy(out, l.regions[:])
	return out
}

// Find returns the region containing [offset, offset+n).
func (l *Layout) Find(offset, n int) (Region, bool) {
	for _, r := range l.regions {
		if r.Len > 0 && r.Contains(offset, n) {
			return r, true
		}
	}
	return Region{}, false
}

// Check rejects a transfer that is not contained by exactly one region.
// An empty transfer only needs an offset within the store.
func (l *Layout) Check(offset, n int) error {
	if n == 0 && offset >= 0 && offset <= l.Config.NVMSize {
		return nil
	}
	if _, ok := l.Find(offset, n); !ok {
		return &AccessError{Offset: offset, Len: n}
	}
	return nil
}

// CheckIn rejects a transfer that is not contained by region id.
func (l *Layout) CheckIn(id RegionID, offset, n int) error {
	if !l.regions[id].Contains(offset, n) {
		return &AccessError{Offset: offset, Len: n, Region: id.String()}
	}
	return nil
}

// SlotOffset returns the absolute offset of an intermediate-value slot.
func (l *Layout) SlotOffset(slot int) int {
	return l.regions[Slots].Offset + slot*l.Config.SlotSize
}

// SlotValues returns the number of 16-bit values a slot holds.
func (l *Layout) SlotValues() int {
	return l.Config.SlotSize / 2
}

// RecordOffset returns the offset of execution record copy 0 or 1.
func (l *Layout) RecordOffset(copy int) int {
	return l.regions[Model].Offset + (copy&1)*RecordSize(l.Config.NumSlots)
}

// SlotInfoOffset returns the offset of the slot info entry of slot.
func (l *Layout) SlotInfoOffset(slot int) int {
	return l.regions[Model].Offset + 2*RecordSize(l.Config.NumSlots) +
		slot*SlotInfoSize(l.Config.TurningPointsLen)
}

// NodeOffset returns the offset of node i in the node table.
func (l *Layout) NodeOffset(i int) int {
	return l.regions[Nodes].Offset + i*NodeSize
}

// ParamInfoOffset returns the offset of entry i in the parameter info table.
func (l *Layout) ParamInfoOffset(i int) int {
	return l.regions[ParamInfo].Offset + i*ParamInfoSize
}
