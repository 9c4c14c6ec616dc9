package checkpoint

import (
	"fmt"

	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/ops"
	"github.com/robotalks/icnn/pkg/slots"
)

// resolve binds operators, derives the output info of every node and
// assigns output slots.
//
// A slot is busy from the node writing it up to the last consumer of that
// output or of any alias of it. Each node takes the lowest slot whose
// occupant is no longer consumed at or after the node, so a node never
// overwrites one of its own inputs.
func (d *Driver) resolve() error {
	g := d.graph
	n := len(g.Nodes)
	d.ops = make([]ops.Operator, n)
	d.plan = make([]int, n)
	d.exec.Params = append([]model.ParameterInfo(nil), g.Params[:g.NInput]...)
	d.exec.Params = append(d.exec.Params, make([]model.ParameterInfo, n)...)

	root := make([]int, n)
	lastUse := make([]int, n)
	for i := range g.Nodes {
		node := &g.Nodes[i]
		op, err := ops.Resolve(node)
		if err != nil {
			return err
		}
		if int(node.MaxOutputID) <= i || int(node.MaxOutputID) > n {
			return fmt.Errorf("%w: node %d %q: last consumer %d", ErrInconsistent, i, node.Name, node.MaxOutputID)
		}
		d.ops[i] = op
		root[i] = i
		if op.Alias() {
			root[i] = -1
			if p := int(node.Inputs[0]) - g.NInput; p >= 0 {
				root[i] = root[p]
			}
		}
		if r := root[i]; r >= 0 && int(node.MaxOutputID) > lastUse[r] {
			lastUse[r] = int(node.MaxOutputID)
		}
	}

	occupant := make([]int, d.layout.Config.NumSlots)
	for s := range occupant {
		occupant[s] = -1
	}
	for i := range g.Nodes {
		node := &g.Nodes[i]
		info, err := d.ops[i].Output(d.runtime(i, 0), node)
		if err != nil {
			return err
		}
		ref := g.NInput + i
		if d.ops[i].Alias() {
			d.plan[i] = -1
			d.exec.Params[ref] = info
			continue
		}
		size := 2 * d.features.storedLen(info.Count())
		if size > d.layout.Config.SlotSize {
			return fmt.Errorf("node %d %q: %w: %d bytes", i, node.Name, ErrOutputTooLarge, size)
		}
		slot := -1
		for s, occ := range occupant {
			if occ < 0 || lastUse[occ] < i {
				slot = s
				break
			}
		}
		if slot < 0 {
			return fmt.Errorf("node %d %q: %w among %d", i, node.Name, ErrNoFreeSlot, len(occupant))
		}
		occupant[slot] = i
		d.plan[i] = slot
		info.Slot = uint8(slot)
		info.ParamsOffset = 0
		info.ParamsLen = uint32(size)
		info.Flags = d.outputFlags()
		d.exec.Params[ref] = info
	}
	return d.checkTurningPoints()
}

// checkTurningPoints replays the slot toggles of two samples, after which
// every slot is back to its first-run sequence. A model needing more
// turning points than a slot entry holds is rejected before anything is
// committed.
func (d *Driver) checkTurningPoints() error {
	if !d.features.StateBits {
		return nil
	}
	conf := &d.layout.Config
	t := slots.NewTable(conf.NumSlots, conf.TurningPointsLen)
	for sample := 0; sample < 2; sample++ {
		for i := range d.graph.Nodes {
			if !d.tracked(i) {
				continue
			}
			n := int(d.exec.Params[d.graph.NInput+i].ParamsLen) / 2
			if err := t.Toggle(d.plan[i], n, d.layout.SlotValues()); err != nil {
				return fmt.Errorf("node %d %q: %w", i, d.graph.Nodes[i].Name, err)
			}
		}
	}
	return nil
}

func (d *Driver) outputFlags() uint8 {
	switch {
	case d.features.Footprints:
		return model.FlagFootprint
	case d.features.StateBits:
		return model.FlagTagged
	}
	return 0
}
