// Package inspect adds read-only commands for NVM images.
package inspect

import (
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/icnn/pkg/cli/sh"
	"github.com/robotalks/icnn/pkg/debug"
	"github.com/robotalks/icnn/pkg/model"
)

var (
	// LayoutCmd prints the regions.
	LayoutCmd = ishell.Cmd{
		Name:    "layout",
		Aliases: []string{"l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			l, err := sh.ShellFrom(c).Config.Layout()
			if err != nil {
				c.Err(err)
				return
			}
			if sh.ShellFrom(c).OutputJSON {
				sh.PrintJSON(c, l.Regions())
				return
			}
			for _, r := range l.Regions() {
				c.Printf("%-12s %#08x %#08x %d\n", r.ID, r.Offset, r.End(), r.Len)
			}
		},
	}

	// StateCmd prints the execution record.
	StateCmd = ishell.Cmd{
		Name:    "state",
		Aliases: []string{"st"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			rec := img.Driver.Record()
			if sh.ShellFrom(c).OutputJSON {
				sh.PrintJSON(c, rec)
				return
			}
			c.Printf("run_counter = %d\n", rec.RunCounter)
			c.Printf("running = %v recovery = %v\n", rec.Running, rec.Recovery)
			c.Printf("sample = %d/%d layer = %d/%d\n", rec.SampleIdx, img.Driver.NumSamples(), rec.LayerIdx, rec.NodesLen)
			c.Printf("version = %d bits_version = %d generation = %d\n", rec.Version, rec.BitsVersion, rec.Generation)
			c.Printf("state bits = %v\n", rec.StateBits)
		}),
	}

	// SlotsCmd prints the slot infos.
	SlotsCmd = ishell.Cmd{
		Name:    "slots",
		Aliases: []string{"sl"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			t := img.Driver.Slots()
			sh.Dump(c, true, func(d *debug.Dumper) error {
				for s := 0; s < t.Len(); s++ {
					info, err := t.Info(s)
					if err != nil {
						return err
					}
					fmt.Fprintf(d.W, "slot %d: user=%d version=%d\n", s, info.User, info.Version)
					if err := d.TurningPoints(t, &model.ParameterInfo{Slot: uint8(s)}); err != nil {
						return err
					}
				}
				return nil
			})
		}),
	}

	// NodesCmd prints the nodes and the slot plan.
	NodesCmd = ishell.Cmd{
		Name:    "nodes",
		Aliases: []string{"n"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			g := img.Driver.Graph()
			plan := img.Driver.Plan()
			for i, node := range g.Nodes {
				c.Printf("%3d %-16s %-8s slot=%d\n", i, node.Name, node.OpType, plan[i])
			}
			sh.Dump(c, true, func(d *debug.Dumper) error {
				d.Model(g, int(img.Driver.Record().LayerIdx))
				return nil
			})
		}),
	}

	// DumpCmd prints a parameter.
	DumpCmd = ishell.Cmd{
		Name:    "dump",
		Aliases: []string{"d"},
		Help:    "REF [int] [nhwc]",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("REF required"))
				return
			}
			params := img.Driver.Params()
			ref, err := strconv.Atoi(c.Args[0])
			if err != nil || ref < 0 || ref >= len(params) {
				c.Err(fmt.Errorf("Invalid REF: %s", c.Args[0]))
				return
			}
			var integer, nhwc bool
			for _, arg := range c.Args[1:] {
				switch arg {
				case "int":
					integer = true
				case "nhwc":
					nhwc = true
				default:
					c.Err(fmt.Errorf("unknown option %q", arg))
					return
				}
			}
			vals, err := img.Driver.Tensor(ref)
			if err != nil {
				c.Err(err)
				return
			}
			info := params[ref]
			sh.Dump(c, integer, func(d *debug.Dumper) error {
				if nhwc {
					return d.ParamsNHWC(&info, vals, img.Driver.Slots())
				}
				return d.Params(&info, vals, img.Driver.Slots())
			})
		}),
	}

	// CountersCmd prints the counters.
	CountersCmd = ishell.Cmd{
		Name:    "counters",
		Aliases: []string{"cnt"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			snap := img.Driver.Counters().Snapshot()
			if sh.ShellFrom(c).OutputJSON {
				sh.PrintJSON(c, snap)
				return
			}
			sh.Dump(c, true, func(d *debug.Dumper) error {
				d.Counters(snap)
				return nil
			})
		}),
	}
)

func init() {
	sh.AddCmds(
		&LayoutCmd,
		&StateCmd,
		&SlotsCmd,
		&NodesCmd,
		&DumpCmd,
		&CountersCmd,
	)
}
