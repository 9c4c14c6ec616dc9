// Package exec adds commands advancing the inference stored in an image.
package exec

import (
	"context"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/icnn/pkg/cli/sh"
)

var (
	// BootCmd classifies the progress state, rolling forward an
	// interrupted commit.
	BootCmd = ishell.Cmd{
		Name:    "boot",
		Aliases: []string{"b"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			state, err := img.Boot(false)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(state)
		}),
	}

	// ResetCmd formats the progress state.
	ResetCmd = ishell.Cmd{
		Name:    "reset",
		Aliases: []string{"r"},
		Help:    "",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			if _, err := img.Boot(true); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	}

	// RunCmd runs samples or a single layer.
	RunCmd = ishell.Cmd{
		Name:    "run",
		Aliases: []string{"x"},
		Help:    "[SAMPLES|layer]",
		Func: sh.MustBeOpened(func(c *ishell.Context, img *sh.Image) {
			ctx := context.Background()
			if _, err := img.Boot(false); err != nil {
				c.Err(err)
				return
			}
			if len(c.Args) > 0 && c.Args[0] == "layer" {
				finished, err := img.Driver.RunLayer(ctx)
				if err != nil {
					c.Err(err)
					return
				}
				c.Printf("layer = %d finished = %v\n", img.Driver.Record().LayerIdx, finished)
				return
			}
			n := 1
			if len(c.Args) > 0 {
				val, err := strconv.Atoi(c.Args[0])
				if err != nil || val <= 0 {
					c.Err(fmt.Errorf("Invalid SAMPLES: %s", c.Args[0]))
					return
				}
				n = val
			}
			for i := 0; i < n; i++ {
				if err := img.Driver.RunSample(ctx); err != nil {
					c.Err(err)
					return
				}
			}
			c.Printf("run_counter = %d\n", img.Driver.Record().RunCounter)
		}),
	}
)

func init() {
	sh.AddCmds(
		&BootCmd,
		&ResetCmd,
		&RunCmd,
	)
}
