package main

import (
	"github.com/robotalks/icnn/pkg/cli/sh"
	"github.com/robotalks/icnn/pkg/platform"

	_ "github.com/robotalks/icnn/pkg/cli/cmds/exec"
	_ "github.com/robotalks/icnn/pkg/cli/cmds/inspect"
)

//go-build: CGO_ENABLED=0

func init() {
	platform.SetupFlags()
}

func main() {
	sh.Main()
}
