// Package sh provides an interactive inspector for NVM images.
package sh

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/icnn/pkg/checkpoint"
	"github.com/robotalks/icnn/pkg/debug"
	"github.com/robotalks/icnn/pkg/platform"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoOpen    bool

	Shell  *ishell.Shell
	Config *platform.Config
	Image  *Image
}

// Image is an opened NVM image.
type Image struct {
	Path   string
	Driver *checkpoint.Driver
	// Booted is set once the progress state has been classified. Opening
	// an image never writes to it.
	Booted bool
}

const (
	shellKey       = "$shell"
	unopenedPrompt = "[none] > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&OpenCmd,
		&CloseCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *platform.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unopenedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeOpened wraps command func requires an opened image.
func MustBeOpened(fn func(c *ishell.Context, img *Image)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		img := ShellFrom(c).Image
		if img == nil {
			c.Err(fmt.Errorf("no image opened"))
			return
		}
		fn(c, img)
	}
}

// Dump runs fn against a Dumper and prints what it wrote.
func Dump(c *ishell.Context, integer bool, fn func(d *debug.Dumper) error) error {
	var w bytes.Buffer
	d := &debug.Dumper{W: &w, Integer: integer}
	if img := ShellFrom(c).Image; img != nil {
		d.Pauser = img.Driver.Counters()
	}
	err := fn(d)
	c.Print(w.String())
	if err != nil {
		c.Err(err)
	}
	return err
}

// PrintJSON prints v as JSON.
func PrintJSON(c *ishell.Context, v interface{}) error {
	out, err := json.Marshal(v)
	if err != nil {
		c.Err(err)
		return err
	}
	c.Println(string(out))
	return nil
}

// WithAutoOpen sets AutoOpen.
func (s *Shell) WithAutoOpen(en bool) *Shell {
	s.AutoOpen = en
	return s
}

// Open opens the image at path without writing to it.
func (s *Shell) Open(path string) error {
	conf := *s.Config
	conf.NVMPath = path
	store, err := conf.OpenStore()
	if err != nil {
		return err
	}
	d, err := checkpoint.Open(store, conf.Features, checkpoint.WithSamples(conf.Samples))
	if err != nil {
		return err
	}
	s.Close()
	s.Image = &Image{Path: path, Driver: d}
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", path))
	return nil
}

// Close closes current image.
func (s *Shell) Close() {
	if s.Image != nil {
		s.Image.Driver.Store().Wait()
		s.Image = nil
		s.Shell.SetPrompt(unopenedPrompt)
	}
}

// Boot classifies the progress state once.
func (img *Image) Boot(reset bool) (checkpoint.State, error) {
	if img.Booted && !reset {
		return img.Driver.State(), nil
	}
	state, err := img.Driver.Boot(reset)
	if err == nil {
		img.Booted = true
	}
	return state, err
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoOpen && s.Config.NVMPath != "" {
		if s.Interactive {
			s.Shell.Printf("Opening %s ...\n", s.Config.NVMPath)
		}
		if err := s.Open(s.Config.NVMPath); err != nil {
			log.Fatalf("open %q failed: %v", s.Config.NVMPath, err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// OpenCmd opens an image.
	OpenCmd = ishell.Cmd{
		Name:    "open",
		Aliases: []string{"o"},
		Help:    "[FILE]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			path := s.Config.NVMPath
			if len(c.Args) > 0 {
				path = c.Args[0]
			}
			if err := s.Open(path); err != nil {
				c.Err(err)
			}
		},
	}

	// CloseCmd closes current image.
	CloseCmd = ishell.Cmd{
		Name: "close",
		Help: "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Close()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(platform.NewConfig()).WithAutoOpen(true).Run(flag.Args()...)
}
