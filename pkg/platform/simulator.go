package platform

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/checkpoint"
	fx "github.com/robotalks/icnn/pkg/framework"
	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/nvm"
)

// Simulator power-cycles a board: every boot runs until the device cuts
// the power after a random number of writes, then the board reboots with
// its RAM lost.
type Simulator struct {
	Device *nvm.FaultDevice
	Layout *layout.Layout
	// Board is the template for every boot. Store and Counters are
	// replaced per boot.
	Board Board
	// MeanWrites is the average number of writes per power cycle, 0 for
	// stable power.
	MeanWrites   int
	TickInterval time.Duration
	// MaxBoots bounds the boots, 0 for no bound.
	MaxBoots int
	Rand     *rand.Rand

	boots int
}

// ErrTooManyBoots indicates the simulation made no progress within
// MaxBoots power cycles.
var ErrTooManyBoots = errors.New("too many boots")

// Boots returns the number of boots so far.
func (s *Simulator) Boots() int {
	return s.boots
}

// Run implements framework.Runnable. It returns when a boot completes
// without a power failure.
func (s *Simulator) Run(ctx context.Context) error {
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for {
		if s.MaxBoots > 0 && s.boots >= s.MaxBoots {
			return ErrTooManyBoots
		}
		err := s.boot(ctx)
		if !errors.Is(err, nvm.ErrPowerFailure) {
			return err
		}
		glog.V(1).Infof("power failure after boot %d at write %d", s.boots, s.Device.Writes())
	}
}

func (s *Simulator) boot(ctx context.Context) error {
	s.boots++
	s.Device.Restore()
	if s.MeanWrites > 0 {
		s.Device.FailAfter(s.Rand.Intn(2 * s.MeanWrites))
	}
	store, err := nvm.NewStore(s.Device, s.Layout, nil)
	if err != nil {
		return err
	}
	board := s.Board
	board.Store = store
	board.Counters = checkpoint.NewCounters(s.Layout.Config.CountersLen)

	runner := fx.NewRunnerWith(ctx)
	runner.Go(fx.NamedRun("board", &board))
	if s.TickInterval > 0 {
		runner.Go(fx.NamedRun("timer", &Timer{Counters: board.Counters, Interval: s.TickInterval}))
	}
	return runner.Wait()
}
