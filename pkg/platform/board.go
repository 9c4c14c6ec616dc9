// Package platform brings up a device: it checks the NVM, boots the
// checkpoint driver and runs inference until told to stop.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/icnn/pkg/checkpoint"
	"github.com/robotalks/icnn/pkg/debug"
	"github.com/robotalks/icnn/pkg/gpio"
	"github.com/robotalks/icnn/pkg/nvm"
	"github.com/robotalks/icnn/pkg/telemetry"
)

// StableIterations is the number of samples run by the one-shot path.
const StableIterations = 10

const (
	selfTestAttempts = 3
	selfTestMaxReset = 3
	selfTestBusyWait = time.Millisecond
)

// HaltError is returned once a halted board is stopped.
type HaltError struct {
	Err error
}

func (e *HaltError) Error() string {
	return "halted: " + e.Err.Error()
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// Board is a device running the model from its NVM.
type Board struct {
	Store    *nvm.Store
	Features checkpoint.Features
	// ResetPin held low selects the one-shot path: reformat, run
	// StableIterations samples and stop.
	ResetPin gpio.Pin
	// CounterPin is pulsed for every finished sample.
	CounterPin gpio.Pin
	Notifier   telemetry.Notifier
	Counters   *checkpoint.Counters
	// Runs stops the autonomous loop once the run counter reaches it.
	Runs    int
	Samples int
	// W receives the console output.
	W io.Writer
}

func (b *Board) console() io.Writer {
	if b.W == nil {
		return ioutil.Discard
	}
	return b.W
}

func (b *Board) notifier() telemetry.Notifier {
	var mux telemetry.Mux
	if b.Notifier != nil {
		mux = append(mux, b.Notifier)
	}
	if b.CounterPin != nil {
		mux = append(mux, &telemetry.PinNotifier{Pin: b.CounterPin})
	}
	return mux
}

// Run boots and runs inference. A power failure is returned as is, any
// other failure halts the board until ctx ends.
func (b *Board) Run(ctx context.Context) error {
	err := b.run(ctx)
	if err == nil || errors.Is(err, nvm.ErrPowerFailure) || ctx.Err() != nil {
		return err
	}
	glog.Errorf("board halted: %v", err)
	<-ctx.Done()
	return &HaltError{Err: err}
}

func (b *Board) run(ctx context.Context) error {
	if err := b.selfTest(ctx); err != nil {
		return err
	}
	if b.Counters == nil {
		b.Counters = checkpoint.NewCounters(b.Store.Layout().Config.CountersLen)
	}
	notifier := b.notifier()
	opts := []checkpoint.Option{
		checkpoint.WithCounters(b.Counters),
		checkpoint.WithNotifier(notifier),
	}
	if b.Samples > 0 {
		opts = append(opts, checkpoint.WithSamples(b.Samples))
	}
	d, err := checkpoint.Open(b.Store, b.Features, opts...)
	if err != nil {
		return err
	}
	if _, err := d.Boot(false); err != nil {
		return err
	}
	fmt.Fprintf(b.console(), "run_counter = %d\n", d.Record().RunCounter)

	if b.ResetPin != nil && !b.ResetPin.Get() {
		return b.oneShot(ctx, d, notifier)
	}
	for b.Runs <= 0 || int(d.Record().RunCounter) < b.Runs {
		if err := d.RunSample(ctx); err != nil {
			return err
		}
	}
	glog.Infof("%d runs done", b.Runs)
	return nil
}

// oneShot dumps the counters, reformats the progress and runs a fixed
// number of samples on stable power.
func (b *Board) oneShot(ctx context.Context, d *checkpoint.Driver, notifier telemetry.Notifier) error {
	dumper := &debug.Dumper{W: b.console(), Pauser: b.Counters}
	dumper.Counters(b.Counters.Snapshot())
	if err := d.FirstRun(); err != nil {
		return err
	}
	rec := d.Record()
	notifier.Notify(telemetry.Event{
		Kind:       telemetry.SampleFinished,
		RunCounter: int(rec.RunCounter),
		Time:       time.Now(),
	})
	for n := 0; n < StableIterations; n++ {
		if err := d.RunSample(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintln(b.console(), "Done testing run")
	dumper.Counters(b.Counters.Snapshot())
	return nil
}

// selfTest retries the NVM self-test with a busy wait, resetting the
// device after every few failures.
func (b *Board) selfTest(ctx context.Context) error {
	var err error
	for resets := 0; ; resets++ {
		for attempt := 0; attempt < selfTestAttempts; attempt++ {
			if err = b.Store.SelfTest(); err == nil || errors.Is(err, nvm.ErrPowerFailure) {
				return err
			}
			glog.Warningf("NVM self-test: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(selfTestBusyWait):
			}
		}
		if resets >= selfTestMaxReset {
			return err
		}
		if rerr := b.Store.Reset(); rerr != nil {
			return rerr
		}
	}
}
