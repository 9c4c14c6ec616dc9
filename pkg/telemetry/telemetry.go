// Package telemetry notifies external instrumentation about inference
// progress. Notifications are one-way side channels: a failing notifier
// never affects the persisted state.
package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/icnn/pkg/framework"
	"github.com/robotalks/icnn/pkg/gpio"
)

// Kind is the type of an event.
type Kind int

// Event kinds.
const (
	Boot Kind = iota
	LayerCommitted
	SampleFinished
	NumKinds
)

var kindNames = [NumKinds]string{"boot", "layer", "sample"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k >= 0 && k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind looks up a kind by name.
func ParseKind(s string) (Kind, error) {
	for n, name := range kindNames {
		if name == s {
			return Kind(n), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event is a progress notification.
type Event struct {
	Kind       Kind
	RunCounter int
	SampleIdx  int
	LayerIdx   int
	Time       time.Time
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("%s run=%d sample=%d layer=%d", e.Kind, e.RunCounter, e.SampleIdx, e.LayerIdx)
}

// Notifier receives events.
type Notifier interface {
	Notify(Event) error
}

// NotifyFunc is the func form of Notifier.
type NotifyFunc func(Event) error

// Notify implements Notifier.
func (f NotifyFunc) Notify(e Event) error {
	return f(e)
}

// Mux fans an event out to all notifiers.
type Mux []Notifier

// Notify implements Notifier.
func (m Mux) Notify(e Event) error {
	var errs fx.AggregatedError
	for _, n := range m {
		errs.Add(n.Notify(e))
	}
	return errs.Aggregate()
}

// Only forwards events of the given kinds.
func Only(n Notifier, kinds ...Kind) Notifier {
	return NotifyFunc(func(e Event) error {
		for _, k := range kinds {
			if e.Kind == k {
				return n.Notify(e)
			}
		}
		return nil
	})
}

// LogNotifier prints a dot line for every finished sample.
type LogNotifier struct {
	W io.Writer
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(e Event) error {
	glog.V(1).Infof("event %s", e)
	if e.Kind != SampleFinished {
		return nil
	}
	_, err := fmt.Fprintln(l.W, ".")
	return err
}

// PinNotifier emits a single pulse on a pin for every finished sample.
type PinNotifier struct {
	Pin gpio.Pin
}

// Notify implements Notifier.
func (p *PinNotifier) Notify(e Event) error {
	if e.Kind == SampleFinished {
		gpio.Pulse(p.Pin)
	}
	return nil
}
