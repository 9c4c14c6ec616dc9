// Package gpio abstracts the digital pins of the board.
package gpio

import "sync"

// Pin is a digital input or output.
type Pin interface {
	// Get reads the level.
	Get() bool
	// Set drives the level.
	Set(high bool)
}

// Pulse emits a single high pulse.
func Pulse(p Pin) {
	p.Set(true)
	p.Set(false)
}

// SimPin is an in-memory pin counting rising edges.
type SimPin struct {
	lock   sync.Mutex
	level  bool
	pulses int
}

// NewSimPin creates a SimPin at the given level.
func NewSimPin(high bool) *SimPin {
	return &SimPin{level: high}
}

// Get implements Pin.
func (p *SimPin) Get() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.level
}

// Set implements Pin.
func (p *SimPin) Set(high bool) {
	p.lock.Lock()
	if high && !p.level {
		p.pulses++
	}
	p.level = high
	p.lock.Unlock()
}

// Pulses returns the number of rising edges seen.
func (p *SimPin) Pulses() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pulses
}
