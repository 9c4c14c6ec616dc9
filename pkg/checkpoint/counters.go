package checkpoint

import (
	"fmt"
	"sync"

	"github.com/robotalks/icnn/pkg/model"
)

// Counters are the RAM-side time and power statistics. Tick may be called
// from a timer goroutine; the driver persists the counters at commits.
type Counters struct {
	lock   sync.Mutex
	c      model.Counters
	paused int
}

// NewCounters creates zeroed counters with n entries.
func NewCounters(n int) *Counters {
	return &Counters{c: model.NewCounters(n)}
}

// Len returns the number of entries.
func (c *Counters) Len() int {
	return len(c.c.Time)
}

// Tick counts one timer period for the current entry unless paused.
func (c *Counters) Tick() {
	c.lock.Lock()
	if c.paused == 0 {
		c.c.Time[c.c.Index]++
	}
	c.lock.Unlock()
}

// PowerCycle counts one boot for the current entry.
func (c *Counters) PowerCycle() {
	c.lock.Lock()
	c.c.Power[c.c.Index]++
	c.lock.Unlock()
}

// Pause suspends time counting. Calls nest.
func (c *Counters) Pause() {
	c.lock.Lock()
	c.paused++
	c.lock.Unlock()
}

// Resume undoes one Pause.
func (c *Counters) Resume() {
	c.lock.Lock()
	if c.paused > 0 {
		c.paused--
	}
	c.lock.Unlock()
}

// SetIndex selects the current entry, wrapping around.
func (c *Counters) SetIndex(i int) {
	c.lock.Lock()
	c.c.Index = uint32(i % len(c.c.Time))
	c.lock.Unlock()
}

// Snapshot returns a copy.
func (c *Counters) Snapshot() model.Counters {
	c.lock.Lock()
	defer c.lock.Unlock()
	return model.Counters{
		Index: c.c.Index,
		Time:  append([]uint32(nil), c.c.Time...),
		Power: append([]uint32(nil), c.c.Power...),
	}
}

// Load replaces the values.
func (c *Counters) Load(m model.Counters) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(m.Time) != len(c.c.Time) || len(m.Power) != len(c.c.Power) {
		return fmt.Errorf("counters of %d entries, want %d", len(m.Time), len(c.c.Time))
	}
	if int(m.Index) >= len(m.Time) {
		return fmt.Errorf("counter index %d out of %d", m.Index, len(m.Time))
	}
	c.c.Index = m.Index
	copy(c.c.Time, m.Time)
	copy(c.c.Power, m.Power)
	return nil
}
