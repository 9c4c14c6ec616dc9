package platform

import (
	"context"
	"time"

	"github.com/robotalks/icnn/pkg/checkpoint"
)

// Timer ticks the counters periodically, like a timer interrupt.
type Timer struct {
	Counters *checkpoint.Counters
	Interval time.Duration
}

// Run implements framework.Runnable.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Counters.Tick()
		}
	}
}
