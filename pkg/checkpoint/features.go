package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/robotalks/icnn/pkg/codec"
)

// ErrInvalidFeatures indicates an unsupported feature combination.
var ErrInvalidFeatures = errors.New("invalid features")

// Features selects the optional behaviors of the driver. It is resolved
// once at startup.
type Features struct {
	// StateBits tags every output value with the polarity of its attempt,
	// so that a resumed layer recomputes only the missing values.
	// Without it a resumed layer restarts from its first value.
	StateBits bool
	// Footprints leaves data values untagged and appends one tagged
	// footprint value after every job of JobValues values. Requires
	// StateBits.
	Footprints bool
	JobValues  int
	// PerLayerCounters selects one counter entry per layer instead of one
	// per run.
	PerLayerCounters bool
	// AsyncWriteDelay, if positive, writes output chunks in the
	// background.
	AsyncWriteDelay time.Duration
	// Codec tags q15 outputs.
	Codec codec.Codec
}

// DefaultFeatures is the fully instrumented configuration.
var DefaultFeatures = Features{
	StateBits:        true,
	JobValues:        16,
	PerLayerCounters: true,
	Codec:            codec.Q15,
}

// Validate checks the combination.
func (f *Features) Validate() error {
	if f.Footprints && !f.StateBits {
		return fmt.Errorf("%w: footprints require state bits", ErrInvalidFeatures)
	}
	if f.Footprints && f.JobValues <= 0 {
		return fmt.Errorf("%w: job of %d values", ErrInvalidFeatures, f.JobValues)
	}
	if f.StateBits {
		if f.Codec.Width != 16 {
			return fmt.Errorf("%w: outputs are q15, codec width %d", ErrInvalidFeatures, f.Codec.Width)
		}
		if err := f.Codec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFeatures, err)
		}
	}
	return nil
}

// storedLen is the number of stored values for count data values.
func (f *Features) storedLen(count int) int {
	if !f.Footprints {
		return count
	}
	return count + (count+f.JobValues-1)/f.JobValues
}
