// Package codec tags stored fixed-point values with a one-bit polarity.
//
// The top bit of a stored word carries the polarity. The remaining bits
// hold the payload shifted by Bias, so that a biased payload of zero never
// results from Encode. Blank words and the Sentinel therefore always decode
// as stale. The tag costs PrecisionBits of dynamic range: payloads saturate
// to [-(Bias-1), Bias-1].
package codec

import (
	"errors"
	"fmt"
	"math"
)

// PrecisionBits is the dynamic range given up for the tag.
const PrecisionBits = 1

// ErrInvalidCodec indicates Bias and Sentinel can collide.
var ErrInvalidCodec = errors.New("invalid codec parameters")

// Codec describes the tagging of one fixed-point width.
type Codec struct {
	Width    uint
	Bias     uint64
	Sentinel uint64
}

// ForWidth derives the bias and sentinel for a word width.
func ForWidth(width uint) Codec {
	return Codec{
		Width:    width,
		Bias:     1 << (width - 2),
		Sentinel: 1 << (width - 1),
	}
}

var (
	// Q15 tags 16-bit q15 words: bias 0x4000, sentinel 0x8000.
	Q15 = ForWidth(16)
	// IQ31 tags 32-bit words: bias 0x40000000, sentinel 0x80000000.
	IQ31 = ForWidth(32)
)

// Value is a decoded word.
type Value struct {
	Polarity uint8
	Payload  int64
	Sentinel bool
}

// Stale tells whether the value was not written with the expected polarity.
func (v Value) Stale(expected uint8) bool {
	return v.Sentinel || v.Polarity != expected&1
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.Sentinel {
		return "<sentinel>"
	}
	return fmt.Sprintf("%d/%d", v.Payload, v.Polarity)
}

// Validate checks that no encoded value can be mistaken for the sentinel.
func (c Codec) Validate() error {
	if c.Width < 4 || c.Width > 64 {
		return fmt.Errorf("%w: width %d", ErrInvalidCodec, c.Width)
	}
	if c.Bias == 0 || 2*c.Bias-1 > c.payloadMask() {
		return fmt.Errorf("%w: bias %#x", ErrInvalidCodec, c.Bias)
	}
	if c.Sentinel&^c.wordMask() != 0 {
		return fmt.Errorf("%w: sentinel %#x wider than %d bits", ErrInvalidCodec, c.Sentinel, c.Width)
	}
	if s := c.Sentinel & c.payloadMask(); s != 0 && s < 2*c.Bias {
		return fmt.Errorf("%w: sentinel %#x within encoded range", ErrInvalidCodec, c.Sentinel)
	}
	return nil
}

func (c Codec) tagBit() uint64 {
	return 1 << (c.Width - 1)
}

func (c Codec) payloadMask() uint64 {
	return c.tagBit() - 1
}

func (c Codec) wordMask() uint64 {
	return c.tagBit()<<1 - 1
}

// MaxPayload is the largest magnitude representable with a tag.
func (c Codec) MaxPayload() int64 {
	return int64(c.Bias) - 1
}

// Saturate clamps payload into the taggable range.
func (c Codec) Saturate(payload int64) int64 {
	if max := c.MaxPayload(); payload > max {
		return max
	} else if payload < -max {
		return -max
	}
	return payload
}

// Encode stores payload tagged with polarity.
func (c Codec) Encode(payload int64, polarity uint8) uint64 {
	stored := uint64(c.Saturate(payload) + int64(c.Bias))
	if polarity&1 != 0 {
		stored |= c.tagBit()
	}
	return stored
}

// Decode splits a stored word into its tag and payload.
func (c Codec) Decode(stored uint64) Value {
	stored &= c.wordMask()
	v := Value{Polarity: uint8(stored >> (c.Width - 1))}
	biased := stored & c.payloadMask()
	if stored == c.Sentinel || biased == 0 || biased >= 2*c.Bias {
		v.Sentinel = true
		return v
	}
	v.Payload = int64(biased) - int64(c.Bias)
	return v
}

// PolarityOf returns the tag of a stored word.
func (c Codec) PolarityOf(stored uint64) uint8 {
	return uint8((stored & c.wordMask()) >> (c.Width - 1))
}

// Stale tells whether stored was not written with the expected polarity.
func (c Codec) Stale(stored uint64, expected uint8) bool {
	return c.Decode(stored).Stale(expected)
}

// Strip returns the payload, or 0 for the sentinel.
func (c Codec) Strip(stored uint64) int64 {
	return c.Decode(stored).Payload
}

// Float renders a stored word for diagnostics: the bias is removed and the
// fixed-point payload is scaled. The sentinel renders as NaN.
func (c Codec) Float(stored uint64, scale float64) float64 {
	v := c.Decode(stored)
	if v.Sentinel {
		return math.NaN()
	}
	return float64(v.Payload) * scale / float64(c.tagBit())
}
