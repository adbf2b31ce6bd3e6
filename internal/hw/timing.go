package hw

import (
	"errors"
	"fmt"
)

// MaxPrescaler is the largest baud rate prescaler the controller accepts.
const MaxPrescaler = 1024

var (
	ErrInvalidBitrate     = errors.New("hw: bitrate must be positive")
	ErrBitrateUnreachable = errors.New("hw: bitrate unreachable with this clock")
)

// Segments is the time quantum allocation of one bit, excluding the
// one-quantum sync segment.
type Segments struct {
	Prop   uint32
	Phase1 uint32
	Phase2 uint32
	SJW    uint32
}

// DefaultSegments is the fixed 15-quanta allocation used by the node.
var DefaultSegments = Segments{Prop: 1, Phase1: 8, Phase2: 5, SJW: 1}

// Quanta returns the number of time quanta per bit.
func (s Segments) Quanta() uint32 { return 1 + s.Prop + s.Phase1 + s.Phase2 }

func (s Segments) validate() error {
	switch {
	case s.Prop+s.Phase1 < 1 || s.Prop+s.Phase1 > 16:
		return fmt.Errorf("hw: time segment 1 out of range: %d", s.Prop+s.Phase1)
	case s.Phase2 < 1 || s.Phase2 > 8:
		return fmt.Errorf("hw: time segment 2 out of range: %d", s.Phase2)
	case s.SJW < 1 || s.SJW > 4 || s.SJW > s.Phase2:
		return fmt.Errorf("hw: resync jump width out of range: %d", s.SJW)
	}
	return nil
}

// Timing is a derived bit timing.
type Timing struct {
	Prescaler uint32
	Segments
}

// DeriveTiming computes the prescaler as clockHz / bitrate / quanta with
// truncating integer division evaluated left to right. The achieved rate
// may therefore exceed the target; see Timing.Bitrate.
func DeriveTiming(clockHz, bitrate uint32, seg Segments) (Timing, error) {
	if bitrate == 0 {
		return Timing{}, ErrInvalidBitrate
	}
	if err := seg.validate(); err != nil {
		return Timing{}, err
	}
	p := clockHz / bitrate / seg.Quanta()
	if p == 0 || p > MaxPrescaler {
		return Timing{}, fmt.Errorf("%w: clock=%d bitrate=%d prescaler=%d", ErrBitrateUnreachable, clockHz, bitrate, p)
	}
	return Timing{Prescaler: p, Segments: seg}, nil
}

// Bitrate returns the bit rate actually produced from clockHz.
func (t Timing) Bitrate(clockHz uint32) uint32 {
	d := t.Prescaler * t.Quanta()
	if d == 0 {
		return 0
	}
	return clockHz / d
}

// BTR encodes the timing as a bxCAN bit timing register value.
func (t Timing) BTR() uint32 {
	ts1 := t.Prop + t.Phase1
	return (t.SJW-1)<<24 | (t.Phase2-1)<<20 | (ts1-1)<<16 | (t.Prescaler - 1)
}

func (t Timing) String() string {
	return fmt.Sprintf("brp=%d ts1=%d ts2=%d sjw=%d", t.Prescaler, t.Prop+t.Phase1, t.Phase2, t.SJW)
}
