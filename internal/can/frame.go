package can

import (
	"errors"
	"fmt"
	"strings"
)

// Standard (CAN 2.0A) identifier space. Extended identifiers are not supported.
const (
	SFFMask = 0x7FF
	MaxLen  = 8
)

var (
	ErrInvalidID  = errors.New("can: identifier outside 11-bit range")
	ErrInvalidLen = errors.New("can: payload length > 8")
)

// Frame is one classic CAN data frame. It is a value type: every hand-off
// between task and interrupt context is a copy, never a shared pointer.
// Only the first Len bytes of Data are meaningful.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxLen]byte
}

// New builds a frame from an identifier and payload bytes.
func New(id uint32, data ...byte) (Frame, error) {
	var f Frame
	if len(data) > MaxLen {
		return f, ErrInvalidLen
	}
	f.ID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, f.Validate()
}

// Validate reports whether the frame fits the standard data-frame model.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return ErrInvalidLen
	}
	if f.ID > SFFMask {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the meaningful prefix of Data.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%03X [%d] % X", f.ID, f.Len, f.Payload())
}

// ChannelID names one physical CAN controller. The node uses two; the
// per-channel structures are sized by NumChannels.
type ChannelID uint8

const (
	CAN1 ChannelID = iota
	CAN2

	NumChannels = 2
)

var ErrUnknownChannel = errors.New("can: unknown channel")

// Valid reports whether c addresses a controller this build knows about.
func (c ChannelID) Valid() bool { return c < NumChannels }

// String returns the stable label used in logs and metrics (can1, can2).
func (c ChannelID) String() string { return fmt.Sprintf("can%d", uint8(c)+1) }

// Index returns the zero-based table index of the channel.
func (c ChannelID) Index() int { return int(c) }

// ParseChannel accepts "1", "can1" or "CAN1" style names.
func ParseChannel(s string) (ChannelID, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "can")
	if len(v) != 1 || v[0] < '1' || v[0] > '0'+NumChannels {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return ChannelID(v[0] - '1'), nil
}
