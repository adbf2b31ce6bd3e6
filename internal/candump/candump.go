// Package candump reads and writes frames in the candump/cansend text
// notation ("123#DEADBEEF").
package candump

import (
	"errors"
	"fmt"
	"strings"

	einride "go.einride.tech/can"

	"github.com/kstaniek/go-can-node/internal/can"
)

var (
	ErrUnsupported = errors.New("candump: remote or extended frames are not supported")
	ErrSyntax      = errors.New("candump: syntax error")
)

// Format renders f as ID#DATA with a three digit identifier.
func Format(f can.Frame) string {
	return toEinride(f).String()
}

// Parse reads the ID#DATA notation. Only standard data frames are
// accepted.
func Parse(s string) (can.Frame, error) {
	var ef einride.Frame
	if err := ef.UnmarshalString(strings.TrimSpace(s)); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %q: %v", ErrSyntax, s, err)
	}
	if ef.IsRemote || ef.IsExtended {
		return can.Frame{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	f := can.Frame{ID: ef.ID, Len: ef.Length, Data: [8]byte(ef.Data)}
	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("candump %q: %w", s, err)
	}
	return f, nil
}

// ParseChannelFrame reads "<channel>:<ID>#<DATA>", e.g. "1:701#05".
func ParseChannelFrame(s string) (can.ChannelID, can.Frame, error) {
	chs, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, can.Frame{}, fmt.Errorf("%w: %q: want channel:ID#DATA", ErrSyntax, s)
	}
	ch, err := can.ParseChannel(chs)
	if err != nil {
		return 0, can.Frame{}, err
	}
	f, err := Parse(rest)
	if err != nil {
		return 0, can.Frame{}, err
	}
	return ch, f, nil
}

func toEinride(f can.Frame) einride.Frame {
	return einride.Frame{ID: f.ID, Length: f.Len, Data: einride.Data(f.Data)}
}
