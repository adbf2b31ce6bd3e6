// Package cnl implements the Cannelloni TCP framing used by the gateway.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/transport"
)

// Identifier flag bits as carried on the wire (linux/can.h).
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
)

// Codec encodes and decodes Cannelloni frames. Stateless and safe for
// concurrent use.
type Codec struct{}

var (
	_ transport.FrameDecoder      = (*Codec)(nil)
	_ transport.MultiFrameDecoder = (*Codec)(nil)
	_ transport.FrameBatchEncoder = (*Codec)(nil)
)

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrExtendedID is returned for EFF, RTR or error frames. The frame was
	// fully consumed, so the stream stays aligned.
	ErrExtendedID = errors.New("cannelloni: unsupported extended or remote frame")
)

// Encode packs frames into one Cannelloni packet.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w as 4-byte big-endian ID, 1-byte length and
// payload, and returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [5]byte
	for i := range frames {
		f := &frames[i]
		p := f.Payload()
		binary.BigEndian.PutUint32(hdr[:4], f.ID&can.SFFMask)
		hdr[4] = byte(len(p))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if len(p) > 0 {
			n, err = w.Write(p)
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean
// frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	if id&(effFlag|rtrFlag|errFlag) != 0 || id > can.SFFMask {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w: 0x%08X", ErrExtendedID, id)
	}
	f.ID = id
	return f, nil
}

// DecodeN decodes up to max frames (max <= 0: until error) and invokes
// onFrame for each. Unsupported frames are skipped. It returns the number
// of frames delivered and the terminal error, io.EOF at a clean end.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if errors.Is(err, ErrExtendedID) {
			continue
		}
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
