// Package serial talks to an Ampio-style UART/CAN bridge.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

// UART envelope: [0x2D, 0xD4, len, data..., checksum] where len counts the
// data bytes plus the checksum and checksum = 0x2D + len + sum(data).
const (
	pre0 = 0x2D
	pre1 = 0xD4

	// outbound data = INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	insSend = 2
	// inbound data = ID(4) + PAYLOAD(0..8)
	minLn = 4 + 0 + 1
	maxLn = 4 + 8 + 1
)

// ErrUnsupportedID is reported for inbound identifiers beyond 11 bits.
var ErrUnsupportedID = errors.New("serial: identifier beyond standard range")

type Codec struct{}

// CompactBuffer copies the unread bytes into a fresh buffer once they
// occupy under a quarter of the total capacity, consumed prefix included.
// It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if len(data)*4 < b.Cap() {
		fresh := bytes.NewBuffer(make([]byte, 0, 2*len(data)))
		fresh.Write(data)
		*b = *fresh
		return true
	}
	return false
}

func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps f in a send instruction.
func (Codec) Encode(f can.Frame) []byte {
	p := f.Payload()
	tab := make([]byte, 6+len(p))
	tab[0] = insSend
	tab[1] = 0x80 | byte(len(p))
	binary.BigEndian.PutUint32(tab[2:6], f.ID&can.SFFMask)
	copy(tab[6:], p)
	return envelope(tab)
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial input stays buffered; garbage and bad checksums are skipped one
// byte at a time and counted as malformed. Identifiers beyond 11 bits are
// dropped.
//
// Example frame (DLC=8):
//
//	2D D4                    preamble
//	0D                       len = ID(4) + payload(8) + checksum(1)
//	00 00 01 23              ID 0x123
//	FE 10 19 09 19 04 01 20  payload
//	xx                       checksum
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1]
		if id > can.SFFMask {
			metrics.IncMalformed()
			in.Next(req)
			continue
		}
		var f can.Frame
		f.ID = id
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)
		in.Next(req)
		out(f)
	}
}
