// Package socketcan is a Linux raw CAN socket used as a frame Device.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-node/internal/can"
)

// struct can_frame (linux/can.h):
//
//	can_id  u32 [0:4]  identifier plus EFF/RTR/ERR flags
//	can_dlc u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
const (
	frameSize = 16
	effFlag   = 0x80000000
	rtrFlag   = 0x40000000
	errFlag   = 0x20000000
)

// ErrSkipped marks a frame the node does not handle (extended, remote or
// error frame).
var ErrSkipped = errors.New("socketcan: frame skipped")

// The kernel uses host byte order; all supported targets are little-endian.
func encode(fr can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID&can.SFFMask)
	buf[4] = fr.Len
	copy(buf[8:], fr.Payload())
	return buf
}

func decode(buf []byte) (can.Frame, error) {
	var fr can.Frame
	if len(buf) != frameSize {
		return fr, fmt.Errorf("short read: %d", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&(effFlag|rtrFlag|errFlag) != 0 {
		return fr, ErrSkipped
	}
	dlc := buf[4]
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	fr.ID = id & can.SFFMask
	fr.Len = dlc
	copy(fr.Data[:], buf[8:8+int(dlc)])
	return fr, nil
}
