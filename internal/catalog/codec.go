package catalog

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kstaniek/go-can-node/internal/can"
)

// Values maps field names to numbers. Bitfield members are keyed
// field_member.
type Values map[string]float64

// Encode builds the frame for p. Missing values encode as zero.
func (p *Packet) Encode(v Values) (can.Frame, error) {
	f := can.Frame{ID: p.ID, Len: uint8(p.Len())}
	off := 0
	for _, fd := range p.Data {
		b := f.Data[off:]
		x := v[fd.Name]
		switch fd.Type {
		case "uint8", "int8":
			b[0] = byte(int64(x))
		case "bool":
			if x != 0 {
				b[0] = 1
			}
		case "uint16", "int16":
			binary.LittleEndian.PutUint16(b, uint16(int64(x)))
		case "uint32", "int32":
			binary.LittleEndian.PutUint32(b, uint32(int64(x)))
		case "float":
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(x)))
		case "bitfield":
			shift := 0
			for _, bit := range fd.Bits {
				mask := byte(1<<bit.Bitnum - 1)
				b[0] |= (byte(int64(v[fd.Name+"_"+bit.Name])) & mask) << shift
				shift += bit.Bitnum
			}
		default:
			return can.Frame{}, fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalid, p.Name, fd.Name, fd.Type)
		}
		off += typeLen[fd.Type]
	}
	return f, nil
}

// Decode unpacks f according to p.
func (p *Packet) Decode(f can.Frame) (Values, error) {
	if int(f.Len) < p.Len() {
		return nil, fmt.Errorf("%w: %s: frame has %d bytes, want %d", ErrInvalid, p.Name, f.Len, p.Len())
	}
	v := Values{}
	off := 0
	for _, fd := range p.Data {
		b := f.Data[off:]
		switch fd.Type {
		case "uint8":
			v[fd.Name] = float64(b[0])
		case "int8":
			v[fd.Name] = float64(int8(b[0]))
		case "bool":
			v[fd.Name] = float64(b[0] & 1)
		case "uint16":
			v[fd.Name] = float64(binary.LittleEndian.Uint16(b))
		case "int16":
			v[fd.Name] = float64(int16(binary.LittleEndian.Uint16(b)))
		case "uint32":
			v[fd.Name] = float64(binary.LittleEndian.Uint32(b))
		case "int32":
			v[fd.Name] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "float":
			v[fd.Name] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "bitfield":
			shift := 0
			for _, bit := range fd.Bits {
				mask := byte(1<<bit.Bitnum - 1)
				v[fd.Name+"_"+bit.Name] = float64((b[0] >> shift) & mask)
				shift += bit.Bitnum
			}
		}
		off += typeLen[fd.Type]
	}
	return v, nil
}
