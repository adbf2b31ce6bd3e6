package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.ID = id & can.SFFMask
	if n < 0 {
		n = 0
	}
	if n > 8 {
		n = 8
	}
	f.Len = uint8(n)
	for i := 0; i < n; i++ {
		f.Data[i] = byte(rand.Intn(256))
	}
	return f
}

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{mkFrame(0x65A, 8), mkFrame(0x755, 6), mkFrame(0x045, 0)}
	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if err != io.EOF {
		t.Fatalf("DecodeN expected EOF, got %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeNMax(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode([]can.Frame{mkFrame(1, 1), mkFrame(2, 2), mkFrame(3, 3)})
	r := bytes.NewReader(wire)
	n, err := codec.DecodeN(r, 2, func(can.Frame) {})
	if n != 2 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	fr, err := codec.Decode(r)
	if err != nil || fr.ID != 3 {
		t.Fatalf("third: %v %v", fr, err)
	}
}

func TestEncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if n != len(a) || !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
	if codec.Encode(nil) != nil {
		t.Fatal("empty batch should encode to nil")
	}
}

func TestDecodeErrors(t *testing.T) {
	codec := Codec{}
	bad := bytes.NewReader([]byte{0, 0, 0, 1, 0x89})
	if _, err := codec.Decode(bad); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	trunc := bytes.NewReader([]byte{0, 0, 0, 2, 0x05, 1, 2, 3})
	if _, err := codec.Decode(trunc); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	noLen := bytes.NewReader([]byte{0, 0, 0, 2})
	if _, err := codec.Decode(noLen); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestExtendedFramesSkipped(t *testing.T) {
	codec := Codec{}
	var wire bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0x1ABCDE|effFlag)
	wire.Write(hdr[:])
	wire.Write([]byte{2, 0xAA, 0xBB})
	wire.Write(codec.Encode([]can.Frame{mkFrame(0x123, 1)}))

	before := metrics.Snap().Malformed
	if _, err := codec.Decode(bytes.NewReader(wire.Bytes())); !errors.Is(err, ErrExtendedID) {
		t.Fatalf("expected ErrExtendedID, got %v", err)
	}
	var got []can.Frame
	n, _ := codec.DecodeN(bytes.NewReader(wire.Bytes()), 0, func(f can.Frame) { got = append(got, f) })
	if n != 1 || got[0].ID != 0x123 {
		t.Fatalf("got %v", got)
	}
	if metrics.Snap().Malformed < before+2 {
		t.Fatal("skipped frames not counted")
	}
}

func BenchmarkCodecEncode64(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x100+i), 8)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = codec.Encode(frames)
	}
}

func BenchmarkCodecEncodeTo64(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = codec.EncodeTo(&buf, frames)
	}
}

func BenchmarkCodecDecodeN64(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x300+i), 8)
	}
	wire := codec.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = codec.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
