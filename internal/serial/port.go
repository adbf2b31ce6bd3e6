package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/hw"
)

const (
	readBufSize = 4096
	// reclaim the accumulator once drained if a burst of noise grew it
	// beyond this
	reclaimThreshold = 16 * 1024
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Device frames a Port with the UART codec.
type Device struct {
	port    Port
	codec   Codec
	buf     []byte
	acc     *bytes.Buffer
	pending []can.Frame
}

var _ hw.Device = (*Device)(nil)

func NewDevice(p Port) *Device {
	return &Device{port: p, buf: make([]byte, readBufSize), acc: bytes.NewBuffer(nil)}
}

// ReadFrame blocks until the port yields a complete frame. Read timeouts
// and EOF are retried; a vanished device reports hw.ErrDeviceGone.
func (d *Device) ReadFrame(fr *can.Frame) error {
	for len(d.pending) == 0 {
		n, err := d.port.Read(d.buf)
		if n > 0 {
			d.acc.Write(d.buf[:n])
			_ = d.codec.DecodeStream(d.acc, func(f can.Frame) { d.pending = append(d.pending, f) })
			if d.acc.Len() == 0 && d.acc.Cap() > reclaimThreshold {
				d.acc = bytes.NewBuffer(nil)
			}
		}
		if err != nil {
			var perr *os.PathError
			if errors.As(err, &perr) {
				return fmt.Errorf("%w: %v", hw.ErrDeviceGone, err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if len(d.pending) == 0 {
					continue
				}
				break
			}
			if len(d.pending) == 0 {
				return err
			}
		}
	}
	*fr = d.pending[0]
	d.pending = d.pending[1:]
	return nil
}

func (d *Device) WriteFrame(fr can.Frame) error {
	_, err := d.port.Write(d.codec.Encode(fr))
	return err
}

func (d *Device) Close() error { return d.port.Close() }
