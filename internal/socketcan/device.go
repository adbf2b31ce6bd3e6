//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/hw"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

type Device struct {
	fd    int
	iface string
}

var _ hw.Device = (*Device)(nil)

// Open binds a raw CAN socket to iface. The kernel filter only passes
// standard-identifier data frames.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// older kernels do not know this option
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	sff := []unix.CanFilter{{Id: 0, Mask: unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG}}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, sff); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set raw filter: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame blocks for the next standard data frame.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [frameSize]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENETDOWN) {
				return fmt.Errorf("%s: %w: %v", d.iface, hw.ErrDeviceGone, err)
			}
			return err
		}
		f, err := decode(buf[:n])
		if errors.Is(err, ErrSkipped) {
			continue
		}
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		*fr = f
		return nil
	}
}

func (d *Device) WriteFrame(fr can.Frame) error {
	buf := encode(fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
