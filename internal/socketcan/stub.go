//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-node/internal/can"
)

var ErrUnsupported = errors.New("socketcan: only available on linux")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
func (*Device) Close() error               { return nil }
