package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/hw"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/serial"
	"github.com/kstaniek/go-can-node/internal/socketcan"
)

// openSerialPort and openSocketCANDevice are hooks for tests.
var (
	openSerialPort      = serial.Open
	openSocketCANDevice = defaultOpenSocketCAN
)

func defaultOpenSocketCAN(iface string) (hw.Device, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// backend is the set of peripherals the driver is initialized with.
type backend struct {
	periph  [can.NumChannels]hw.Peripheral
	bus     *hw.SimBus
	closers []func() error
}

func (b *backend) peripheral(ch can.ChannelID) hw.Peripheral { return b.periph[ch] }

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
	b.closers = nil
}

// initBackend builds one peripheral per enabled channel. Simulated
// controllers are paced by goroutines tracked in wg.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	b := &backend{}
	var err error
	switch cfg.backend {
	case "sim":
		b.initSim(ctx, cfg, l, wg)
	case "socketcan":
		err = b.initSocketCAN(ctx, cfg, l)
	case "serial":
		err = b.initSerial(ctx, cfg, l)
	default:
		err = fmt.Errorf("unknown backend %q (use sim|socketcan|serial)", cfg.backend)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) initSim(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) {
	b.bus = hw.NewSimBus()
	for ch := can.ChannelID(0); ch < can.NumChannels; ch++ {
		if !cfg.enabled(ch) {
			continue
		}
		s := hw.NewSim()
		b.bus.Attach(s)
		b.periph[ch] = s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.Warn("sim_run_end", "channel", ch.String(), "error", err)
			}
		}()
		l.Info("sim_attach", "channel", ch.String(), "mailboxes", hw.SimMailboxes, "rx_depth", hw.SimRxDepth)
	}
}

func (b *backend) initSocketCAN(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	ifaces := [can.NumChannels]string{cfg.can1If, cfg.can2If}
	for ch := can.ChannelID(0); ch < can.NumChannels; ch++ {
		if !cfg.enabled(ch) {
			continue
		}
		dev, err := openSocketCANDevice(ifaces[ch])
		if err != nil {
			return fmt.Errorf("socketcan open %s: %w", ifaces[ch], err)
		}
		br := hw.NewBridge(ctx, ch.String(), dev,
			hw.WithBridgeLogger(l),
			hw.WithErrorLabels(metrics.ErrSocketCANRead, metrics.ErrSocketCANWrite))
		b.periph[ch] = br
		b.closers = append(b.closers, br.Close)
		l.Info("socketcan_open", "channel", ch.String(), "if", ifaces[ch])
	}
	return nil
}

func (b *backend) initSerial(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return fmt.Errorf("open serial: %w", err)
	}
	br := hw.NewBridge(ctx, can.CAN1.String(), serial.NewDevice(sp),
		hw.WithBridgeLogger(l),
		hw.WithErrorLabels(metrics.ErrSerialRead, metrics.ErrDeviceWrite))
	b.periph[can.CAN1] = br
	b.closers = append(b.closers, br.Close)
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	return nil
}
