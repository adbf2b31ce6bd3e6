package hw

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/irq"
	"github.com/stretchr/testify/require"
)

// fakeDevice feeds frames from a channel and records writes.
type fakeDevice struct {
	in      chan can.Frame
	errs    chan error
	release chan struct{}
	mu      sync.Mutex
	written []can.Frame
	closed  atomic.Bool
	done    chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:      make(chan can.Frame, 16),
		errs:    make(chan error, 16),
		release: make(chan struct{}, 64),
		done:    make(chan struct{}),
	}
}

func (d *fakeDevice) ReadFrame(f *can.Frame) error {
	select {
	case fr := <-d.in:
		*f = fr
		return nil
	case err := <-d.errs:
		return err
	case <-d.done:
		return errors.New("closed")
	}
}

func (d *fakeDevice) WriteFrame(f can.Frame) error {
	select {
	case <-d.release:
	case <-d.done:
		return errors.New("closed")
	}
	d.mu.Lock()
	d.written = append(d.written, f)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close() error {
	if !d.closed.Swap(true) {
		close(d.done)
	}
	return nil
}

func (d *fakeDevice) writes() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.written...)
}

func newBridgeRig(t *testing.T, dev *fakeDevice, opts ...BridgeOption) (*Bridge, *irq.Controller, Vectors) {
	t.Helper()
	ctrl := irq.New()
	vec := Vectors{Ctrl: ctrl}
	vec.RX = ctrl.Register("rx", 4, func() {})
	vec.TX = ctrl.Register("tx", 4, func() {})
	b := NewBridge(context.Background(), "fake", dev, opts...)
	require.NoError(t, b.Configure(Config{Filter: PassAll(0), Vectors: vec}))
	t.Cleanup(func() { _ = b.Close() })
	return b, ctrl, vec
}

func TestBridgeSlotsBoundInflight(t *testing.T) {
	dev := newFakeDevice()
	b, _, _ := newBridgeRig(t, dev, WithSlots(2))
	require.Equal(t, Accepted, b.TryTransmit(can.Frame{ID: 1}))
	require.Equal(t, Accepted, b.TryTransmit(can.Frame{ID: 2}))
	require.Equal(t, NoCapacity, b.TryTransmit(can.Frame{ID: 3}))
	require.Equal(t, 2, b.InFlight())

	dev.release <- struct{}{}
	require.Eventually(t, func() bool { return b.InFlight() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Accepted, b.TryTransmit(can.Frame{ID: 3}))
	dev.release <- struct{}{}
	dev.release <- struct{}{}
	require.Eventually(t, func() bool { return len(dev.writes()) == 3 }, time.Second, time.Millisecond)
	ids := []uint32{}
	for _, f := range dev.writes() {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []uint32{1, 2, 3}, ids)
}

func TestBridgeTxInterruptOnRelease(t *testing.T) {
	dev := newFakeDevice()
	b, ctrl, vec := newBridgeRig(t, dev, WithSlots(1))
	require.Equal(t, Accepted, b.TryTransmit(can.Frame{ID: 1}))
	b.SetInterrupt(SourceTxEmpty, true)
	require.False(t, ctrl.Pending(vec.TX), "slot busy: no interrupt yet")
	dev.release <- struct{}{}
	require.Eventually(t, func() bool { return ctrl.Pending(vec.TX) }, time.Second, time.Millisecond)
}

func TestBridgeReceiveFeedsFifo(t *testing.T) {
	dev := newFakeDevice()
	b, ctrl, vec := newBridgeRig(t, dev, WithBridgeRxDepth(2))
	b.SetInterrupt(SourceRxPending, true)
	dev.in <- can.Frame{ID: 0x10, Len: 1, Data: [8]byte{0xAA}}
	require.Eventually(t, func() bool { return ctrl.Pending(vec.RX) }, time.Second, time.Millisecond)
	f, ok := b.ReceiveOne()
	require.True(t, ok)
	require.Equal(t, uint32(0x10), f.ID)
	_, ok = b.ReceiveOne()
	require.False(t, ok)

	// invalid frames are dropped, overruns counted
	dev.in <- can.Frame{ID: 0x800}
	for i := 0; i < 3; i++ {
		dev.in <- can.Frame{ID: uint32(0x20 + i)}
	}
	require.Eventually(t, func() bool { return b.Overruns() == 1 }, time.Second, time.Millisecond)
	f, _ = b.ReceiveOne()
	require.Equal(t, uint32(0x20), f.ID)
}

func TestBridgeReadBackoff(t *testing.T) {
	var mu sync.Mutex
	var sleeps []time.Duration
	orig := sleepFn
	sleepFn = func(d time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
	}
	t.Cleanup(func() { sleepFn = orig })

	dev := newFakeDevice()
	for i := 0; i < 7; i++ {
		dev.errs <- errors.New("transient")
	}
	b, _, _ := newBridgeRig(t, dev)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sleeps) == 7
	}, time.Second, time.Millisecond)
	mu.Lock()
	want := []time.Duration{20, 40, 80, 160, 320, 500, 500}
	for i, d := range want {
		require.Equal(t, d*time.Millisecond, sleeps[i])
	}
	mu.Unlock()
	_ = b
}

func TestBridgeDeviceGoneStopsReader(t *testing.T) {
	dev := newFakeDevice()
	dev.errs <- ErrDeviceGone
	b := NewBridge(context.Background(), "fake", dev)
	ctrl := irq.New()
	require.NoError(t, b.Configure(Config{Vectors: Vectors{Ctrl: ctrl}}))
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader kept running after ErrDeviceGone")
	}
	require.NoError(t, b.Close())
	require.True(t, dev.closed.Load())
}

func TestBridgeUnconfigured(t *testing.T) {
	b := NewBridge(context.Background(), "fake", newFakeDevice())
	require.Equal(t, NoCapacity, b.TryTransmit(can.Frame{}))
	require.ErrorIs(t, b.Configure(Config{}), ErrNoVectors)
	require.NoError(t, b.Close())
}
