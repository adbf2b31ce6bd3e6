package driver

import (
	"sync"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/hw"
)

// fakePeripheral records every interaction. accept decides each transmit
// attempt; nil accepts everything.
type fakePeripheral struct {
	mu        sync.Mutex
	cfg       hw.Config
	cfgErr    error
	accept    func(attempt int, f can.Frame) bool
	attempts  int
	sent      []can.Frame
	rx        []can.Frame
	rxIE      bool
	txIE      bool
	txEnables int
}

func (p *fakePeripheral) Configure(cfg hw.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return p.cfgErr
}

func (p *fakePeripheral) TryTransmit(f can.Frame) hw.TxStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.attempts
	p.attempts++
	if p.accept != nil && !p.accept(n, f) {
		return hw.NoCapacity
	}
	p.sent = append(p.sent, f)
	return hw.Accepted
}

func (p *fakePeripheral) ReceiveOne() (can.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		return can.Frame{}, false
	}
	f := p.rx[0]
	p.rx = p.rx[1:]
	return f, true
}

func (p *fakePeripheral) SetInterrupt(src hw.Source, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch src {
	case hw.SourceRxPending:
		p.rxIE = on
	case hw.SourceTxEmpty:
		if on && !p.txIE {
			p.txEnables++
		}
		p.txIE = on
	}
}

func (p *fakePeripheral) setAccept(fn func(int, can.Frame) bool) {
	p.mu.Lock()
	p.accept = fn
	p.mu.Unlock()
}

func (p *fakePeripheral) push(f can.Frame) {
	p.mu.Lock()
	p.rx = append(p.rx, f)
	p.mu.Unlock()
}

func (p *fakePeripheral) txEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txIE
}

func (p *fakePeripheral) sentFrames() []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]can.Frame(nil), p.sent...)
}

func rejectAll(int, can.Frame) bool { return false }
