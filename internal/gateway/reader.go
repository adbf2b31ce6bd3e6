package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/driver"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, l *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, readBurst, func(fr can.Frame) { s.forward(fr, l) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				s.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// forward puts a client frame on the bus. A full transmit queue drops the
// frame quietly.
func (s *Server) forward(fr can.Frame, l *slog.Logger) {
	metrics.IncTCPRx()
	if s.send == nil {
		return
	}
	err := s.send(fr)
	switch {
	case err == nil:
	case errors.Is(err, driver.ErrTxOverflow):
		s.stats.busOverflow.Add(1)
		l.Debug("bus_overflow_drop", "can_id", fmt.Sprintf("0x%03X", fr.ID), "len", fr.Len)
	default:
		wrap := fmt.Errorf("%w: %v", ErrBusTx, err)
		s.setError(wrap)
		s.stats.busErrors.Add(1)
		l.Error("bus_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%03X", fr.ID))
	}
}
