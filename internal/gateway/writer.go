package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

// clientWriter owns the outbound half of one connection. Bus frames are
// coalesced until the batch fills or the flush ticker fires.
type clientWriter struct {
	s     *Server
	conn  net.Conn
	cl    *Client
	batch []can.Frame
}

func (s *Server) startWriter(done <-chan struct{}, conn net.Conn, cl *Client, l *slog.Logger) {
	w := &clientWriter{s: s, conn: conn, cl: cl, batch: make([]can.Frame, 0, s.batchSize)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reason := w.run(done)
		_ = conn.Close()
		s.forget(cl)
		s.stats.disconnected.Add(1)
		l.Info("client_disconnected", "reason", reason)
	}()
}

// run returns why the client went away.
func (w *clientWriter) run(done <-chan struct{}) string {
	t := time.NewTicker(w.s.flushInterval)
	defer t.Stop()
	for {
		select {
		case fr := <-w.cl.Out:
			w.batch = append(w.batch, fr)
			if len(w.batch) < w.s.batchSize {
				continue
			}
		case <-t.C:
		case <-w.cl.Closed:
			_ = w.flush()
			return "closed"
		case <-done:
			_ = w.flush()
			return "shutdown"
		}
		if err := w.flush(); err != nil {
			return "write_error"
		}
	}
}

func (w *clientWriter) flush() error {
	n := len(w.batch)
	if n == 0 {
		return nil
	}
	defer func() { w.batch = w.batch[:0] }()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.s.writeTimeout))
	if _, err := w.s.codec.EncodeTo(w.conn, w.batch); err != nil {
		err = fmt.Errorf("%w: %d frames: %v", ErrConnWrite, n, err)
		w.s.setError(err)
		return err
	}
	metrics.AddTCPTx(n)
	return nil
}
