package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/cnl"
	"github.com/kstaniek/go-can-node/internal/driver"
)

type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *capture) send(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	opts = append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithHandshakeTimeout(time.Second)}, opts...)
	srv := NewServer(opts...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not signal readiness")
	}
	return srv, cancel
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_ClientToBus(t *testing.T) {
	cp := &capture{}
	srv, cancel := startServer(t, WithSend(cp.send))
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	codec := &cnl.Codec{}
	if _, err := codec.EncodeTo(conn, []can.Frame{{ID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "bus frame", func() bool { return cp.len() == 1 })
	cp.mu.Lock()
	got := cp.frames[0]
	cp.mu.Unlock()
	if got.ID != 0x123 || got.Len != 3 || got.Data[2] != 3 {
		t.Fatalf("unexpected frame %v", got)
	}
}

func TestServer_BusToClient(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	waitFor(t, "hub registration", func() bool { return srv.Hub().Count() == 1 })

	srv.Hub().Broadcast(can.Frame{ID: 0x456, Len: 2, Data: [8]byte{9, 8}})
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	fr, err := (&cnl.Codec{}).Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr.ID != 0x456 || fr.Len != 2 || fr.Data[0] != 9 {
		t.Fatalf("unexpected frame %v", fr)
	}
}

func TestServer_BatchFlush(t *testing.T) {
	srv, cancel := startServer(t, WithBatchSize(8), WithFlushInterval(time.Hour))
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	waitFor(t, "hub registration", func() bool { return srv.Hub().Count() == 1 })

	for i := 0; i < 8; i++ {
		srv.Hub().Broadcast(can.Frame{ID: uint32(0x700 + i), Len: 1, Data: [8]byte{byte(i)}})
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	codec := &cnl.Codec{}
	for i := 0; i < 8; i++ {
		fr, err := codec.Decode(conn)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if fr.ID != uint32(0x700+i) || fr.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, fr)
		}
	}
}

func TestServer_MaxClientsReject(t *testing.T) {
	srv, cancel := startServer(t, WithMaxClients(1))
	defer cancel()

	c1 := dialAndHandshake(t, srv.Addr())
	defer c1.Close()
	waitFor(t, "first client", func() bool { return srv.Hub().Count() == 1 })

	c2 := dialAndHandshake(t, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected rejected connection to be closed")
	}
	if srv.Hub().Count() != 1 {
		t.Fatalf("count=%d", srv.Hub().Count())
	}
}

func TestServer_BadHelloCounted(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("NOTCANNELLON"))
	waitFor(t, "handshake failure", func() bool { return srv.Stats().HandshakeFail == 1 })
	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrHandshake) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
}

func TestServer_OverflowIsQuietDrop(t *testing.T) {
	cp := &capture{err: fmt.Errorf("can1: %w", driver.ErrTxOverflow)}
	srv, cancel := startServer(t, WithSend(cp.send))
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	_, _ = (&cnl.Codec{}).EncodeTo(conn, []can.Frame{{ID: 1}, {ID: 2}})
	waitFor(t, "overflow drops", func() bool { return srv.Stats().BusOverflow == 2 })
	if srv.Stats().BusErrors != 0 {
		t.Fatalf("overflow counted as bus error")
	}
}

func TestServer_BusErrorCounted(t *testing.T) {
	cp := &capture{err: errors.New("boom")}
	srv, cancel := startServer(t, WithSend(cp.send))
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	_, _ = (&cnl.Codec{}).EncodeTo(conn, []can.Frame{{ID: 1}})
	waitFor(t, "bus error", func() bool { return srv.Stats().BusErrors == 1 })
}

func TestServer_Shutdown(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	waitFor(t, "hub registration", func() bool { return srv.Hub().Count() == 1 })

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitFor(t, "client removal", func() bool { return srv.Hub().Count() == 0 })
	if st := srv.Stats(); st.Disconnected != 1 {
		t.Fatalf("disconnected=%d", st.Disconnected)
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: x", ErrConnRead):  "tcp_read",
		fmt.Errorf("%w: x", ErrConnWrite): "tcp_write",
		fmt.Errorf("%w: x", ErrHandshake): "handshake",
		fmt.Errorf("%w: x", ErrAccept):    "tcp_read",
		fmt.Errorf("%w: x", ErrBusTx):     "gateway_tx",
		ErrContext:                        "context",
		errors.New("other"):               "other",
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Fatalf("%v -> %q, want %q", err, got, want)
		}
	}
}
