package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Hello is the greeting each peer sends once before any frame.
const Hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends Hello and expects it back. Both directions run at once
// so an unbuffered conn such as net.Pipe cannot stall. The exchange ends
// at timeout or when ctx is done, whichever is first; cancellation
// expires the conn deadline to unblock pending I/O.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.WriteString(c, Hello)
		return err
	})
	g.Go(func() error {
		var got [len(Hello)]byte
		if _, err := io.ReadFull(c, got[:]); err != nil {
			return err
		}
		if string(got[:]) != Hello {
			return fmt.Errorf("%w: got %q", ErrBadHello, got[:])
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
