package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/candump"
	"github.com/kstaniek/go-can-node/internal/driver"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

type sender interface {
	Send(can.ChannelID, can.Frame) error
}

// startHeartbeat sends fr on ch every interval until ctx is done.
func startHeartbeat(ctx context.Context, s sender, ch can.ChannelID, fr can.Frame, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	l.Info("heartbeat_start", "channel", ch.String(), "frame", candump.Format(fr), "interval", interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		var overflows uint64
		for {
			select {
			case <-t.C:
				err := s.Send(ch, fr)
				if err == nil {
					continue
				}
				metrics.IncError(metrics.ErrHeartbeat)
				if errors.Is(err, driver.ErrTxOverflow) {
					overflows++
					// the bus is saturated or unplugged; log on powers of two
					if overflows&(overflows-1) == 0 {
						l.Warn("heartbeat_overflow", "channel", ch.String(), "count", overflows)
					}
					continue
				}
				l.Error("heartbeat_error", "channel", ch.String(), "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}
