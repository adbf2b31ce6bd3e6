package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-node/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, s metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"tx_direct", s.TxDirect,
		"tx_queued", s.TxQueued,
		"tx_retry", s.TxRetry,
		"tx_requeued", s.TxRequeued,
		"tx_dropped", s.TxDropped,
		"rx", s.RxFrames,
		"rx_dispatched", s.RxDispatched,
		"rx_unmatched", s.RxUnmatched,
		"rx_overruns", s.RxOverruns,
		"tcp_rx", s.TCPRx,
		"tcp_tx", s.TCPTx,
		"hub_clients", s.HubClients,
		"hub_drops", s.HubDrops,
		"mqtt_published", s.MQTTPublished,
		"mqtt_dropped", s.MQTTDropped,
		"errors", s.Errors,
		"malformed", s.Malformed,
	)
}
