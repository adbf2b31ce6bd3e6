package main

import (
	"log/slog"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/cnl"
	"github.com/kstaniek/go-can-node/internal/driver"
	"github.com/kstaniek/go-can-node/internal/gateway"
)

// initHub builds the client fan-out and registers it for every frame on
// the gateway channel.
func initHub(cfg *appConfig, drv *driver.Driver, l *slog.Logger) (*gateway.Hub, error) {
	h := gateway.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy, _ = gateway.ParsePolicy(cfg.hubPolicy)
	if err := drv.RegisterHandler(cfg.gwChannel, 0, 0, h); err != nil {
		return nil, err
	}
	l.Info("hub_config", "channel", cfg.gwChannel.String(), "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h, nil
}

func newGatewayServer(cfg *appConfig, h *gateway.Hub, drv *driver.Driver, l *slog.Logger) *gateway.Server {
	ch := cfg.gwChannel
	return gateway.NewServer(
		gateway.WithListenAddr(cfg.listenAddr),
		gateway.WithHub(h),
		gateway.WithCodec(&cnl.Codec{}),
		gateway.WithSend(func(fr can.Frame) error { return drv.Send(ch, fr) }),
		gateway.WithLogger(l),
		gateway.WithMaxClients(cfg.maxClients),
		gateway.WithHandshakeTimeout(cfg.handshakeTO),
		gateway.WithReadDeadline(cfg.clientReadTO),
	)
}
