package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/catalog"
	"github.com/kstaniek/go-can-node/internal/driver"
	"github.com/kstaniek/go-can-node/internal/gateway"
	"github.com/kstaniek/go-can-node/internal/irq"
	"github.com/kstaniek/go-can-node/internal/led"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/telemetry"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := startNode(ctx, cfg, l)
	if err != nil {
		l.Error("startup_error", "error", err)
		os.Exit(1)
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-n.done:
		l.Warn("node_stopped")
	}
	n.shutdown()
}

// node is a running can-node: driver, backend and the optional services
// hanging off the dispatch tables.
type node struct {
	cfg     *appConfig
	l       *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	drv     *driver.Driver
	be      *backend
	hub     *gateway.Hub
	srv     *gateway.Server
	pub     *telemetry.Publisher
	rxlog   *rxLogger
	http    *http.Server
	stopOne sync.Once
}

// startNode brings the node up: interrupt controller, driver and channel
// init, handler registration, Start, then the services.
func startNode(parent context.Context, cfg *appConfig, l *slog.Logger) (*node, error) {
	ctx, cancel := context.WithCancel(parent)
	n := &node{cfg: cfg, l: l, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	if err := n.start(); err != nil {
		n.shutdown()
		return nil, err
	}
	return n, nil
}

func (n *node) start() error {
	cfg, l := n.cfg, n.l
	var cat *catalog.Catalog
	if cfg.catalogPath != "" {
		var err error
		if cat, err = catalog.Load(cfg.catalogPath); err != nil {
			return err
		}
		l.Info("catalog_loaded", "path", cfg.catalogPath, "packets", cat.Len())
	}

	ctrl := irq.New()
	n.drv = driver.New(
		driver.WithInterrupts(ctrl),
		driver.WithIndicator(led.NewActivity("can")),
		driver.WithLogger(l),
		driver.WithClock(uint32(cfg.pclk)),
	)
	be, err := initBackend(n.ctx, cfg, l, &n.wg)
	if err != nil {
		return err
	}
	n.be = be
	for ch := can.ChannelID(0); ch < can.NumChannels; ch++ {
		if !cfg.enabled(ch) {
			continue
		}
		if _, err := n.drv.Init(ch, cfg.bitrate(ch), be.peripheral(ch)); err != nil {
			return err
		}
	}

	if cfg.listenAddr != "" {
		if n.hub, err = initHub(cfg, n.drv, l); err != nil {
			return err
		}
	}
	if cfg.mqttBroker != "" {
		if err := n.initTelemetry(); err != nil {
			return err
		}
	}
	if len(cfg.logFilters) > 0 {
		n.rxlog = newRxLogger(n.ctx, cat, l)
		if err := register(n.drv, cfg.logFilters, n.rxlog.receiver); err != nil {
			return err
		}
		l.Info("log_filter", "filters", len(cfg.logFilters))
	}
	if err := n.drv.Start(); err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = ctrl.Run(n.ctx)
	}()

	if n.hub != nil {
		n.startGateway()
	}
	if cfg.heartbeat != "" {
		startHeartbeat(n.ctx, n.drv, cfg.hbChannel, cfg.hbFrame, cfg.heartbeatEvery, l, &n.wg)
	}
	metrics.SetReadinessFunc(n.ready)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		n.http = metrics.StartHTTP(cfg.metricsAddr)
	}
	startMetricsLogger(n.ctx, cfg.logMetricsEvery, l, &n.wg)
	return nil
}

func (n *node) initTelemetry() error {
	opts, prefix, err := telemetry.ClientOptionsFromURL(n.cfg.mqttBroker)
	if err != nil {
		return err
	}
	n.pub = telemetry.NewPublisher(n.ctx, paho.NewClient(opts), prefix, telemetry.WithLogger(n.l))
	if err := register(n.drv, n.cfg.mqttFilters, n.pub.Receiver); err != nil {
		return err
	}
	n.l.Info("mqtt_config", "broker", opts.Servers[0].String(), "prefix", prefix, "client_id", opts.ClientID, "filters", len(n.cfg.mqttFilters))
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.pub.Connect(n.ctx); err != nil && n.ctx.Err() == nil {
			n.l.Warn("mqtt_connect_failed", "error", err)
			return
		}
		n.l.Info("mqtt_connected")
	}()
	return nil
}

func (n *node) startGateway() {
	n.srv = newGatewayServer(n.cfg, n.hub, n.drv, n.l)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.srv.Serve(n.ctx); err != nil {
			n.l.Error("tcp_server_error", "error", err)
			n.stop()
		}
	}()
	if !n.cfg.mdnsEnable {
		return
	}
	go func() {
		select {
		case <-n.srv.Ready():
		case <-n.ctx.Done():
			return
		}
		port := listenPort(n.srv.Addr())
		cleanup, err := startMDNS(n.ctx, n.cfg, port)
		if err != nil {
			n.l.Warn("mdns_start_failed", "error", err)
			return
		}
		n.l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(n.cfg), "port", port)
		<-n.ctx.Done()
		cleanup()
	}()
}

// ready is true once traffic started, the gateway (if any) is listening
// and the node is not shutting down.
func (n *node) ready() bool {
	if n.ctx.Err() != nil || !n.drv.Started() {
		return false
	}
	if n.srv != nil {
		select {
		case <-n.srv.Ready():
		default:
			return false
		}
	}
	return true
}

func (n *node) stop() {
	n.stopOne.Do(func() { close(n.done) })
}

func (n *node) shutdown() {
	n.stop()
	n.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if n.srv != nil {
		if err := n.srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.l.Warn("gateway_shutdown_error", "error", err)
		}
	}
	if n.pub != nil {
		n.pub.Close()
	}
	if n.rxlog != nil {
		n.rxlog.Close()
	}
	if n.be != nil {
		n.be.Close()
	}
	if n.http != nil {
		_ = n.http.Shutdown(ctx)
	}
	n.wg.Wait()
	if n.drv != nil {
		logSnapshot(n.l, metrics.Snap())
	}
}
