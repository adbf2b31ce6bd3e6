// Package telemetry mirrors received CAN frames to an MQTT broker.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/candump"
	"github.com/kstaniek/go-can-node/internal/dispatch"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/transport"
)

var (
	ErrPublishTimeout = errors.New("mqtt: publish timeout")
	ErrConnect        = errors.New("mqtt: connect")
	ErrQueueFull      = errors.New("mqtt: publish queue full")
)

// Client is the part of paho.Client the publisher uses.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

const (
	DefaultQueue   = 256
	DefaultTimeout = 2 * time.Second
)

type message struct {
	ch can.ChannelID
	fr can.Frame
}

// Publisher queues frames from interrupt context and publishes them from a
// worker goroutine.
type Publisher struct {
	client  Client
	prefix  string
	qos     byte
	timeout time.Duration
	queue   int
	logger  *slog.Logger
	tx      *transport.AsyncTx[message]

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

type Option func(*Publisher)

func WithQoS(q byte) Option { return func(p *Publisher) { p.qos = q } }

func WithQueue(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher starts the publish worker; it stops with ctx or Close.
func NewPublisher(ctx context.Context, client Client, prefix string, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		prefix:  prefix,
		timeout: DefaultTimeout,
		queue:   DefaultQueue,
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(p)
	}
	p.tx = transport.NewAsyncTx(ctx, p.queue, p.publish, transport.Hooks{
		OnError: func(err error) {
			p.failed.Add(1)
			metrics.IncError(metrics.ErrMQTTPublish)
			p.logger.Debug("mqtt_publish_error", "error", err)
		},
		OnDrop: func() error {
			p.dropped.Add(1)
			metrics.IncMQTTDropped()
			return ErrQueueFull
		},
	})
	return p
}

// Connect waits for the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	tok := p.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// Receiver returns a dispatch receiver that tags frames with ch.
func (p *Publisher) Receiver(ch can.ChannelID) dispatch.Receiver {
	return dispatch.ReceiverFunc(func(fr can.Frame) {
		_ = p.tx.Send(message{ch: ch, fr: fr})
	})
}

// Topic returns <prefix>/<channel>/<ID hex>.
func Topic(prefix string, ch can.ChannelID, id uint32) string {
	t := fmt.Sprintf("%s/%03X", ch, id)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		t = prefix + "/" + t
	}
	return t
}

func (p *Publisher) publish(m message) error {
	tok := p.client.Publish(Topic(p.prefix, m.ch, m.fr.ID), p.qos, false, candump.Format(m.fr))
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, Topic(p.prefix, m.ch, m.fr.ID))
	}
	if err := tok.Error(); err != nil {
		return err
	}
	p.published.Add(1)
	metrics.IncMQTTPublished()
	return nil
}

// Stats reports published, dropped and failed counts.
func (p *Publisher) Stats() (published, dropped, failed uint64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close stops the worker and disconnects.
func (p *Publisher) Close() {
	p.tx.Close()
	p.client.Disconnect(250)
	pub, drop, fail := p.Stats()
	p.logger.Info("mqtt_closed", "published", pub, "dropped", drop, "failed", fail)
}
