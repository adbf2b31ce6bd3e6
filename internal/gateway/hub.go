// Package gateway bridges a CAN channel to Cannelloni TCP clients. Bus
// frames fan out through the Hub; client frames go to the driver.
package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/dispatch"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q (use drop|kick)", s)
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound buffer of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

func (c *Client) isClosed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}

// Hub fans frames out to clients. The client list is copy-on-write so
// Broadcast takes no lock and never blocks; it is safe to call from an
// interrupt handler.
type Hub struct {
	mu         sync.Mutex
	clients    atomic.Pointer[[]*Client]
	OutBufSize int
	Policy     BackpressurePolicy
}

var _ dispatch.Receiver = (*Hub)(nil)

func New() *Hub {
	h := &Hub{OutBufSize: 512}
	empty := []*Client{}
	h.clients.Store(&empty)
	return h
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	cur := *h.clients.Load()
	next := make([]*Client, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, c)
	h.clients.Store(&next)
	h.mu.Unlock()
	metrics.SetHubClients(len(next))
	if len(next) == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	cur := *h.clients.Load()
	next := make([]*Client, 0, len(cur))
	existed := false
	for _, x := range cur {
		if x == c {
			existed = true
			continue
		}
		next = append(next, x)
	}
	h.clients.Store(&next)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(len(next))
	if existed && len(next) == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast offers fr to every client honoring the backpressure policy.
func (h *Hub) Broadcast(fr can.Frame) {
	for _, c := range *h.clients.Load() {
		if c.isClosed() {
			continue // kicked, writer has not removed it yet
		}
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits and removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// ReceiveFrame makes the hub a dispatch receiver.
func (h *Hub) ReceiveFrame(fr can.Frame) { h.Broadcast(fr) }

// Snapshot returns the current clients.
func (h *Hub) Snapshot() []*Client {
	cur := *h.clients.Load()
	return append([]*Client(nil), cur...)
}

// Count returns the number of active clients.
func (h *Hub) Count() int { return len(*h.clients.Load()) }
