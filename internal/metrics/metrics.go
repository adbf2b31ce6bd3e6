package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors. Bus counters are labelled by channel (can1, can2).
var (
	TxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Frames accepted by a hardware mailbox, by path (direct|retry).",
	}, []string{"channel", "path"})
	TxQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_queued_total",
		Help: "Frames pushed onto the software transmit queue because no mailbox was free.",
	}, []string{"channel"})
	TxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_dropped_total",
		Help: "Frames dropped because the software transmit queue was full.",
	}, []string{"channel"})
	TxRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_requeued_total",
		Help: "Retries that found no free mailbox and put the frame back at the front.",
	}, []string{"channel"})
	TxQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_tx_queue_depth",
		Help: "Frames currently held by the software transmit queue.",
	}, []string{"channel"})
	TxDraining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_tx_draining",
		Help: "1 while the transmit-mailbox-empty interrupt source is enabled.",
	}, []string{"channel"})
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Frames drained from the receive FIFO.",
	}, []string{"channel"})
	RxDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_dispatched_total",
		Help: "Handler invocations performed by the dispatch table.",
	}, []string{"channel"})
	RxUnmatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_unmatched_total",
		Help: "Received frames that matched no registered handler.",
	}, []string{"channel"})
	RxOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_overruns_total",
		Help: "Frames lost because the peripheral receive FIFO was full.",
	}, []string{"channel"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from gateway clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to gateway clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by the gateway hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected gateway clients.",
	})
	MQTTPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published_total",
		Help: "Frames published to the MQTT broker.",
	})
	MQTTDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_dropped_total",
		Help: "Frames dropped because the MQTT publish queue was full.",
	})
	LEDState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "led_state",
		Help: "Indicator LED state (1 on, 0 off).",
	}, []string{"led"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed frames (protocol violations, invalid length, extended IDs).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrGatewayTx      = "gateway_tx"
	ErrDeviceRead     = "device_read"
	ErrDeviceWrite    = "device_write"
	ErrMQTTPublish    = "mqtt_publish"
	ErrHeartbeat      = "heartbeat"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging without scraping.
var (
	localTxDirect   uint64
	localTxRetry    uint64
	localTxQueued   uint64
	localTxDropped  uint64
	localTxRequeued uint64
	localRx         uint64
	localDispatched uint64
	localUnmatched  uint64
	localOverruns   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localMQTTPub    uint64
	localMQTTDrop   uint64
	localErrors     uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of the local counters, summed across channels.
type Snapshot struct {
	TxDirect      uint64
	TxRetry       uint64
	TxQueued      uint64
	TxDropped     uint64
	TxRequeued    uint64
	RxFrames      uint64
	RxDispatched  uint64
	RxUnmatched   uint64
	RxOverruns    uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	MQTTPublished uint64
	MQTTDropped   uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
}

func Snap() Snapshot {
	return Snapshot{
		TxDirect:      atomic.LoadUint64(&localTxDirect),
		TxRetry:       atomic.LoadUint64(&localTxRetry),
		TxQueued:      atomic.LoadUint64(&localTxQueued),
		TxDropped:     atomic.LoadUint64(&localTxDropped),
		TxRequeued:    atomic.LoadUint64(&localTxRequeued),
		RxFrames:      atomic.LoadUint64(&localRx),
		RxDispatched:  atomic.LoadUint64(&localDispatched),
		RxUnmatched:   atomic.LoadUint64(&localUnmatched),
		RxOverruns:    atomic.LoadUint64(&localOverruns),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		HubClients:    atomic.LoadUint64(&localHubClients),
		MQTTPublished: atomic.LoadUint64(&localMQTTPub),
		MQTTDropped:   atomic.LoadUint64(&localMQTTDrop),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
	}
}

// Channel holds the pre-resolved per-channel series so interrupt handlers
// never pay for a label lookup.
type Channel struct {
	txDirect   prometheus.Counter
	txRetry    prometheus.Counter
	txQueued   prometheus.Counter
	txDropped  prometheus.Counter
	txRequeued prometheus.Counter
	queueDepth prometheus.Gauge
	draining   prometheus.Gauge
	rx         prometheus.Counter
	dispatched prometheus.Counter
	unmatched  prometheus.Counter
	overruns   prometheus.Counter
}

// ForChannel resolves the series for one channel label.
func ForChannel(label string) *Channel {
	return &Channel{
		txDirect:   TxFrames.WithLabelValues(label, "direct"),
		txRetry:    TxFrames.WithLabelValues(label, "retry"),
		txQueued:   TxQueued.WithLabelValues(label),
		txDropped:  TxDropped.WithLabelValues(label),
		txRequeued: TxRequeued.WithLabelValues(label),
		queueDepth: TxQueueDepth.WithLabelValues(label),
		draining:   TxDraining.WithLabelValues(label),
		rx:         RxFrames.WithLabelValues(label),
		dispatched: RxDispatched.WithLabelValues(label),
		unmatched:  RxUnmatched.WithLabelValues(label),
		overruns:   RxOverruns.WithLabelValues(label),
	}
}

func (c *Channel) IncTxDirect() {
	c.txDirect.Inc()
	atomic.AddUint64(&localTxDirect, 1)
}

func (c *Channel) IncTxRetry() {
	c.txRetry.Inc()
	atomic.AddUint64(&localTxRetry, 1)
}

func (c *Channel) IncTxQueued() {
	c.txQueued.Inc()
	atomic.AddUint64(&localTxQueued, 1)
}

func (c *Channel) IncTxDropped() {
	c.txDropped.Inc()
	atomic.AddUint64(&localTxDropped, 1)
}

func (c *Channel) IncTxRequeued() {
	c.txRequeued.Inc()
	atomic.AddUint64(&localTxRequeued, 1)
}

func (c *Channel) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

func (c *Channel) SetDraining(on bool) {
	if on {
		c.draining.Set(1)
		return
	}
	c.draining.Set(0)
}

func (c *Channel) IncRx() {
	c.rx.Inc()
	atomic.AddUint64(&localRx, 1)
}

// AddDispatched records n handler invocations for one frame; n == 0 counts as unmatched.
func (c *Channel) AddDispatched(n int) {
	if n == 0 {
		c.unmatched.Inc()
		atomic.AddUint64(&localUnmatched, 1)
		return
	}
	c.dispatched.Add(float64(n))
	atomic.AddUint64(&localDispatched, uint64(n))
}

func (c *Channel) IncOverrun() {
	c.overruns.Inc()
	atomic.AddUint64(&localOverruns, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncMQTTPublished() {
	MQTTPublished.Inc()
	atomic.AddUint64(&localMQTTPub, 1)
}

func IncMQTTDropped() {
	MQTTDropped.Inc()
	atomic.AddUint64(&localMQTTDrop, 1)
}

func SetLED(name string, on bool) {
	if on {
		LEDState.WithLabelValues(name).Set(1)
		return
	}
	LEDState.WithLabelValues(name).Set(0)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so the first error is not a registration.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrGatewayTx,
		ErrDeviceRead, ErrDeviceWrite, ErrMQTTPublish, ErrHeartbeat,
		ErrSerialRead, ErrSocketCANRead, ErrSocketCANWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
