package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SerialRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_messages_total",
		Help: "Total delimited messages assembled from the serial link.",
	})
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the serial link.",
	})
	SerialTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_messages_total",
		Help: "Total messages written to the serial link.",
	})
	OverflowDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_overflow_discards_total",
		Help: "Partial messages discarded because the receive buffer reached its maximum size.",
	})
	RedundantDelimiters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_empty_frames_total",
		Help: "Delimiters received while no message was being assembled.",
	})
	TCPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_messages_total",
		Help: "Total messages received from TCP relay clients.",
	})
	TCPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_messages_total",
		Help: "Total messages sent to TCP relay clients.",
	})
	QueueDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_dropped_messages_total",
		Help: "Total messages dropped by the queue due to slow subscribers.",
	})
	QueueKickedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_kicked_subscribers_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	QueueRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	QueueSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_subscribers",
		Help: "Current number of queue subscribers.",
	})
	GatewayUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_up",
		Help: "1 if the gateway is UP, 0 otherwise.",
	}, []string{"gateway"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
	statusMu    sync.RWMutex
	statusFn    func() any
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPListen      = "tcp_listen"
	ErrTCPAccept      = "tcp_accept"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialOpen     = "serial_open"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrQueuePut       = "queue_put"
)

// StartHTTP serves Prometheus metrics at /metrics plus /ready and /status.
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
	mux.HandleFunc("/status", statusHandler)

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

func statusHandler(w http.ResponseWriter, r *http.Request) {
	statusMu.RLock()
	fn := statusFn
	statusMu.RUnlock()
	if fn == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fn())
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx    uint64
	localSerialBytes uint64
	localSerialTx    uint64
	localOverflow    uint64
	localRedundant   uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localQueueDrop   uint64
	localQueueKick   uint64
	localQueueReject uint64
	localErrors      uint64
	localSubscribers uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx     uint64
	SerialBytes  uint64
	SerialTx     uint64
	Overflows    uint64
	EmptyFrames  uint64
	TCPRx        uint64
	TCPTx        uint64
	QueueDrops   uint64
	QueueKicks   uint64
	QueueRejects uint64
	Errors       uint64 // sum across error labels
	Subscribers  uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:     atomic.LoadUint64(&localSerialRx),
		SerialBytes:  atomic.LoadUint64(&localSerialBytes),
		SerialTx:     atomic.LoadUint64(&localSerialTx),
		Overflows:    atomic.LoadUint64(&localOverflow),
		EmptyFrames:  atomic.LoadUint64(&localRedundant),
		TCPRx:        atomic.LoadUint64(&localTCPRx),
		TCPTx:        atomic.LoadUint64(&localTCPTx),
		QueueDrops:   atomic.LoadUint64(&localQueueDrop),
		QueueKicks:   atomic.LoadUint64(&localQueueKick),
		QueueRejects: atomic.LoadUint64(&localQueueReject),
		Errors:       atomic.LoadUint64(&localErrors),
		Subscribers:  atomic.LoadUint64(&localSubscribers),
	}
}

// Sub returns the counter increase from prev to s. Subscribers is a gauge
// and keeps the value of s.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		SerialRx:     s.SerialRx - prev.SerialRx,
		SerialBytes:  s.SerialBytes - prev.SerialBytes,
		SerialTx:     s.SerialTx - prev.SerialTx,
		Overflows:    s.Overflows - prev.Overflows,
		EmptyFrames:  s.EmptyFrames - prev.EmptyFrames,
		TCPRx:        s.TCPRx - prev.TCPRx,
		TCPTx:        s.TCPTx - prev.TCPTx,
		QueueDrops:   s.QueueDrops - prev.QueueDrops,
		QueueKicks:   s.QueueKicks - prev.QueueKicks,
		QueueRejects: s.QueueRejects - prev.QueueRejects,
		Errors:       s.Errors - prev.Errors,
		Subscribers:  s.Subscribers,
	}
}

// Attrs renders s as slog key/value pairs.
func (s Snapshot) Attrs() []any {
	return []any{
		"serial_rx", s.SerialRx,
		"serial_bytes", s.SerialBytes,
		"serial_tx", s.SerialTx,
		"overflows", s.Overflows,
		"empty_frames", s.EmptyFrames,
		"tcp_rx", s.TCPRx,
		"tcp_tx", s.TCPTx,
		"queue_drops", s.QueueDrops,
		"queue_kicks", s.QueueKicks,
		"queue_rejects", s.QueueRejects,
		"errors", s.Errors,
		"subscribers", s.Subscribers,
	}
}

func IncSerialRx() {
	SerialRxMessages.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func AddSerialBytes(n int) {
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialBytes, uint64(n))
}

func IncSerialTx() {
	SerialTxMessages.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncOverflow counts a partial message thrown away by the framer.
func IncOverflow() {
	OverflowDiscards.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

func IncEmptyFrame() {
	RedundantDelimiters.Inc()
	atomic.AddUint64(&localRedundant, 1)
}

func IncTCPRx() {
	TCPRxMessages.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxMessages.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncQueueDrop() {
	QueueDroppedMessages.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func IncQueueKick() {
	QueueKickedSubscribers.Inc()
	atomic.AddUint64(&localQueueKick, 1)
}

func IncQueueReject() {
	QueueRejectedClients.Inc()
	atomic.AddUint64(&localQueueReject, 1)
}

func SetSubscribers(n int) {
	QueueSubscribers.Set(float64(n))
	atomic.StoreUint64(&localSubscribers, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetGatewayUp records the gateway state gauge for the named gateway.
func SetGatewayUp(gateway string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	GatewayUp.WithLabelValues(gateway).Set(v)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrQueuePut,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// SetStatusFunc registers the provider of the /status JSON document.
func SetStatusFunc(fn func() any) { statusMu.Lock(); statusFn = fn; statusMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
