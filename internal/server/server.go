package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

// SendFunc writes one payload (without delimiter) to the serial gateway.
type SendFunc func(payload string) error

// Stats are lifetime counters of one Server.
type Stats struct {
	Accepted        uint64
	Rejected        uint64
	Disconnected    uint64
	OversizedLines  uint64
	BackendOverflow uint64
	BackendErrors   uint64
}

// Server relays gateway messages to TCP clients: every queued message is
// written to all clients and every client line is handed to Send.
type Server struct {
	cfg     relayConfig
	clients *clientSet
	wg      sync.WaitGroup

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	readyOnce sync.Once
	readyCh   chan struct{}
	errMu     sync.Mutex
	lastErr   error
	errCh     chan error

	connSeq         atomic.Uint64
	accepted        atomic.Uint64
	rejected        atomic.Uint64
	disconnected    atomic.Uint64
	oversized       atomic.Uint64
	backendOverflow atomic.Uint64
	backendErrors   atomic.Uint64
}

func NewServer(opts ...ServerOption) *Server {
	cfg := relayConfig{
		addr:          ":0",
		delimiter:     defaultDelimiter,
		maxLine:       defaultMaxLine,
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		readDeadline:  defaultReadDeadline,
		logger:        logging.L(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Server{
		cfg:     cfg,
		clients: newClientSet(cfg.maxClients),
		addr:    cfg.addr,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Addr returns the bound address once Serve is listening, else the configured one.
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// SetListenAddr changes the address used by the next Serve call.
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }

func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors delivers the first unread error; later ones only update LastError.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) LastError() error { s.errMu.Lock(); defer s.errMu.Unlock(); return s.lastErr }

func (s *Server) ClientCount() int { return s.clients.len() }

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.accepted.Load(),
		Rejected:        s.rejected.Load(),
		Disconnected:    s.disconnected.Load(),
		OversizedLines:  s.oversized.Load(),
		BackendOverflow: s.backendOverflow.Load(),
		BackendErrors:   s.backendErrors.Load(),
	}
}

// fail records err, counts it under its metric label and returns it.
func (s *Server) fail(sentinel error, cause error) error {
	err := fmt.Errorf("%w: %v", sentinel, cause)
	metrics.IncError(mapErrToMetric(err))
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Serve listens and accepts clients until ctx is done. It returns nil on
// cancellation and a wrapped ErrListen or ErrAccept otherwise.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.cfg.logger.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return s.fail(ErrAccept, err)
		}
		s.admit(ctx, conn)
	}
}

// admit registers conn with the queue and client set, or rejects it when
// the client limit is reached.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.accepted.Add(1)
	logger := s.cfg.logger.With("conn_id", s.connSeq.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.clients.full() {
		s.reject(conn, logger)
		return
	}
	sub := queue.NewSubscriber(s.subscriberBuffer())
	if !s.clients.reserve(sub, conn) {
		s.reject(conn, logger)
		return
	}
	if s.cfg.queue != nil {
		s.cfg.queue.Add(sub)
	}
	logger.Info("client_connected", "clients", s.clients.len())
	s.startWriter(ctx.Done(), conn, sub, logger)
	s.startReader(ctx.Done(), conn, logger)
}

func (s *Server) reject(conn net.Conn, logger *slog.Logger) {
	s.rejected.Add(1)
	metrics.IncQueueReject()
	logger.Warn("client_reject_max", "max_clients", s.cfg.maxClients)
	_ = conn.Close()
}

func (s *Server) subscriberBuffer() int {
	if s.cfg.queue != nil && s.cfg.queue.OutBufSize > 0 {
		return s.cfg.queue.OutBufSize
	}
	return 512
}

// dropClient unregisters sub from the client set and the queue.
func (s *Server) dropClient(sub *queue.Subscriber) {
	s.clients.release(sub)
	if s.cfg.queue != nil {
		s.cfg.queue.Remove(sub)
		return
	}
	sub.Close()
}

// Shutdown closes the listener and all clients, then waits for their IO
// goroutines or ctx, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clients.closeAll()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContext, ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.cfg.logger.Info("shutdown_summary",
		"accepted", st.Accepted,
		"rejected", st.Rejected,
		"disconnected", st.Disconnected,
		"oversized_lines", st.OversizedLines,
		"backend_overflow", st.BackendOverflow,
		"backend_errors", st.BackendErrors)
	return nil
}
