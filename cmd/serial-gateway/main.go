package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/go-mysensors-gateway/internal/gateway"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("serial-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("gateway_exit", "error", err)
		os.Exit(1)
	}
}

// run wires the serial gateway to the TCP relay and blocks until ctx ends
// or the relay fails.
func run(parent context.Context, cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	q := initQueue(cfg, l)
	nt, _ := message.ParseNetworkType(cfg.networkType)
	gw := gateway.New(cfg.gatewayID, cfg.gatewayName, nt, l)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer q.Close()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	if cfg.logMessages {
		startMessageLogger(ctx, q, l, &wg)
	}

	send, cleanup, err := initSerialBackend(ctx, cfg, gw, q, l, &wg)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	defer cleanup()

	fcfg := cfg.framerConfig()
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithQueue(q),
		server.WithSend(send),
		server.WithLogger(l),
		server.WithDelimiter(fcfg.Delimiter),
		server.WithMaxLineLength(fcfg.MaxSize),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	go advertise(ctx, cfg, srv, l)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && gw.IsUp()
	})
	metrics.SetStatusFunc(func() any { return gw.Status() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	var result error
	select {
	case <-ctx.Done():
		l.Info("shutdown_signal", "cause", context.Cause(ctx))
	case result = <-serveErr:
		if result != nil {
			result = fmt.Errorf("tcp server: %w", result)
		}
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	return result
}

// advertise registers the relay via mDNS once its listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanup()
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
