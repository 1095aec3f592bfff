package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/framer"
	"github.com/kstaniek/go-mysensors-gateway/internal/gateway"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/serial"
)

// sleepFn allows tests to intercept reconnect backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

var errPortDetached = errors.New("serial port not connected")

// livePort forwards to whichever port is currently open so the TX writer
// outlives reconnects. Once closed it refuses new ports.
type livePort struct {
	mu     sync.RWMutex
	p      serial.Port
	closed bool
}

func (lp *livePort) get() serial.Port { lp.mu.RLock(); defer lp.mu.RUnlock(); return lp.p }

// attach installs p; it reports false (and closes p) after Close.
func (lp *livePort) attach(p serial.Port) bool {
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		_ = p.Close()
		return false
	}
	lp.p = p
	lp.mu.Unlock()
	return true
}

func (lp *livePort) detach() {
	lp.mu.Lock()
	p := lp.p
	lp.p = nil
	lp.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

func (lp *livePort) isClosed() bool { lp.mu.RLock(); defer lp.mu.RUnlock(); return lp.closed }

func (lp *livePort) Read(b []byte) (int, error) {
	p := lp.get()
	if p == nil {
		return 0, errPortDetached
	}
	return p.Read(b)
}

func (lp *livePort) Write(b []byte) (int, error) {
	p := lp.get()
	if p == nil {
		return 0, errPortDetached
	}
	return p.Write(b)
}

func (lp *livePort) Close() error {
	lp.mu.Lock()
	lp.closed = true
	lp.mu.Unlock()
	lp.detach()
	return nil
}

// initSerialBackend opens the gateway port, marks the gateway UP and launches
// the RX loop. Messages assembled from the port go to sink; the returned send
// function writes one payload plus delimiter to the port.
func initSerialBackend(ctx context.Context, cfg *appConfig, gw *gateway.Gateway, sink framer.Sink, l *slog.Logger, wg *sync.WaitGroup) (func(string) error, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		gw.ReportDown("ERROR: " + err.Error())
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	gw.SetStatus(gateway.StateUp, "Connected")

	fcfg := cfg.framerConfig()
	lp := &livePort{p: sp}
	w := serial.NewTXWriter(ctx, lp, fcfg.Delimiter, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		port := sp
		for {
			readUntilGone(ctx, port, gw, sink, fcfg, l)
			if ctx.Err() != nil || lp.isClosed() {
				return
			}
			lp.detach()
			l.Warn("serial_device_lost", "device", cfg.serialDev)
			port = reopenSerial(ctx, cfg, l)
			if port == nil || !lp.attach(port) {
				return
			}
			l.Info("serial_reconnected", "device", cfg.serialDev)
			gw.SetStatus(gateway.StateUp, "Connected")
		}
	}()
	return w.Send, func() { _ = lp.Close(); w.Close() }, nil
}

// readUntilGone drives one assembler over port until the device disappears
// or ctx is cancelled.
func readUntilGone(ctx context.Context, port serial.Port, gw *gateway.Gateway, sink framer.Sink, fcfg framer.Config, l *slog.Logger) {
	src := serial.NewSource(port, serialReadBufSize)
	asm := framer.New(gw.ID, gw.NetworkType, sink, gw, framer.WithConfig(fcfg), framer.WithLogger(l))
	ev := framer.Event{Kind: framer.EventDataAvailable, Source: src}
	for ctx.Err() == nil && !src.Gone() {
		asm.HandleEvent(ctx, ev)
	}
}

// reopenSerial retries opening the device with exponential backoff. It
// returns nil once ctx is cancelled.
func reopenSerial(ctx context.Context, cfg *appConfig, l *slog.Logger) serial.Port {
	backoff := rxBackoffMin
	for {
		sleepFn(backoff)
		if ctx.Err() != nil {
			return nil
		}
		sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err == nil {
			return sp
		}
		metrics.IncError(metrics.ErrSerialOpen)
		l.Warn("serial_reopen_failed", "device", cfg.serialDev, "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}
