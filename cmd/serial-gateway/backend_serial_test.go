package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/gateway"
	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
	"github.com/kstaniek/go-mysensors-gateway/internal/serial"
)

// fakeSerialPort implements serial.Port for tests. After the scripted reads
// it either reports the device as gone or idles like a read timeout.
type fakeSerialPort struct {
	mu      sync.Mutex
	reads   [][]byte
	idx     int
	goneEnd bool
	closed  bool
	written []byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, os.ErrClosed
	}
	if f.idx < len(f.reads) {
		chunk := f.reads[f.idx]
		f.idx++
		f.mu.Unlock()
		return copy(p, chunk), nil
	}
	gone := f.goneEnd
	f.mu.Unlock()
	if gone {
		return 0, os.ErrClosed
	}
	time.Sleep(2 * time.Millisecond)
	return 0, io.EOF
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSerialPort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSerialPort) writtenString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

func testConfig() *appConfig {
	cfg := defaultConfig()
	cfg.serialDev = "fake"
	cfg.serialReadTO = 10 * time.Millisecond
	return cfg
}

func testGateway() *gateway.Gateway {
	return gateway.New(7, "test-gw", message.NetworkMySensors, logging.Discard())
}

func recv(t *testing.T, sub *queue.Subscriber) message.Raw {
	t.Helper()
	select {
	case m := <-sub.Out:
		return m
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
	return message.Raw{}
}

// TestInitSerialBackendBasic validates that bytes read from the port are
// framed into messages for queue subscribers and that sends reach the port.
func TestInitSerialBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &fakeSerialPort{reads: [][]byte{[]byte("0;255;3;0;14;Gateway startup complete.\n12;6;1;0"), []byte(";0;36.5\n")}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	q := queue.New()
	sub := q.Subscribe()
	gw := testGateway()
	pre := metrics.Snap().SerialRx
	var wg sync.WaitGroup
	send, cleanup, err := initSerialBackend(ctx, testConfig(), gw, q, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	if !gw.IsUp() {
		t.Fatalf("expected gateway UP after open, got %+v", gw.Status())
	}
	for _, want := range []string{"0;255;3;0;14;Gateway startup complete.", "12;6;1;0;0;36.5"} {
		m := recv(t, sub)
		if m.Data != want || m.GatewayID != 7 || m.NetworkType != message.NetworkMySensors {
			t.Fatalf("unexpected message %+v", m)
		}
		if m.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	}
	if d := metrics.Snap().SerialRx - pre; d < 2 {
		t.Fatalf("expected SerialRx delta >= 2, got %d", d)
	}

	if err := send("0;0;3;0;2;"); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && port.writtenString() == "" {
		time.Sleep(2 * time.Millisecond)
	}
	if got := port.writtenString(); got != "0;0;3;0;2;\n" {
		t.Fatalf("unexpected port write %q", got)
	}
}

func TestInitSerialBackendOpenError(t *testing.T) {
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openSerialPort = serial.Open }()
	gw := testGateway()
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(context.Background(), testConfig(), gw, queue.New(), logging.Discard(), &wg)
	cleanup()
	if err == nil {
		t.Fatal("expected open error")
	}
	st := gw.Status()
	if st.State != "DOWN" || st.Reason != "ERROR: no such device" {
		t.Fatalf("unexpected status %+v", st)
	}
}

// TestSerialBackendReconnect replaces a vanished device with a fresh one and
// keeps framing on the new port.
func TestSerialBackendReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakeSerialPort{reads: [][]byte{[]byte("a\npartial")}, goneEnd: true}
	second := &fakeSerialPort{reads: [][]byte{[]byte("b\n")}}
	var mu sync.Mutex
	opens := 0
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		switch opens {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("not yet")
		default:
			return second, nil
		}
	}
	sleepFn = func(time.Duration) {}
	defer func() { openSerialPort = serial.Open; sleepFn = time.Sleep }()

	q := queue.New()
	sub := q.Subscribe()
	gw := testGateway()
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(ctx, testConfig(), gw, q, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	if m := recv(t, sub); m.Data != "a" {
		t.Fatalf("expected a, got %q", m.Data)
	}
	// The partial message from the lost device must not leak into the next one.
	if m := recv(t, sub); m.Data != "b" {
		t.Fatalf("expected b, got %q", m.Data)
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && !gw.IsUp() {
		time.Sleep(2 * time.Millisecond)
	}
	if !gw.IsUp() {
		t.Fatalf("expected gateway UP after reconnect, got %+v", gw.Status())
	}
	cancel()
	cleanup()
	wg.Wait()
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("expected lost port to be closed")
	}
}

// goneAfterOpenPort fails every read as if the device was unplugged.
type goneAfterOpenPort struct{}

func (goneAfterOpenPort) Read(p []byte) (int, error)  { return 0, os.ErrClosed }
func (goneAfterOpenPort) Write(p []byte) (int, error) { return len(p), nil }
func (goneAfterOpenPort) Close() error                { return nil }

func TestSerialBackendBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	opened := false
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if !opened {
			opened = true
			return goneAfterOpenPort{}, nil
		}
		return nil, errors.New("device missing")
	}
	defer func() { openSerialPort = serial.Open }()

	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 8 {
			seen = append(seen, d)
			if len(seen) == 8 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	gw := testGateway()
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(ctx, testConfig(), gw, queue.New(), logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	wg.Wait()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	// Validate non-decreasing, starts at min, and never exceeds max.
	prev := rxBackoffMin
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, rxBackoffMax)
		}
		prev = d
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
	if seen[len(seen)-1] != rxBackoffMax {
		t.Fatalf("expected backoff to reach %v, got %v", rxBackoffMax, seen[len(seen)-1])
	}
	if gw.IsUp() {
		t.Fatalf("gateway must stay DOWN while the device is missing")
	}
}

// blockingPort simulates a very slow serial port to force TX queue overflow.
type blockingPort struct {
	block chan struct{}
	once  sync.Once
}

func (p *blockingPort) Read(b []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { p.once.Do(func() { close(p.block) }); return nil }

func TestSerialBackendTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := &blockingPort{block: make(chan struct{})}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return bp, nil }
	defer func() { openSerialPort = serial.Open }()
	beforeErrs := metrics.Snap().Errors

	var wg sync.WaitGroup
	send, cleanup, err := initSerialBackend(ctx, testConfig(), testGateway(), queue.New(), logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	var overflowErr error
	for i := 0; i < txQueueSize+2; i++ {
		if err := send("1;1;1;0;2;1"); err != nil && overflowErr == nil {
			overflowErr = err
		}
	}
	if !errors.Is(overflowErr, serial.ErrTxOverflow) {
		t.Fatalf("expected ErrTxOverflow, got %v", overflowErr)
	}
	if metrics.Snap().Errors == beforeErrs {
		t.Fatalf("expected error metric increment on overflow")
	}
}

func TestLivePortRejectsAfterClose(t *testing.T) {
	lp := &livePort{p: &fakeSerialPort{}}
	_ = lp.Close()
	if _, err := lp.Write([]byte("x")); !errors.Is(err, errPortDetached) {
		t.Fatalf("expected errPortDetached, got %v", err)
	}
	p := &fakeSerialPort{}
	if lp.attach(p) {
		t.Fatalf("attach must fail after close")
	}
	if !p.closed {
		t.Fatalf("rejected port must be closed")
	}
}

func TestListenPort(t *testing.T) {
	tests := map[string]int{"127.0.0.1:5003": 5003, "[::]:9000": 9000, ":1234": 1234, "bogus": 0}
	for in, want := range tests {
		if got := listenPort(in); got != want {
			t.Fatalf("%s: got %d want %d", in, got, want)
		}
	}
}
