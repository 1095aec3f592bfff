package framer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
)

const (
	DefaultDelimiter    = '\n'
	DefaultMaxSize      = 256
	DefaultErrorBackoff = 10 * time.Millisecond
)

var (
	ErrRead     = errors.New("read")
	ErrNoSource = errors.New("event without byte source")
	ErrPanic    = errors.New("panic while framing")
)

// EventKind tags a driver notification. Only EventDataAvailable is acted on.
type EventKind int

const (
	EventDataAvailable EventKind = iota + 1
	EventDataWritten
	EventPortDisconnected
)

// ByteSource returns the bytes currently available from the device. An
// empty slice with a nil error means nothing is pending.
type ByteSource interface {
	ReadAvailable() ([]byte, error)
}

// Event is one driver notification.
type Event struct {
	Kind   EventKind
	Source ByteSource
}

// Sink accepts completed messages. Put must not block indefinitely.
type Sink interface {
	Put(message.Raw) error
}

// StatusSink is told when the channel starts failing.
type StatusSink interface {
	ReportDown(reason string)
}

// Config holds the framing constants.
type Config struct {
	Delimiter    byte
	MaxSize      int
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{Delimiter: DefaultDelimiter, MaxSize: DefaultMaxSize, ErrorBackoff: DefaultErrorBackoff}
}

// Assembler rebuilds delimiter-terminated messages from a byte stream for a
// single connection. It is not safe for concurrent use: the driver must
// serialize calls to HandleEvent and Feed.
type Assembler struct {
	gatewayID   int
	networkType message.NetworkType
	sink        Sink
	status      StatusSink
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error

	acc             []byte
	failureReported bool
}

type Option func(*Assembler)

// WithConfig replaces the framing constants; zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(a *Assembler) {
		if c.Delimiter != 0 {
			a.cfg.Delimiter = c.Delimiter
		}
		if c.MaxSize > 0 {
			a.cfg.MaxSize = c.MaxSize
		}
		if c.ErrorBackoff > 0 {
			a.cfg.ErrorBackoff = c.ErrorBackoff
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the timestamp source for emitted messages.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSleep overrides the failure backoff wait (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(a *Assembler) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// New creates an assembler for one open connection of the given gateway.
func New(gatewayID int, nt message.NetworkType, sink Sink, status StatusSink, opts ...Option) *Assembler {
	a := &Assembler{
		gatewayID:   gatewayID,
		networkType: nt,
		sink:        sink,
		status:      status,
		cfg:         DefaultConfig(),
		logger:      logging.L(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(a)
	}
	a.acc = make([]byte, 0, a.cfg.MaxSize)
	return a
}

// HandleEvent processes one driver notification. It never panics and never
// reports an error: failures reset the partial message, mark the gateway
// DOWN once per failure streak and back off briefly before returning.
func (a *Assembler) HandleEvent(ctx context.Context, ev Event) {
	if ev.Kind != EventDataAvailable {
		return
	}
	if err := a.process(ev.Source); err != nil {
		a.fail(ctx, err)
	}
}

func (a *Assembler) process(src ByteSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	if src == nil {
		return ErrNoSource
	}
	chunk, rerr := src.ReadAvailable()
	if rerr != nil {
		return fmt.Errorf("%w: %w", ErrRead, rerr)
	}
	a.Feed(chunk)
	return nil
}

// Feed frames chunk in arrival order, submitting one message per delimiter
// that closes a non-empty accumulator. A non-empty chunk marks the channel
// healthy again; an empty chunk changes nothing.
func (a *Assembler) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	metrics.AddSerialBytes(len(chunk))
	trace := a.logger.Enabled(context.Background(), logging.LevelTrace)
	for _, b := range chunk {
		switch {
		case b == a.cfg.Delimiter && len(a.acc) > 0:
			a.emit()
		case b != a.cfg.Delimiter && len(a.acc) >= a.cfg.MaxSize:
			metrics.IncOverflow()
			a.logger.Warn("frame_overflow", "max_size", a.cfg.MaxSize, "discarded", string(a.acc))
			a.acc = a.acc[:0]
		case b != a.cfg.Delimiter:
			if trace {
				logging.Trace(a.logger, "rx_char", "char", string(rune(b)))
			}
			a.acc = append(a.acc, b)
		default:
			metrics.IncEmptyFrame()
			a.logger.Debug("frame_empty", "reason", "delimiter with empty buffer")
		}
	}
	a.failureReported = false
}

func (a *Assembler) emit() {
	msg := message.Raw{
		GatewayID:   a.gatewayID,
		NetworkType: a.networkType,
		Data:        string(a.acc),
		Timestamp:   a.now(),
	}
	a.acc = a.acc[:0]
	a.logger.Debug("frame_received", "data", msg.Data)
	metrics.IncSerialRx()
	if a.sink == nil {
		return
	}
	if err := a.sink.Put(msg); err != nil {
		metrics.IncError(metrics.ErrQueuePut)
		a.logger.Warn("frame_submit_error", "error", err)
	}
}

func (a *Assembler) fail(ctx context.Context, err error) {
	a.acc = a.acc[:0]
	metrics.IncError(metrics.ErrSerialRead)
	if !a.failureReported {
		a.failureReported = true
		a.logger.Error("serial_rx_failure", "error", err)
		if a.status != nil {
			a.status.ReportDown("ERROR: " + err.Error())
		}
	} else {
		a.logger.Debug("serial_rx_failure_repeat", "error", err)
	}
	// A removed device fails on every notification; the pause keeps that
	// loop from saturating a core.
	if serr := a.sleep(ctx, a.cfg.ErrorBackoff); serr != nil {
		a.logger.Error("serial_rx_backoff_interrupted", "error", serr)
	}
}

// Pending returns the partial message accumulated so far.
func (a *Assembler) Pending() string { return string(a.acc) }

// Failing reports whether the current failure streak was already reported.
func (a *Assembler) Failing() bool { return a.failureReported }

// Config returns the effective framing constants.
func (a *Assembler) Config() Config { return a.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
