package server

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

const (
	defaultDelimiter     = '\n'
	defaultMaxLine       = 256
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	defaultReadDeadline  = 60 * time.Second
)

// relayConfig holds the tunables applied by ServerOption.
type relayConfig struct {
	addr          string
	queue         *queue.Queue
	send          SendFunc
	delimiter     byte
	maxLine       int
	flushInterval time.Duration
	batchSize     int
	readDeadline  time.Duration
	maxClients    int
	logger        *slog.Logger
}

type ServerOption func(*relayConfig)

func WithListenAddr(a string) ServerOption  { return func(c *relayConfig) { c.addr = a } }
func WithQueue(q *queue.Queue) ServerOption { return func(c *relayConfig) { c.queue = q } }
func WithSend(send SendFunc) ServerOption   { return func(c *relayConfig) { c.send = send } }

// WithDelimiter sets the byte terminating messages in both directions.
func WithDelimiter(d byte) ServerOption {
	return func(c *relayConfig) {
		if d != 0 {
			c.delimiter = d
		}
	}
}

// WithMaxLineLength bounds client lines; longer ones are discarded.
func WithMaxLineLength(n int) ServerOption { return positive(n, func(c *relayConfig) { c.maxLine = n }) }

func WithBatchSize(n int) ServerOption { return positive(n, func(c *relayConfig) { c.batchSize = n }) }

// WithMaxClients caps concurrent clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption { return positive(n, func(c *relayConfig) { c.maxClients = n }) }

func WithFlushInterval(d time.Duration) ServerOption {
	return positive(int64(d), func(c *relayConfig) { c.flushInterval = d })
}

func WithReadDeadline(d time.Duration) ServerOption {
	return positive(int64(d), func(c *relayConfig) { c.readDeadline = d })
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(c *relayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// positive applies set only for values > 0 so zero keeps the default.
func positive[N int | int64](v N, set func(*relayConfig)) ServerOption {
	return func(c *relayConfig) {
		if v > 0 {
			set(c)
		}
	}
}
