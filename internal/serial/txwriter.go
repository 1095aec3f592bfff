package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[string] }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
// Every payload is written followed by delim.
func NewTXWriter(parent context.Context, sp Port, delim byte, buf int) *TXWriter {
	send := func(payload string) error {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, payload...)
		out = append(out, delim)
		_, err := sp.Write(out)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues payload for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) Send(payload string) error { return w.base.Send(payload) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
