package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

// lineBatch encodes queued messages as delimiter-terminated lines and writes
// them to one connection in a single call.
type lineBatch struct {
	delim byte
	limit int
	n     int
	buf   []byte
}

func newLineBatch(delim byte, limit int) *lineBatch {
	return &lineBatch{delim: delim, limit: limit, buf: make([]byte, 0, limit*32)}
}

// add appends m and reports whether the batch is full.
func (b *lineBatch) add(m message.Raw) bool {
	b.buf = append(b.buf, m.Data...)
	b.buf = append(b.buf, b.delim)
	b.n++
	return b.n >= b.limit
}

func (b *lineBatch) writeTo(conn net.Conn) (int, error) {
	if b.n == 0 {
		return 0, nil
	}
	n := b.n
	_, err := conn.Write(b.buf)
	b.buf, b.n = b.buf[:0], 0
	return n, err
}

// startWriter launches the goroutine pushing queued messages to a single
// client. Batches go out when full or on every flush tick.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, sub *queue.Subscriber, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(sub)
			s.disconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		batch := newLineBatch(s.cfg.delimiter, s.cfg.batchSize)
		flush := func() bool {
			n, err := batch.writeTo(conn)
			if err != nil {
				s.fail(ErrConnWrite, err)
				return false
			}
			if n > 0 {
				metrics.AddTCPTx(n)
			}
			return true
		}
		tick := time.NewTicker(s.cfg.flushInterval)
		defer tick.Stop()
		for {
			select {
			case m := <-sub.Out:
				if batch.add(m) && !flush() {
					return
				}
			case <-tick.C:
				if !flush() {
					return
				}
			case <-sub.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}
