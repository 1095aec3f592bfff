package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
	"github.com/kstaniek/go-mysensors-gateway/internal/serial"
)

const readBufSize = 4096

// lineReader splits a client stream on the delimiter and drops lines longer
// than max, resynchronising at the next delimiter.
type lineReader struct {
	br         *bufio.Reader
	delim      byte
	max        int
	line       []byte
	discarding bool
}

func newLineReader(r io.Reader, delim byte, max int) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, readBufSize), delim: delim, max: max, line: make([]byte, 0, max+1)}
}

// next returns one complete line without its delimiter. oversized is set
// when a line was dropped during this call. A timeout error keeps the
// partial line for the following call.
func (lr *lineReader) next() (line []byte, oversized bool, err error) {
	for {
		chunk, err := lr.br.ReadSlice(lr.delim)
		if !lr.discarding {
			lr.line = append(lr.line, chunk...)
			if len(bytes.TrimSuffix(lr.line, []byte{lr.delim})) > lr.max {
				lr.line = lr.line[:0]
				lr.discarding = true
				oversized = true
			}
		}
		switch {
		case err == nil:
			wasDiscarding := lr.discarding
			lr.discarding = false
			if wasDiscarding {
				lr.line = lr.line[:0]
				continue
			}
			out := lr.line[:len(lr.line)-1]
			lr.line = lr.line[:0]
			return out, oversized, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, oversized, err
		}
	}
}

// startReader launches the goroutine forwarding client lines to Send.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		lr := newLineReader(conn, s.cfg.delimiter, s.cfg.maxLine)
		for {
			select {
			case <-ctxDone:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.readDeadline))
			line, oversized, err := lr.next()
			if oversized {
				s.oversized.Add(1)
				logger.Warn("client_line_oversized", "max_line", s.cfg.maxLine)
			}
			switch {
			case err == nil:
				s.forward(line, logger)
			case isTimeout(err):
				// poll ctxDone; the partial line survives
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return
			default:
				s.fail(ErrConnRead, err)
				return
			}
		}
	}()
}

func (s *Server) forward(payload []byte, logger *slog.Logger) {
	if s.cfg.delimiter == '\n' {
		payload = bytes.TrimSuffix(payload, []byte{'\r'})
	}
	if len(payload) == 0 || s.cfg.send == nil {
		return
	}
	metrics.IncTCPRx()
	err := s.cfg.send(string(payload))
	switch {
	case err == nil:
	case errors.Is(err, serial.ErrTxOverflow):
		s.backendOverflow.Add(1)
		logger.Debug("backend_overflow_drop", "len", len(payload))
	default:
		s.backendErrors.Add(1)
		logger.Error("backend_tx_error", "error", s.fail(ErrBackendTx, err))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
