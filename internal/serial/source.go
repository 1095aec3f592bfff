package serial

import (
	"errors"
	"io"
)

// DefaultReadBufSize bounds a single chunk handed to the framer.
const DefaultReadBufSize = 4096

// Source turns blocking reads on a Port into chunks for framer.Assembler.
// The returned slice is only valid until the next call.
type Source struct {
	port Port
	buf  []byte
	gone bool
}

func NewSource(p Port, bufSize int) *Source {
	if bufSize <= 0 {
		bufSize = DefaultReadBufSize
	}
	return &Source{port: p, buf: make([]byte, bufSize)}
}

// ReadAvailable performs one read. A read timeout (io.EOF from tarm/serial)
// yields an empty chunk.
func (s *Source) ReadAvailable() ([]byte, error) {
	n, err := s.port.Read(s.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return s.buf[:n], nil
		}
		if IsDeviceGone(err) {
			s.gone = true
		}
		return nil, err
	}
	return s.buf[:n], nil
}

// Gone reports whether a read error showed the device is no longer usable.
func (s *Source) Gone() bool { return s.gone }
