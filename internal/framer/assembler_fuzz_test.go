package framer

import (
	"bytes"
	"context"
	"testing"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
)

// FuzzFeedRoundTrip checks that payload+delimiter fed byte by byte yields the
// payload back as a single message.
func FuzzFeedRoundTrip(f *testing.F) {
	for _, s := range []string{"0;255;3;0;2;", "12;6;1;0;0;36.5", "x", "\x00\xff\x7f"} {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, payload []byte) {
		payload = bytes.ReplaceAll(payload, []byte{DefaultDelimiter}, nil)
		if len(payload) == 0 || len(payload) > DefaultMaxSize {
			return
		}
		sink := &captureSink{}
		a := New(1, message.NetworkMySensors, sink, nil, WithLogger(logging.Discard()))
		for _, b := range append(payload, DefaultDelimiter) {
			a.Feed([]byte{b})
		}
		if len(sink.msgs) != 1 || sink.msgs[0].Data != string(payload) {
			t.Fatalf("round trip mismatch: got %q want %q", sink.payloads(), payload)
		}
	})
}

// FuzzHandleEventArbitrary ensures arbitrary chunks never panic and never
// grow the accumulator beyond the configured bound.
func FuzzHandleEventArbitrary(f *testing.F) {
	f.Add([]byte("a\n\nb"))
	f.Add(bytes.Repeat([]byte{'z'}, 300))
	f.Fuzz(func(t *testing.T, data []byte) {
		a := New(1, message.NetworkMySensors, &captureSink{}, nil,
			WithLogger(logging.Discard()), WithConfig(Config{MaxSize: 32}))
		a.HandleEvent(context.Background(), dataEvent(data))
		if len(a.Pending()) > 32 {
			t.Fatalf("accumulator exceeded bound: %d", len(a.Pending()))
		}
	})
}

func BenchmarkFeed(b *testing.B) {
	chunk := bytes.Repeat([]byte("12;6;1;0;0;36.5\n"), 64)
	a := New(1, message.NetworkMySensors, nopSink{}, nil, WithLogger(logging.Discard()))
	b.ReportAllocs()
	b.SetBytes(int64(len(chunk)))
	for i := 0; i < b.N; i++ {
		a.Feed(chunk)
	}
}

type nopSink struct{}

func (nopSink) Put(message.Raw) error { return nil }
