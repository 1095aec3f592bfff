package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

// startMessageLogger subscribes to q and logs every message until ctx ends.
func startMessageLogger(ctx context.Context, q *queue.Queue, l *slog.Logger, wg *sync.WaitGroup) {
	sub := q.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer q.Remove(sub)
		for {
			select {
			case m := <-sub.Out:
				l.Info("raw_message",
					"gateway_id", m.GatewayID,
					"network", string(m.NetworkType),
					"data", m.Data,
					"ts", m.Timestamp)
			case <-sub.Closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
