package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
)

// startMetricsLogger logs the counter increase of every interval, for setups
// without a Prometheus scraper.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-t.C:
				cur := metrics.Snap()
				attrs := append([]any{"interval", interval}, cur.Sub(prev).Attrs()...)
				l.Info("metrics_interval", attrs...)
				prev = cur
			case <-ctx.Done():
				l.Info("metrics_total", metrics.Snap().Attrs()...)
				return
			}
		}
	}()
}
