package main

import (
	"log/slog"

	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

func initQueue(cfg *appConfig, l *slog.Logger) *queue.Queue {
	q := queue.New()
	q.OutBufSize = cfg.queueBuffer
	switch cfg.queuePolicy {
	case "drop":
		q.Policy = queue.PolicyDrop
	case "kick":
		q.Policy = queue.PolicyKick
	default:
		l.Warn("unknown_queue_policy", "policy", cfg.queuePolicy, "used", "drop")
		q.Policy = queue.PolicyDrop
	}
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("queue_config", "policy", q.Policy.String(), "buffer", q.OutBufSize)
	return q
}
