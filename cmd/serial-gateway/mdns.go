package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
)

const mdnsServiceType = "_mysensors._tcp"

// startMDNS registers the relay via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsMeta(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("serial-gateway-%s", host)
}

func mdnsMeta(cfg *appConfig) []string {
	nt, _ := message.ParseNetworkType(cfg.networkType)
	return []string{
		"network=" + string(nt),
		fmt.Sprintf("gateway_id=%d", cfg.gatewayID),
		"version=" + version,
		"commit=" + commit,
	}
}
