package server

import (
	"context"
	"errors"

	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
)

// Sentinels wrapped with %w; classify with errors.Is.
var (
	ErrListen    = errors.New("tcp listen")
	ErrAccept    = errors.New("tcp accept")
	ErrConnRead  = errors.New("client read")
	ErrConnWrite = errors.New("client write")
	ErrBackendTx = errors.New("serial send")
	ErrContext   = errors.New("shutdown deadline")
)

// errLabels is checked in order; the first match names the metric label.
var errLabels = []struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrBackendTx, metrics.ErrSerialWrite},
	{ErrAccept, metrics.ErrTCPAccept},
	{ErrListen, metrics.ErrTCPListen},
	{ErrContext, "context"},
}

func mapErrToMetric(err error) string {
	for _, e := range errLabels {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	return "other"
}
