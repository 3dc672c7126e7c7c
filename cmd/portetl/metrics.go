package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"portetl/internal/metrics"
	"portetl/internal/metrics/datadog"
)

type metricsOptions struct {
	Backend    string
	JobName    string
	Tags       []string
	FlushEvery time.Duration
}

// metricsBackend is a metrics.Backend that must be closed at shutdown.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics installs the selected backend. The returned cleanup is never nil
// and is safe to call once; for Datadog it stops the flush loop, submits what
// is buffered and restores the no-op backend.
func initMetrics(ctx context.Context, opts metricsOptions, log *slog.Logger) (func(), error) {
	nop := func() {}
	if log == nil {
		log = slog.Default()
	}

	switch opts.Backend {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    opts.JobName,
			Tags:       opts.Tags,
			FlushEvery: opts.FlushEvery,
		})
		if err != nil {
			return nop, err
		}
		setMetricsBackend(b)
		log.Debug("metrics enabled", "backend", "datadog", "job", opts.JobName, "tags", opts.Tags)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", "err", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", opts.Backend)
	}
}
