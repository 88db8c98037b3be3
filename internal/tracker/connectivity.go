package tracker

import (
	"context"
	"log/slog"
	"time"
)

// Connectivity reports network reachability changes. The channel yields
// the initial state and then every change until ctx is done.
type Connectivity interface {
	Watch(ctx context.Context) <-chan bool
}

// HealthChecker is satisfied by railapi.Client.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// HTTPProbe polls the server's health endpoint.
type HTTPProbe struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewHTTPProbe(checker HealthChecker, interval time.Duration, logger *slog.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HTTPProbe{
		checker:  checker,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.With("component", "connectivity"),
	}
}

func (p *HTTPProbe) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var last, known bool
		for {
			online := p.check(ctx)
			if !known || online != last {
				p.logger.Info("connectivity changed", "online", online)
				select {
				case out <- online:
				case <-ctx.Done():
					return
				}
				last, known = online, true
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (p *HTTPProbe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.checker.Healthy(ctx) == nil
}
