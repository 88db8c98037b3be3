package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"railpulse/internal/domain"
)

// Submitter delivers one batch to the server.
type Submitter interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error)
}

type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 10 * time.Second, Attempts: 3}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Sender retries submissions with exponential backoff. Each attempt runs
// under its own timeout and every wait aborts when ctx is done.
type Sender struct {
	client  Submitter
	backoff Backoff
	timeout time.Duration
	logger  *slog.Logger
}

func NewSender(client Submitter, backoff Backoff, timeout time.Duration, logger *slog.Logger) *Sender {
	def := DefaultBackoff()
	if backoff.Base <= 0 {
		backoff.Base = def.Base
	}
	if backoff.Max <= 0 {
		backoff.Max = def.Max
	}
	if backoff.Attempts <= 0 {
		backoff.Attempts = def.Attempts
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		client:  client,
		backoff: backoff,
		timeout: timeout,
		logger:  logger.With("component", "sender"),
	}
}

// Permanent reports whether retrying err later cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}

func (s *Sender) Send(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.backoff.Attempts; attempt++ {
		res, err := s.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if Permanent(err) || errors.Is(err, domain.ErrRateLimited) || ctx.Err() != nil {
			break
		}
		if attempt == s.backoff.Attempts {
			break
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Debug("submit failed, retrying",
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"positions", len(req.Positions),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("submit abandoned: %w", lastErr)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("submit failed: %w", lastErr)
}

func (s *Sender) attempt(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Submit(ctx, req)
}
