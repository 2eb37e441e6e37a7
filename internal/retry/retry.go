package retry

import (
	"context"
	"errors"
	"time"
)

// Class tells Do whether another attempt makes sense.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy is a bounded retry with a constant pause between attempts.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// Classify decides whether an error is retryable. Nil retries everything
	// except context cancellation.
	Classify func(error) Class

	// OnRetry runs before each pause.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do runs fn until it succeeds, returns a Fatal error, or MaxAttempts is used
// up. The last error is returned as is.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || classify(err) == Fatal {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, p.Delay, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
