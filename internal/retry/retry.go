package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when the stop flag is raised between attempts.
var ErrStopped = errors.New("retry stopped")

// Policy describes how many times to run an operation and how long to
// sleep between runs.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Doubling doubles Delay after every failed attempt, capped at MaxDelay.
	Doubling bool
	MaxDelay time.Duration
	// Stop is checked between attempts; raising it ends the loop with ErrStopped.
	Stop *atomic.Bool
	// Name labels log lines.
	Name string
}

// DefaultPolicy matches the sender defaults: three attempts, two seconds apart.
func DefaultPolicy(name string) Policy {
	return Policy{Attempts: 3, Delay: 2 * time.Second, Name: name}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the sleep before attempt number next (1-based, >1).
func (p Policy) Backoff(next int) time.Duration {
	d := p.Delay
	if !p.Doubling {
		return d
	}
	for i := 2; i < next; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts
// are used up, or ctx is done. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	log := logging.Log.WithField("operation", p.Name)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, p.Backoff(attempt), p.Stop); err != nil {
				return err
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			var perm *permanentError
			errors.As(lastErr, &perm)
			return perm.err
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      attempts,
		}).Warnf("attempt failed: %v", lastErr)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, lastErr)
}

// Sleep waits for d unless ctx ends or stop is raised first.
func Sleep(ctx context.Context, d time.Duration, stop *atomic.Bool) error {
	if stop != nil && stop.Load() {
		return ErrStopped
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if stop != nil && stop.Load() {
		return ErrStopped
	}
	return nil
}
