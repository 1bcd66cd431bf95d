package checksum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/retry"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAttempts is how many times a corrupted artifact is reacquired.
const DefaultMaxAttempts = 3

// ErrChecksumMismatch reports content whose digest differs from the expected one.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Reacquirer fetches the artifact again after a failed verification.
type Reacquirer func(ctx context.Context) error

// VerifyOptions tunes VerifyWithRetry.
type VerifyOptions struct {
	// Delay before each reacquire; doubled per attempt when Doubling is set.
	Delay    time.Duration
	Doubling bool
	// Stop aborts the loop between attempts.
	Stop *atomic.Bool
}

// Verify checks path once against expected. A blank expected value
// always passes.
func Verify(path, expected string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	actual, err := DigestFile(path)
	if err != nil {
		return err
	}
	if !Equal(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, strings.ToLower(expected), actual)
	}
	return nil
}

// VerifyWithRetry checks the artifact at path against expected. On a
// mismatch the artifact is deleted and reacquire is called, up to
// maxAttempts times. Running out of attempts returns ErrChecksumMismatch.
func VerifyWithRetry(ctx context.Context, path, expected string, maxAttempts int, reacquire Reacquirer, opts VerifyOptions) error {
	log := logging.Log.WithFields(logrus.Fields{"component": "checksum", "path": path})

	if strings.TrimSpace(expected) == "" {
		log.Info("no checksum negotiated, skipping verification")
		return nil
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	policy := retry.Policy{Delay: opts.Delay, Doubling: opts.Doubling}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = Verify(path, expected)
		if lastErr == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt).Info("checksum verified after reacquire")
			}
			return nil
		}
		if !errors.Is(lastErr, ErrChecksumMismatch) && !errors.Is(lastErr, os.ErrNotExist) {
			return fmt.Errorf("failed to verify %s: %w", path, lastErr)
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove corrupted file %s: %w", path, err)
		}

		if reacquire == nil || attempt >= maxAttempts {
			break
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"of":      maxAttempts,
		}).Warnf("verification failed, reacquiring: %v", lastErr)

		if err := retry.Sleep(ctx, policy.Backoff(attempt+2), opts.Stop); err != nil {
			return err
		}
		if err := reacquire(ctx); err != nil {
			if retry.IsPermanent(err) {
				return err
			}
			log.Warnf("reacquire failed: %v", err)
			lastErr = err
		}
	}

	log.Errorf("giving up after %d reacquire attempts", maxAttempts)
	if errors.Is(lastErr, ErrChecksumMismatch) {
		return fmt.Errorf("integrity check failed after %d attempts: %w", maxAttempts, lastErr)
	}
	return fmt.Errorf("integrity check failed after %d attempts: %w: %v", maxAttempts, ErrChecksumMismatch, lastErr)
}
