// Package retry provides the exponential-backoff helper shared by the
// mail-provider client, the indexing service, the approval channel, and the
// task runner (spec §4.8: "Transient errors... retry with backoff 2s/4s/8s,
// max 3 attempts, at each of (a) provider-client level, (b) task-runner
// level"). The outbound-queue attempts/last_error columns in
// extensions/ty-email/internal/state/state.go are the ancestor of the
// counting idiom generalized here.
package retry

import (
	"context"
	"time"

	taxonomy "github.com/bborn/mailassist/internal/errors"
)

// Policy configures exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // delay after the first failed attempt
}

// Default is the spec's node-level retry policy: 3 attempts, 2s base
// (giving 2s/4s/8s between attempts 1→2, 2→3, 3→4 before exhaustion).
var Default = Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Do runs fn, retrying while the returned error is transient (per
// errors.IsTransient) up to p.MaxAttempts total attempts, sleeping
// p.BaseDelay*2^(attempt-1) between tries. It returns the last error seen
// once attempts are exhausted, or nil on first success. A permanent error
// is returned immediately without retrying.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !taxonomy.IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BaseDelay * (1 << uint(attempt-1))
		if wait := taxonomy.RetryAfterOf(err); wait > 0 {
			if d := time.Duration(wait) * time.Second; d > delay {
				delay = d
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Exhausted reports whether err represents a retry-policy exhaustion, i.e.
// it is non-nil and transient (meaning Do gave up rather than hit a
// permanent error immediately).
func Exhausted(err error) bool {
	return err != nil && taxonomy.IsTransient(err)
}
