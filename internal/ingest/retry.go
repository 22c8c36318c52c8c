package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arkiv/chain-event-relay/internal/record"
	"github.com/arkiv/chain-event-relay/internal/store"
)

// RetryPolicy bounds how long one record may be retried.
type RetryPolicy struct {
	MaxAttempts int
	OpTimeout   time.Duration
	Base        time.Duration
	Max         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = 5 * time.Second
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	return p
}

// backoff returns Base*2^n capped at Max, n being the number of failed attempts so far minus one.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.Base
	for i := 0; i < n && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// ErrGaveUp wraps the last store error once every attempt is spent.
var ErrGaveUp = errors.New("append retries exhausted")

// AppendWithRetry appends rec, retrying transient store failures with exponential
// backoff. Each attempt gets its own OpTimeout and runs to completion even if ctx
// is canceled meanwhile; cancellation only stops further attempts. It returns the
// number of attempts made.
func AppendWithRetry(ctx context.Context, w store.Writer, rec record.Record, p RetryPolicy, m *Metrics) (uuid.UUID, int, error) {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.OpTimeout)
		id, err := w.Append(opCtx, rec)
		cancel()
		if err == nil {
			m.attempt("ok")
			return id, attempt + 1, nil
		}
		lastErr = err
		if !store.IsRetryable(err) {
			m.attempt("fatal")
			return uuid.Nil, attempt + 1, err
		}
		m.attempt("retryable")
		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return uuid.Nil, attempt + 1, fmt.Errorf("append interrupted: %w", errors.Join(ctx.Err(), lastErr))
		case <-time.After(p.backoff(attempt)):
		}
	}
	return uuid.Nil, p.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, p.MaxAttempts, lastErr)
}
