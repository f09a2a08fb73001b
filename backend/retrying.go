package backend

import (
	"context"
	"errors"
	"time"

	"github.com/handleui/mend/retry"
)

// transportAttempts is the small fixed bound on transport-level
// retries. This loop is nested inside the domain retry loop and must
// stay short: the session budget, not this one, decides how long to
// keep trying a signature.
const transportAttempts = 3

// Retrying wraps a provider with retry-with-backoff for transient
// transport failures. Malformed responses are never retried: a model
// that answered with garbage will not answer better a moment later, and
// the synthesizer wants to fall through to the next strategy.
type Retrying struct {
	inner        Backend
	attempts     int
	initialDelay time.Duration
}

// WithRetry wraps a backend with the default transport retry policy.
func WithRetry(inner Backend) *Retrying {
	return &Retrying{
		inner:        inner,
		attempts:     transportAttempts,
		initialDelay: time.Second,
	}
}

// Name implements Backend.
func (r *Retrying) Name() string { return r.inner.Name() }

// GeneratePatch implements Backend. The last classified error is
// surfaced when all transport attempts are exhausted.
func (r *Retrying) GeneratePatch(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	var lastErr error

	err := retry.Do(ctx, func(ctx context.Context) error {
		var genErr error
		resp, genErr = r.inner.GeneratePatch(ctx, req)
		lastErr = genErr
		return genErr
	},
		retry.WithMaxAttempts(r.attempts),
		retry.WithInitialDelay(r.initialDelay),
		retry.WithRetryCondition(isRetryable),
	)

	if err != nil {
		var be *Error
		if errors.As(lastErr, &be) {
			return nil, be
		}
		return nil, &Error{Kind: ErrTransport, Backend: r.Name(), Err: err}
	}
	return resp, nil
}

func isRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		switch be.Kind {
		case ErrTransport, ErrTimeout, ErrQuota:
			return true
		default:
			return false
		}
	}
	return retry.IsTransient(err)
}
