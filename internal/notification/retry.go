package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

type retrying struct {
	next   Dispatcher
	policy RetryPolicy
	log    *zap.Logger
}

// WithRetry retries connection and transient failures with a constant
// back-off. Authentication failures are returned at once.
func WithRetry(next Dispatcher, policy RetryPolicy, logger *zap.Logger) Dispatcher {
	if policy.Attempts <= 1 {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{next: next, policy: policy, log: logger}
}

func (r *retrying) Send(ctx context.Context, a Alert) error {
	attempt := 0
	var last error
	op := func() error {
		attempt++
		err := r.next.Send(ctx, a)
		if err == nil {
			return nil
		}
		last = err
		if KindOf(err) == KindAuth || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.log.Warn("alert delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.policy.Interval), uint64(r.policy.Attempts-1))
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && last != nil && KindOf(err) == KindOther && KindOf(last) != KindOther {
		// Cancellation between attempts surfaces the context error; keep the
		// transport's classification instead.
		return last
	}
	return err
}
