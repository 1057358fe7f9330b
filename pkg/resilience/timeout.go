package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn with a derived context that is cancelled after the
// given timeout. fn is expected to honour ctx; WithTimeout waits for it to
// return so that nothing it owns outlives the call. A nil result from fn
// stands even if the deadline fired meanwhile; an error from fn after the
// deadline fired wraps context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if err == nil || timeoutCtx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
	}
	return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
}
