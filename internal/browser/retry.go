package browser

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// IsTransient reports whether an error is worth retrying inside a stage.
// Context errors never are: cancellation must unwind immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNavigation)
}

// NewTransientPolicy builds the per-stage retry policy: transient browser
// failures retry with backoff up to maxRetries, everything else surfaces on
// the first attempt.
func NewTransientPolicy[T any](maxRetries int) retrypolicy.RetryPolicy[T] {
	return retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return IsTransient(err) }).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(maxRetries).
		Build()
}

// Retry runs fn under a transient policy, honoring ctx between attempts.
func Retry[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	return failsafe.With[T](NewTransientPolicy[T](maxRetries)).
		WithContext(ctx).
		GetWithExecution(func(_ failsafe.Execution[T]) (T, error) {
			return fn()
		})
}

// newNavigationBreaker trips after repeated navigation failures so a dying
// browser escalates to a fatal outcome instead of burning stage retries.
func newNavigationBreaker() circuitbreaker.CircuitBreaker[struct{}] {
	return circuitbreaker.NewBuilder[struct{}]().
		HandleIf(func(_ struct{}, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()
}
