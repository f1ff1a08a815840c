package retries

import (
	"context"
	"errors"
	"time"

	"github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn until it succeeds, returns an error isRetriable rejects, or
// attempts are used up. Delays grow exponentially from baseDelay.
func Retry(
	ctx context.Context,
	attempts int,
	baseDelay time.Duration,
	fn func() error,
	isRetriable func(error) bool,
) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = baseDelay * 16
	return run(ctx, attempts, b, fn, isRetriable, nil)
}

// Fixed is Retry with a constant delay between attempts. onRetry, when set,
// is called after every failed attempt that will be retried.
func Fixed(
	ctx context.Context,
	attempts int,
	delay time.Duration,
	fn func() error,
	isRetriable func(error) bool,
	onRetry func(err error, next time.Duration),
) error {
	return run(ctx, attempts, backoff.NewConstantBackOff(delay), fn, isRetriable, onRetry)
}

func run(
	ctx context.Context,
	attempts int,
	b backoff.BackOff,
	fn func() error,
	isRetriable func(error) bool,
	onRetry func(error, time.Duration),
) error {
	if attempts < 1 {
		attempts = 1
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(onRetry)))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && isRetriable != nil && !isRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)
	return err
}

var nonRetriableDbCodes = map[string]struct{}{
	"ConditionalCheckFailedException": {},
	"ResourceNotFoundException":       {},
	"ValidationException":             {},
	"AccessDeniedException":           {},
	"UnrecognizedClientException":     {},
}

func IsRetriableDbError(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	if errors.Is(err, apperror.ErrSessionNotFound) ||
		errors.Is(err, apperror.ErrAssetNotFound) ||
		errors.Is(err, apperror.ErrQueueEntryNotFound) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, fatal := nonRetriableDbCodes[apiErr.ErrorCode()]
		return !fatal
	}
	return true
}

func IsRetriableRedisError(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, apperror.ErrSessionNotFound) {
		return false
	}
	return true
}

// IsTransient retries only errors explicitly tagged transient.
func IsTransient(err error) bool {
	return errors.Is(err, apperror.ErrTransient)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
