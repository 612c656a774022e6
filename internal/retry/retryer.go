// Package retry provides a retryer that repeats failed operations with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/agenterr"
	"github.com/simplesurance/ghagent/internal/logfields"
)

const defTimeout = 10 * time.Minute

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     5 * time.Second,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// NewRetryerWithIntervals returns a Retryer with a custom initial backoff
// interval and per-operation timeout.
func NewRetryerWithIntervals(initialInterval, timeout time.Duration) *Retryer {
	r := NewRetryer()
	r.backoffInitialInterval = initialInterval
	r.defTimeout = timeout

	return r
}

// Run executes fn until it succeeded, it returned an error that does not
// wrap agenterr.RetryableError, the retry timeout expired or the execution
// was aborted via the context or Stop().
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFn := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFn()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for {
		tryCnt++
		logger := r.logger.With(append(logF, zap.Uint("try_count", tryCnt))...)

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("operation_cancelled"),
			)

			return ctx.Err()

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("operation_cancelled_retryer_terminated"),
			)

			return nil

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("operation_succeeded"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"operation cancelled",
					logfields.Event("operation_cancelled"),
				)

				return err
			}

			var retryError *agenterr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Error(
					"operation failed, not retryable",
					logfields.Event("operation_failed"),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryError.After.IsZero() {
				if until := time.Until(retryError.After); until > retryIn {
					retryIn = until
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("age", bo.GetElapsedTime()),
			)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
