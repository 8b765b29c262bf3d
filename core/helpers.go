package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/koscakluka/ema-broadcast/core/metrics"
)

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

// temporary is implemented by collaborator errors that know whether a retry
// can help, like translation.StatusError.
type temporary interface {
	Temporary() bool
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// retryStage runs op under the stage timeout and retries transient failures
// with exponential backoff. Every attempt shares the same deadline.
func (o *Orchestrator) retryStage(ctx context.Context, stage string, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.config.RetryBackoff
	policy.MaxInterval = o.config.StageTimeout
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		if attempts > 0 {
			o.metrics.RecordStageRetry(stage)
		}
		attempts++

		err := op(ctx)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.config.MaxRetries)), ctx))
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", stage, attempts, err)
	}
	return nil
}

func stageOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailure
	}
}

func secondsSince(start time.Time) float64 {
	return time.Since(start).Seconds()
}
