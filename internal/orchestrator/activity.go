package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"dayflow/config"
	"dayflow/internal/day"
	"dayflow/internal/metrics"
	"dayflow/logger"
)

var (
	ErrActivityFailed = errors.New("activity failed")
	ErrRollAborted    = errors.New("roll aborted")
)

// ActivityError reports an activity that exhausted its retry policy.
type ActivityError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() []error { return []error{ErrActivityFailed, e.Err} }

type activity struct {
	name string
	run  func(ctx context.Context) error
}

// runActivity executes a with the retry policy configured for its name. Each
// attempt gets its own timeout; the parent ctx bounds the whole sequence.
func (o *Orchestrator) runActivity(ctx context.Context, key day.Key, a activity) error {
	policy := o.cfg.Policy(a.name)
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"env":      key.Environment,
		"date":     key.Date,
		"activity": a.name,
	})

	var (
		attempts int
		lastErr  error
	)
	started := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		err := a.run(actx)
		metrics.ObserveActivityAttempt(a.name, err)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			lastErr = perm.Err
		}
		log.WithError(lastErr).WithFields(logger.Fields{
			"attempt":      attempts,
			"max_attempts": policy.MaxAttempts,
		}).Warn("activity attempt failed")
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff(policy)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(o.cfg.WorkflowTimeout),
	)
	elapsed := time.Since(started)
	metrics.ObserveActivityDuration(a.name, elapsed)

	if err == nil {
		logger.LogPerformanceEntry(log, "orchestrator", a.name, elapsed, logger.Fields{"attempts": attempts})
		return nil
	}
	if lastErr == nil {
		// cancelled before the first attempt finished
		lastErr = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = errors.Join(lastErr, ctxErr)
	}
	log.WithError(lastErr).WithFields(logger.Fields{"attempts": attempts}).Error("activity exhausted retries")
	return &ActivityError{Activity: a.name, Attempts: attempts, Err: lastErr}
}

func newBackOff(p config.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.BackoffMultiplier
	b.RandomizationFactor = 0.1
	return b
}

func failurePayload(err error) day.FailurePayload {
	p := day.FailurePayload{Error: err.Error()}
	var ae *ActivityError
	if errors.As(err, &ae) {
		p.Activity = ae.Activity
		p.Attempts = ae.Attempts
		p.Error = ae.Err.Error()
	}
	return p
}
