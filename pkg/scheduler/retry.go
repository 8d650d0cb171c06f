package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
)

// RetryDelay returns the wait before the attempt that follows failed
// attempt n: base * 2^(n-1), capped at max
func RetryDelay(base, max time.Duration, n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// applyRetryPolicy moves a Failed scheduled job to Retrying or
// FailedPermanently. Only the recorded error kind is consulted.
func (s *Scheduler) applyRetryPolicy(ctx context.Context, job *ledger.Job) {
	now := s.clock.Now()
	log := s.log.WithField("job", job.ID)
	wctx := context.WithoutCancel(ctx)

	if fault.Retryable(job.ErrorKind) && job.Attempt < job.MaxAttempts {
		delay := RetryDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, job.Attempt)
		if err := job.Transition(ledger.StatusRetrying, now); err != nil {
			log.Errorf("Cannot schedule retry: %v", err)
			return
		}
		next := now.Add(delay).UTC()
		job.NextAttemptAt = &next
		job.BackoffDelay = delay
		if err := s.ledger.SaveJob(wctx, job); err != nil {
			log.Errorf("Failed to record retry: %v", err)
			return
		}
		metrics.RetryDecisions.WithLabelValues("retry", string(job.ErrorKind)).Inc()
		log.Warnf("Backup of %s failed (%s), attempt %d of %d; retrying in %v",
			job.Target.Key(), job.ErrorKind, job.Attempt, job.MaxAttempts, delay)
		return
	}

	if err := job.Transition(ledger.StatusFailedPermanently, now); err != nil {
		log.Errorf("Cannot mark job failed: %v", err)
		return
	}
	if err := s.ledger.SaveJob(wctx, job); err != nil {
		log.Errorf("Failed to record permanent failure: %v", err)
		return
	}
	metrics.RetryDecisions.WithLabelValues("give_up", string(job.ErrorKind)).Inc()
	log.Errorf("Backup of %s failed permanently after %d attempts (%s): %s",
		job.Target.Key(), job.Attempt, job.ErrorKind, job.LastError)
}
