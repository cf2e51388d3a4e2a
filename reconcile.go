/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kiln

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/apierror"
	redlock "github.com/kilnhq/kiln/internal/lock"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// settleBackOff bounds the inline settlement retries after a terminal
// transition. Whatever is left unsettled is picked up by the sweep.
var settleBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 3 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// jobLease is a held job lease and the time it was last renewed.
type jobLease struct {
	locker  *redlock.Locker
	ttl     time.Duration
	renewed time.Time
}

// refresh renews the lease once half of its ttl has passed. A lease that
// could not be renewed is only logged; transitions stay compare-and-set.
func (l *jobLease) refresh(ctx context.Context, now time.Time) {
	if l == nil || now.Sub(l.renewed) < l.ttl/2 {
		return
	}
	if err := l.locker.ExtendLock(ctx, l.ttl); err != nil {
		logrus.Warnf("could not renew job lease: %v", err)
		return
	}
	l.renewed = now
}

// ReconcileJob advances one job by a single step while holding its lease.
// A lease held by someone else means the job is already being handled, and
// the call returns without doing anything.
func (k *Kiln) ReconcileJob(ctx context.Context, jobID string) error {
	return k.reconcile(ctx, jobID, false)
}

// reconcile advances jobID under its lease. With onlyDue set, a job whose next
// check was pushed back by another worker in the meantime is left alone.
func (k *Kiln) reconcile(ctx context.Context, jobID string, onlyDue bool) error {
	ctx, span := tracer.Start(ctx, "ReconcileJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	lease := redlock.NewLocker(k.redis, redlock.JobLeaseKey(jobID), model.GenerateUUIDWithSuffix("lease"))
	if err := lease.Lock(ctx, cfg.Reconciler.LeaseFor()); err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			logrus.Debugf("job %s is leased elsewhere, skipping", jobID)
			return nil
		}
		return err
	}
	defer releaseLock(lease)
	held := &jobLease{locker: lease, ttl: cfg.Reconciler.LeaseFor(), renewed: k.now().UTC()}

	job, err := k.datasource.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if onlyDue && (job.NextCheckAt.IsZero() || job.NextCheckAt.After(k.now().UTC())) {
		return nil
	}

	err = k.advanceJob(ctx, job, cfg.Reconciler, held)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// advanceJob applies the state machine to job. Losing a compare-and-set to
// another actor is not an error.
func (k *Kiln) advanceJob(ctx context.Context, job *model.Job, rc config.ReconcilerConfig, lease *jobLease) error {
	if job.Status.IsTerminal() {
		if job.IsSettled() {
			return nil
		}
		return k.settleJob(ctx, job)
	}

	now := k.now().UTC()
	if now.Sub(job.CreatedAt) > rc.CeilingFor(string(job.Kind)) {
		return k.expireJob(ctx, job, "job exceeded its lifetime")
	}

	switch job.Status {
	case model.StatusReserved:
		return k.resubmitJob(ctx, job, rc, now, lease)
	case model.StatusSubmitted:
		if now.Sub(job.UpdatedAt) > rc.AckDeadline() {
			return k.expireJob(ctx, job, "provider never started the job")
		}
	}
	return k.pollJob(ctx, job, rc, now, lease)
}

// resubmitJob retries the submission of a job stuck in reserved.
func (k *Kiln) resubmitJob(ctx context.Context, job *model.Job, rc config.ReconcilerConfig, now time.Time, lease *jobLease) error {
	lastTouched := job.CreatedAt
	if job.LastCheckedAt != nil && job.LastCheckedAt.After(lastTouched) {
		lastTouched = *job.LastCheckedAt
	}
	if now.Sub(lastTouched) < rc.SubmissionStale() {
		return nil
	}

	// attempt counts resubmissions, so the job has been sent attempt+1 times.
	if job.Attempt+1 >= rc.MaxSubmitAttempts {
		_, err := k.finalizeJob(ctx, job, model.StatusFailed, model.JobUpdate{
			FailureReason: &model.FailureReason{
				Code:    model.FailureSubmissionTimeout,
				Message: fmt.Sprintf("provider could not be reached after %d attempts", job.Attempt+1),
			},
		})
		return ignoreStale(err)
	}

	provider, err := k.registry.ByName(job.Provider)
	if err != nil {
		return err
	}

	err = k.datasource.IncrementAttempt(ctx, job.JobID, job.Attempt, now.Add(rc.SubmissionStale()))
	if err != nil {
		return ignoreStale(err)
	}
	job.Attempt++

	_, err = k.submitToProvider(ctx, job, provider, rc, lease)
	return err
}

// pollJob asks the provider about a submitted or processing job and applies the answer.
func (k *Kiln) pollJob(ctx context.Context, job *model.Job, rc config.ReconcilerConfig, now time.Time, lease *jobLease) error {
	log := logrus.WithFields(logrus.Fields{"job_id": job.JobID, "provider": job.Provider})
	next := now.Add(rc.PollInterval(now.Sub(job.CreatedAt)))

	provider, err := k.registry.ByName(job.Provider)
	if err != nil {
		log.Errorf("job references an unknown provider: %v", err)
		return ignoreStale(k.datasource.MarkJobChecked(ctx, job.JobID, job.Status, next))
	}

	pollCtx, cancel := context.WithTimeout(ctx, rc.SubmitDeadline())
	result, err := provider.Poll(pollCtx, job.ProviderRef)
	cancel()
	lease.refresh(ctx, k.now().UTC())
	if err != nil {
		log.Warnf("poll failed, will retry: %v", err)
		return ignoreStale(k.datasource.MarkJobChecked(ctx, job.JobID, job.Status, next))
	}

	switch result.State {
	case gateway.PollSucceeded:
		resultRef := k.mirrorResult(ctx, job, result.ResultRef)
		_, err := k.finalizeJob(ctx, job, model.StatusCompleted, model.JobUpdate{ResultRef: resultRef})
		return ignoreStale(err)

	case gateway.PollFailed:
		reason := result.Reason
		if reason == "" {
			reason = "generation failed"
		}
		_, err := k.finalizeJob(ctx, job, model.StatusFailed, model.JobUpdate{
			FailureReason: &model.FailureReason{Code: model.FailureProviderFailed, Message: reason},
		})
		return ignoreStale(err)

	default:
		if job.Status == model.StatusSubmitted {
			_, err := k.datasource.TransitionJob(ctx, job.JobID, model.StatusSubmitted, model.StatusProcessing, model.JobUpdate{NextCheckAt: next})
			return ignoreStale(err)
		}
		return ignoreStale(k.datasource.MarkJobChecked(ctx, job.JobID, job.Status, next))
	}
}

func (k *Kiln) expireJob(ctx context.Context, job *model.Job, message string) error {
	_, err := k.finalizeJob(ctx, job, model.StatusExpired, model.JobUpdate{
		FailureReason: &model.FailureReason{Code: model.FailureTimeout, Message: message},
	})
	return ignoreStale(err)
}

// finalizeJob moves job into a terminal status. Only the caller that wins the
// transition settles the reservation and sends the notification.
func (k *Kiln) finalizeJob(ctx context.Context, job *model.Job, to model.JobStatus, update model.JobUpdate) (*model.Job, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	update.NextCheckAt = k.now().UTC().Add(cfg.Reconciler.SettlementRetryIn())

	finished, err := k.datasource.TransitionJob(ctx, job.JobID, job.Status, to, update)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"job_id": finished.JobID, "from": job.Status, "to": to}).Info("job finished")

	if err := k.settleJob(ctx, finished); err != nil {
		logrus.WithField("job_id", finished.JobID).Warnf("settlement deferred to the sweep: %v", err)
	}
	k.notify(ctx, finished)
	return finished, nil
}

// settleJob captures the reservation of a completed job and refunds any other
// terminal job, then records the settled amount on the job.
func (k *Kiln) settleJob(ctx context.Context, job *model.Job) error {
	outcome, amount := model.OutcomeRefund, int64(0)
	if job.Status == model.StatusCompleted {
		outcome, amount = model.OutcomeSuccess, job.CreditsReserved
	}

	if !k.alreadySettled(ctx, job.ReservationID, outcome) {
		operation := func() error {
			err := k.settle(ctx, job.ReservationID, outcome)
			if errors.Is(err, model.ErrInvariantViolation) || apierror.Is(err, apierror.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(operation, backoff.WithContext(settleBackOff(), ctx)); err != nil {
			return err
		}
	}

	if _, err := k.datasource.SetCreditsSettled(ctx, job.JobID, amount); err != nil {
		return err
	}
	job.CreditsSettled = &amount
	return nil
}

// alreadySettled reports whether the ledger recorded outcome for the
// reservation before the job was marked settled.
func (k *Kiln) alreadySettled(ctx context.Context, reservationID string, outcome model.SettlementOutcome) bool {
	reservation, err := k.datasource.GetReservation(ctx, reservationID)
	if err != nil {
		return false
	}
	settledBy, done := reservation.Status.SettledBy()
	return done && settledBy == outcome
}

// mirrorResult copies a result into owned storage when configured. The
// provider's reference is kept if mirroring fails.
func (k *Kiln) mirrorResult(ctx context.Context, job *model.Job, resultRef string) string {
	if k.mirror == nil || resultRef == "" || !k.mirror.Handles(job.Kind) {
		return resultRef
	}
	mirrored, err := k.mirror.Mirror(ctx, job, resultRef)
	if err != nil {
		logrus.WithField("job_id", job.JobID).Warnf("result mirroring failed, keeping provider url: %v", err)
		return resultRef
	}
	return mirrored
}

func ignoreStale(err error) error {
	if errors.Is(err, model.ErrStaleTransition) {
		return nil
	}
	return err
}
