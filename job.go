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

	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/apierror"
	redlock "github.com/kilnhq/kiln/internal/lock"
	"github.com/kilnhq/kiln/internal/notification"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	submissionLockTTL  = 30 * time.Second
	submissionLockWait = 10 * time.Second
)

// SubmitRequest asks for one generation job. IdempotencyKey is derived from the
// owner, kind and payload when empty.
type SubmitRequest struct {
	OwnerID        string
	Kind           model.Kind
	Payload        map[string]interface{}
	IdempotencyKey string
}

type newJob struct {
	ownerID        string
	kind           model.Kind
	payload        map[string]interface{}
	idempotencyKey string
	parentJobID    string
	provider       string
}

// SubmitJob reserves credit for a request, records the job and hands it to the
// provider. It returns as soon as the provider acknowledged the task, rejected
// it or could not be reached; it never waits for the generation itself.
//
// A submission repeating the idempotency key of a job that is still running
// returns that job instead of creating a new one.
func (k *Kiln) SubmitJob(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "SubmitJob")
	defer span.End()

	if req.OwnerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "owner_id is required", nil)
	}
	if !req.Kind.IsValid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unsupported kind %q", req.Kind), nil)
	}

	key := req.IdempotencyKey
	if key == "" {
		derived, err := model.DeriveIdempotencyKey(req.OwnerID, req.Kind, req.Payload)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "payload cannot be encoded", err)
		}
		key = derived
	}
	span.SetAttributes(attribute.String("owner.id", req.OwnerID), attribute.String("job.kind", string(req.Kind)))

	provider, err := k.registry.ForKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKindUnavailable, err)
	}

	job, created, err := k.createJobOnce(ctx, newJob{
		ownerID:        req.OwnerID,
		kind:           req.Kind,
		payload:        req.Payload,
		idempotencyKey: key,
		provider:       provider.Name(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		span.AddEvent("deduplicated")
		return job, nil
	}
	return k.dispatch(ctx, job, provider)
}

// RetryJob submits a failed job again as a new job with a fresh reservation.
// Only failures that a retry can fix are eligible; the failed job is left as is.
func (k *Kiln) RetryJob(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "RetryJob")
	defer span.End()

	previous, err := k.datasource.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if previous.Status != model.StatusFailed || previous.FailureReason == nil || !previous.FailureReason.Code.IsRetryable() {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrRetryNotAllowed, jobID, describeOutcome(previous))
	}

	provider, err := k.registry.ForKind(previous.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKindUnavailable, err)
	}

	job, created, err := k.createJobOnce(ctx, newJob{
		ownerID:        previous.OwnerID,
		kind:           previous.Kind,
		payload:        previous.Payload,
		idempotencyKey: previous.IdempotencyKey,
		parentJobID:    previous.JobID,
		provider:       provider.Name(),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return job, nil
	}
	return k.dispatch(ctx, job, provider)
}

// CancelJob stops a job that the provider has not started working on. The job
// fails with CANCELLED and its reservation is refunded. Jobs already
// processing run to their natural end.
func (k *Kiln) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "CancelJob")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	lease := redlock.NewLocker(k.redis, redlock.JobLeaseKey(jobID), model.GenerateUUIDWithSuffix("lease"))
	if err := lease.WaitLock(ctx, cfg.Reconciler.LeaseFor(), cfg.Reconciler.SubmitDeadline()+time.Second); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "job is busy, try again shortly", err)
	}
	defer releaseLock(lease)

	job, err := k.datasource.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusReserved && job.Status != model.StatusSubmitted {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrCancelNotAllowed, jobID, job.Status)
	}

	if job.ProviderRef != "" {
		if provider, err := k.registry.ByName(job.Provider); err == nil {
			k.cancelAtProvider(ctx, provider, job.ProviderRef)
		}
	}

	cancelled, err := k.finalizeJob(ctx, job, model.StatusFailed, model.JobUpdate{
		FailureReason: &model.FailureReason{Code: model.FailureCancelled, Message: "cancelled by the owner"},
	})
	if errors.Is(err, model.ErrStaleTransition) {
		return nil, fmt.Errorf("%w: job %s changed while cancelling", model.ErrCancelNotAllowed, jobID)
	}
	return cancelled, err
}

// createJobOnce prices and reserves a new job under the submission lock of its
// idempotency key. When a running job already holds the key, that job is
// returned with created set to false.
func (k *Kiln) createJobOnce(ctx context.Context, req newJob) (*model.Job, bool, error) {
	lock := redlock.NewLocker(k.redis, redlock.SubmissionKey(req.ownerID, req.idempotencyKey), model.GenerateUUIDWithSuffix("submit"))
	if err := lock.WaitLock(ctx, submissionLockTTL, submissionLockWait); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrConflict, "a submission with this idempotency key is in progress", err)
	}
	defer releaseLock(lock)

	existing, err := k.datasource.GetActiveJobByIdempotencyKey(ctx, req.ownerID, req.idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	return k.createJob(ctx, req)
}

func (k *Kiln) createJob(ctx context.Context, req newJob) (*model.Job, bool, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, false, err
	}

	cost, err := k.pricer.PriceFor(ctx, req.kind, req.payload)
	if err != nil {
		return nil, false, err
	}

	reservation, err := k.reserve(ctx, req.ownerID, cost)
	if err != nil {
		return nil, false, err
	}

	now := k.now().UTC()
	job := &model.Job{
		JobID:           model.GenerateUUIDWithSuffix("job"),
		OwnerID:         req.ownerID,
		Kind:            req.kind,
		Provider:        req.provider,
		Payload:         req.payload,
		Status:          model.StatusReserved,
		CreditsReserved: cost,
		ReservationID:   reservation.ReservationID,
		Attempt:         0,
		IdempotencyKey:  req.idempotencyKey,
		ParentJobID:     req.parentJobID,
		CreatedAt:       now,
		UpdatedAt:       now,
		NextCheckAt:     now.Add(cfg.Reconciler.SubmissionStale()),
	}

	if err := k.datasource.CreateJob(ctx, job); err != nil {
		// The hold has no job to settle it, so release it here.
		if refundErr := k.settle(context.WithoutCancel(ctx), reservation.ReservationID, model.OutcomeRefund); refundErr != nil {
			notification.NotifyError(fmt.Errorf("reservation %s of owner %s is held without a job: %w", reservation.ReservationID, req.ownerID, refundErr))
		}
		if errors.Is(err, model.ErrDuplicateIdempotencyKey) {
			winner, getErr := k.datasource.GetActiveJobByIdempotencyKey(ctx, req.ownerID, req.idempotencyKey)
			if getErr == nil && winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	logrus.WithFields(logrus.Fields{"job_id": job.JobID, "owner_id": job.OwnerID, "kind": job.Kind}).
		Infof("reserved %d credits for new job", cost)
	return job, true, nil
}

// dispatch performs the first submission of a freshly created job while holding its lease.
func (k *Kiln) dispatch(ctx context.Context, job *model.Job, provider gateway.Provider) (*model.Job, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	lease := redlock.NewLocker(k.redis, redlock.JobLeaseKey(job.JobID), model.GenerateUUIDWithSuffix("lease"))
	if err := lease.Lock(ctx, cfg.Reconciler.LeaseFor()); err != nil {
		logrus.WithField("job_id", job.JobID).Warnf("could not take lease for first submission: %v", err)
		return job, nil
	}
	defer releaseLock(lease)

	held := &jobLease{locker: lease, ttl: cfg.Reconciler.LeaseFor(), renewed: k.now().UTC()}
	return k.submitToProvider(ctx, job, provider, cfg.Reconciler, held)
}

// submitToProvider sends a reserved job to its provider within the submit
// timeout. A rejection fails the job; an unreachable provider leaves it
// reserved for the reconciler to resubmit.
func (k *Kiln) submitToProvider(ctx context.Context, job *model.Job, provider gateway.Provider, rc config.ReconcilerConfig, lease *jobLease) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "Submit To Provider")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.JobID), attribute.String("provider", provider.Name()), attribute.Int("attempt", job.Attempt))

	log := logrus.WithFields(logrus.Fields{"job_id": job.JobID, "provider": provider.Name(), "attempt": job.Attempt})

	submitCtx, cancel := context.WithTimeout(ctx, rc.SubmitDeadline())
	ref, err := provider.Submit(submitCtx, job.Kind, job.Payload)
	cancel()
	lease.refresh(ctx, k.now().UTC())

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gateway.ErrProviderRejected) {
			log.Warnf("provider rejected job: %v", err)
			failed, ferr := k.finalizeJob(ctx, job, model.StatusFailed, model.JobUpdate{
				FailureReason: &model.FailureReason{Code: model.FailureProviderRejected, Message: err.Error()},
			})
			if errors.Is(ferr, model.ErrStaleTransition) {
				return k.datasource.GetJobByID(ctx, job.JobID)
			}
			return failed, ferr
		}
		log.Warnf("provider submit failed, job stays reserved: %v", err)
		return job, nil
	}

	now := k.now().UTC()
	submitted, err := k.datasource.TransitionJob(ctx, job.JobID, model.StatusReserved, model.StatusSubmitted, model.JobUpdate{
		ProviderRef: ref,
		NextCheckAt: now.Add(rc.PollInterval(now.Sub(job.CreatedAt))),
	})
	if errors.Is(err, model.ErrStaleTransition) {
		log.Warnf("job moved while provider task %s was being created", ref)
		k.cancelAtProvider(ctx, provider, ref)
		return k.datasource.GetJobByID(ctx, job.JobID)
	}
	if err != nil {
		log.Errorf("failed to record provider task %s, cancelling it: %v", ref, err)
		k.cancelAtProvider(ctx, provider, ref)
		return job, nil
	}

	log.Infof("job submitted as provider task %s", ref)
	return submitted, nil
}

// cancelAtProvider aborts a provider task when the provider supports it. Failures are only logged.
func (k *Kiln) cancelAtProvider(ctx context.Context, provider gateway.Provider, ref string) {
	canceler, ok := provider.(gateway.Canceler)
	if !ok {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := canceler.Cancel(cancelCtx, ref); err != nil {
		logrus.Warnf("failed to cancel %s task %s: %v", provider.Name(), ref, err)
	}
}

func releaseLock(lock *redlock.Locker) {
	if err := lock.Unlock(context.Background()); err != nil {
		logrus.Debug(err)
	}
}

func describeOutcome(job *model.Job) string {
	if job.FailureReason != nil {
		return fmt.Sprintf("%s (%s)", job.Status, job.FailureReason.Code)
	}
	return string(job.Status)
}
