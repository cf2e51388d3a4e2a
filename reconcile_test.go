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
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/gateway"
	redlock "github.com/kilnhq/kiln/internal/lock"
	"github.com/kilnhq/kiln/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollStep is longer than the young poll interval.
const pollStep = 6 * time.Second

func TestReconcile_ProcessingThenCompleted(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	processing := h.reconcileAfter(t, pollStep, job.JobID)
	assert.Equal(t, model.StatusProcessing, processing.Status)
	assert.Equal(t, int64(40), h.account(t, "owner_1").Available())

	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	completed := h.reconcileAfter(t, pollStep, job.JobID)

	assert.Equal(t, model.StatusCompleted, completed.Status)
	assert.Equal(t, "https://cdn.example.com/out.png", completed.ResultRef)
	require.NotNil(t, completed.CreditsSettled)
	assert.Equal(t, completed.CreditsReserved, *completed.CreditsSettled)

	acc := h.account(t, "owner_1")
	assert.Equal(t, int64(40), acc.Available())
	assert.Equal(t, int64(0), acc.Held)
	assert.Equal(t, int64(10), acc.Debited)
	assert.Equal(t, 1, h.notifier.count(job.JobID))
	assert.True(t, completed.NextCheckAt.IsZero())
}

func TestReconcile_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	h.provider.Fail(job.ProviderRef, "nsfw content detected")
	failed := h.reconcileAfter(t, pollStep, job.JobID)

	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, model.FailureProviderFailed, failed.FailureReason.Code)
	assert.Equal(t, "nsfw content detected", failed.FailureReason.Message)
	assert.Equal(t, int64(50), h.account(t, "owner_1").Available())
	assert.Equal(t, int64(0), *failed.CreditsSettled)
}

func TestReconcile_LifetimeCeilingExpiresAndIgnoresLateSuccess(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	processing := h.reconcileAfter(t, pollStep, job.JobID)
	require.Equal(t, model.StatusProcessing, processing.Status)

	expired := h.reconcileAfter(t, time.Hour, job.JobID)
	assert.Equal(t, model.StatusExpired, expired.Status)
	assert.Equal(t, model.FailureTimeout, expired.FailureReason.Code)
	assert.Equal(t, int64(50), h.account(t, "owner_1").Available())

	// A worker still holding the processing snapshot sees the late success.
	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/late.png")
	cfg, err := config.Fetch()
	require.NoError(t, err)
	require.NoError(t, h.kiln.pollJob(context.Background(), processing, cfg.Reconciler, h.clock.Now(), nil))

	_, err = h.store.TransitionJob(context.Background(), job.JobID, model.StatusProcessing, model.StatusCompleted, model.JobUpdate{})
	assert.True(t, errors.Is(err, model.ErrStaleTransition))

	final := h.job(t, job.JobID)
	assert.Equal(t, model.StatusExpired, final.Status)
	assert.Empty(t, final.ResultRef)
	assert.Equal(t, 1, h.store.terminalTransitions(job.JobID))
	assert.Equal(t, 1, h.notifier.count(job.JobID))
	assert.Equal(t, int64(50), h.account(t, "owner_1").Available())
}

func TestReconcile_AckTimeoutExpiresSubmitted(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	expired := h.reconcileAfter(t, 11*time.Minute, job.JobID)

	assert.Equal(t, model.StatusExpired, expired.Status)
	assert.Equal(t, "provider never started the job", expired.FailureReason.Message)
	assert.Equal(t, 0, h.provider.Polls(job.ProviderRef))
	assert.Equal(t, int64(50), h.account(t, "owner_1").Available())
}

func TestReconcile_ResubmitsStaleReservedJob(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	h.provider.FailNextSubmit(gateway.ErrProviderUnavailable)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	require.Equal(t, model.StatusReserved, job.Status)

	notYet := h.reconcileAfter(t, 10*time.Second, job.JobID)
	assert.Equal(t, model.StatusReserved, notYet.Status)
	assert.Equal(t, 1, h.provider.Submissions())

	submitted := h.reconcileAfter(t, time.Minute, job.JobID)
	assert.Equal(t, model.StatusSubmitted, submitted.Status)
	assert.Equal(t, 1, submitted.Attempt)
	assert.NotEmpty(t, submitted.ProviderRef)
	assert.Equal(t, 2, h.provider.Submissions())
	assert.Equal(t, int64(40), h.account(t, "owner_1").Available())
}

func TestReconcile_SubmissionTimeoutAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	for i := 0; i < 3; i++ {
		h.provider.FailNextSubmit(gateway.ErrProviderUnavailable)
	}
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	for attempt := 1; attempt <= 2; attempt++ {
		reserved := h.reconcileAfter(t, 61*time.Second, job.JobID)
		require.Equal(t, model.StatusReserved, reserved.Status)
		require.Equal(t, attempt, reserved.Attempt)
	}

	failed := h.reconcileAfter(t, 61*time.Second, job.JobID)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, model.FailureSubmissionTimeout, failed.FailureReason.Code)
	assert.True(t, failed.FailureReason.Code.IsRetryable())
	assert.Equal(t, 3, h.provider.Submissions())
	assert.Equal(t, int64(50), h.account(t, "owner_1").Available())
}

func TestReconcile_PollErrorReschedules(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	h.provider.SetPollError(fmt.Errorf("%w: 502 from upstream", gateway.ErrProviderUnavailable))

	checked := h.reconcileAfter(t, pollStep, job.JobID)

	assert.Equal(t, model.StatusSubmitted, checked.Status)
	assert.True(t, checked.NextCheckAt.After(h.clock.Now()))
	assert.Equal(t, job.UpdatedAt, checked.UpdatedAt)
}

func TestReconcile_MaturePollInterval(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	young := h.reconcileAfter(t, pollStep, job.JobID)
	assert.Equal(t, h.clock.Now().Add(5*time.Second), young.NextCheckAt)

	mature := h.reconcileAfter(t, 3*time.Minute, job.JobID)
	assert.Equal(t, h.clock.Now().Add(30*time.Second), mature.NextCheckAt)
}

func TestReconcile_SkipsLeasedJob(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	require.NoError(t, h.redis.Set(redlock.JobLeaseKey(job.JobID), "another-worker"))

	same := h.reconcileAfter(t, pollStep, job.JobID)

	assert.Equal(t, model.StatusSubmitted, same.Status)
	assert.Equal(t, 0, h.provider.Polls(job.ProviderRef))
}

type flakySettleStore struct {
	*memoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakySettleStore) SettleReservation(ctx context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.memoryStore.SettleReservation(ctx, reservationID, outcome)
}

func TestReconcile_SweepFinishesDeferredSettlement(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	original := settleBackOff
	settleBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }
	t.Cleanup(func() { settleBackOff = original })

	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	flaky := &flakySettleStore{memoryStore: h.store, failures: 3}
	h.kiln.datasource = flaky

	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	completed := h.reconcileAfter(t, pollStep, job.JobID)
	assert.Equal(t, model.StatusCompleted, completed.Status)
	assert.Nil(t, completed.CreditsSettled)
	assert.Equal(t, int64(10), h.account(t, "owner_1").Held)
	assert.Equal(t, 1, h.notifier.count(job.JobID))

	h.clock.Advance(31 * time.Second)
	swept, err := h.kiln.ReconcileDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	settled := h.job(t, job.JobID)
	require.NotNil(t, settled.CreditsSettled)
	assert.Equal(t, int64(10), *settled.CreditsSettled)
	acc := h.account(t, "owner_1")
	assert.Equal(t, int64(0), acc.Held)
	assert.Equal(t, int64(10), acc.Debited)
	assert.Equal(t, 1, h.notifier.count(job.JobID))
}

type unrecordedSettleStore struct {
	*memoryStore
	mu          sync.Mutex
	settles     int
	recordFails int
}

func (s *unrecordedSettleStore) SettleReservation(ctx context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error) {
	s.mu.Lock()
	s.settles++
	s.mu.Unlock()
	return s.memoryStore.SettleReservation(ctx, reservationID, outcome)
}

func (s *unrecordedSettleStore) SetCreditsSettled(ctx context.Context, id string, amount int64) (bool, error) {
	s.mu.Lock()
	if s.recordFails > 0 {
		s.recordFails--
		s.mu.Unlock()
		return false, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.memoryStore.SetCreditsSettled(ctx, id, amount)
}

func TestReconcile_SweepSkipsSettlementAlreadyInLedger(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	store := &unrecordedSettleStore{memoryStore: h.store, recordFails: 1}
	h.kiln.datasource = store

	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	completed := h.reconcileAfter(t, pollStep, job.JobID)
	assert.Equal(t, model.StatusCompleted, completed.Status)
	assert.Nil(t, completed.CreditsSettled)
	assert.Equal(t, 1, store.settles)
	entries := len(h.store.entries)

	h.clock.Advance(31 * time.Second)
	swept, err := h.kiln.ReconcileDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	settled := h.job(t, job.JobID)
	require.NotNil(t, settled.CreditsSettled)
	assert.Equal(t, int64(10), *settled.CreditsSettled)
	assert.Equal(t, 1, store.settles)
	assert.Len(t, h.store.entries, entries)
	assert.Equal(t, int64(10), h.account(t, "owner_1").Debited)
}

func TestJobLease_RefreshAfterHalfTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := redlock.JobLeaseKey("job_1")
	locker := redlock.NewLocker(h.kiln.redis, key, "holder")
	require.NoError(t, locker.Lock(ctx, time.Minute))

	start := h.clock.Now()
	lease := &jobLease{locker: locker, ttl: time.Minute, renewed: start}
	h.redis.FastForward(40 * time.Second)

	lease.refresh(ctx, start.Add(10*time.Second))
	assert.Equal(t, 20*time.Second, h.redis.TTL(key))

	lease.refresh(ctx, start.Add(40*time.Second))
	assert.Equal(t, time.Minute, h.redis.TTL(key))
	assert.Equal(t, start.Add(40*time.Second), lease.renewed)

	var none *jobLease
	none.refresh(ctx, start.Add(time.Hour))
}

func TestJobLease_RefreshLostLeaseKeepsGoing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := redlock.JobLeaseKey("job_1")
	require.NoError(t, h.redis.Set(key, "someone-else"))

	start := h.clock.Now()
	lease := &jobLease{locker: redlock.NewLocker(h.kiln.redis, key, "holder"), ttl: time.Minute, renewed: start}
	lease.refresh(ctx, start.Add(45*time.Second))

	assert.Equal(t, start, lease.renewed)
	got, err := h.redis.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestReconcile_SettlementIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	completed := h.reconcileAfter(t, pollStep, job.JobID)

	before := h.account(t, "owner_1")
	entries := len(h.store.entries)

	require.NoError(t, h.kiln.settle(context.Background(), completed.ReservationID, model.OutcomeSuccess))

	after := h.account(t, "owner_1")
	assert.Equal(t, before.Available(), after.Available())
	assert.Equal(t, before.Debited, after.Debited)
	assert.Len(t, h.store.entries, entries)

	err := h.kiln.settle(context.Background(), completed.ReservationID, model.OutcomeRefund)
	assert.True(t, errors.Is(err, model.ErrInvariantViolation))
	assert.Equal(t, before.Available(), h.account(t, "owner_1").Available())
}

func TestReconcile_ConcurrentPollsAreDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	h.provider.PollDelay = 50 * time.Millisecond
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	h.clock.Advance(pollStep)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.kiln.ReconcileJob(context.Background(), job.JobID))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.provider.MaxConcurrentPolls(job.ProviderRef))
}

func TestReconcile_ConcurrentSweepsConserveCredits(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 1000)
	h.provider.AutoComplete = 1

	var jobs []*model.Job
	for i := 0; i < 20; i++ {
		jobs = append(jobs, h.submit(t, "owner_1", model.KindImage, fmt.Sprintf("key-%d", i)))
	}
	for i, job := range jobs {
		if i%4 == 0 {
			h.provider.Fail(job.ProviderRef, "generation failed")
		}
	}

	for round := 0; round < 4; round++ {
		h.clock.Advance(pollStep)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.kiln.ReconcileDueJobs(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}

	var spent int64
	for _, j := range jobs {
		job := h.job(t, j.JobID)
		require.True(t, job.Status.IsTerminal(), "job %s is %s", job.JobID, job.Status)
		require.NotNil(t, job.CreditsSettled)
		assert.Equal(t, 1, h.store.terminalTransitions(job.JobID))
		assert.Equal(t, 1, h.notifier.count(job.JobID))
		if job.Status == model.StatusCompleted {
			assert.Equal(t, job.CreditsReserved, *job.CreditsSettled)
		} else {
			assert.Equal(t, int64(0), *job.CreditsSettled)
		}
		spent += *job.CreditsSettled
	}

	acc := h.account(t, "owner_1")
	assert.Equal(t, int64(0), acc.Held)
	assert.Equal(t, spent, acc.Debited)
	assert.Equal(t, int64(1000)-spent, acc.Available())
	assert.Equal(t, int64(150), spent)
}
