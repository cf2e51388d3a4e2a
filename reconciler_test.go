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
	"testing"
	"time"

	"github.com/kilnhq/kiln/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobReconciler_StartStop(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")
	h.provider.Complete(job.ProviderRef, "https://cdn.example.com/out.png")
	h.clock.Advance(pollStep)

	p := NewJobReconciler(h.kiln)
	p.sweepInterval = 10 * time.Millisecond
	assert.False(t, p.IsRunning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.IsRunning())

	assert.Eventually(t, func() bool {
		return h.job(t, job.JobID).Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())
	assert.Equal(t, 1, h.notifier.count(job.JobID))
}

func TestJobReconciler_UsesConfiguredPool(t *testing.T) {
	h := newHarness(t)
	p := NewJobReconciler(h.kiln)

	assert.Equal(t, 10, p.maxWorkers)
	assert.Equal(t, 100, p.batchSize)
	assert.Equal(t, 5*time.Second, p.sweepInterval)
}

func TestReconcileDueJobs_SkipsJobsNotDue(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	job := h.submit(t, "owner_1", model.KindImage, "key-1")

	swept, err := h.kiln.ReconcileDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, 0, h.provider.Polls(job.ProviderRef))

	h.clock.Advance(pollStep)
	swept, err = h.kiln.ReconcileDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, h.provider.Polls(job.ProviderRef))
}

type panickingStore struct {
	*memoryStore
	jobID string
}

func (s *panickingStore) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	if id == s.jobID {
		panic("corrupt row")
	}
	return s.memoryStore.GetJobByID(ctx, id)
}

func TestReconcileDueJobs_SurvivesPanickingJob(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "owner_1", 50)
	broken := h.submit(t, "owner_1", model.KindImage, "key-1")
	healthy := h.submit(t, "owner_1", model.KindImage, "key-2")
	h.provider.Complete(healthy.ProviderRef, "https://cdn.example.com/out.png")
	h.kiln.datasource = &panickingStore{memoryStore: h.store, jobID: broken.JobID}

	h.clock.Advance(pollStep)
	var swept int
	require.NotPanics(t, func() {
		var err error
		swept, err = h.kiln.ReconcileDueJobs(context.Background())
		require.NoError(t, err)
	})
	assert.Equal(t, 2, swept)
	assert.Equal(t, model.StatusCompleted, h.job(t, healthy.JobID).Status)
	assert.Equal(t, model.StatusSubmitted, h.job(t, broken.JobID).Status)
}
