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
	"fmt"
	"time"

	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
)

const (
	defaultJobLimit = 20
	maxJobLimit     = 100
	jobSnapshotTTL  = 10 * time.Minute
)

func jobCacheKey(jobID string) string {
	return "job:" + jobID
}

// GetJob returns a job by id. Settled terminal jobs never change again, so
// their snapshots are served from the cache.
func (k *Kiln) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "GetJob")
	defer span.End()

	key := jobCacheKey(jobID)
	if k.cache != nil {
		var cached model.Job
		found, err := k.cache.Get(ctx, key, &cached)
		if err != nil {
			logrus.Warnf("job cache read failed for %s: %v", jobID, err)
		}
		if found {
			return &cached, nil
		}
	}

	job, err := k.datasource.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if k.cache != nil && job.Status.IsTerminal() && job.IsSettled() {
		if err := k.cache.Set(ctx, key, job, jobSnapshotTTL); err != nil {
			logrus.Warnf("job cache write failed for %s: %v", jobID, err)
		}
	}
	return job, nil
}

// ListJobsByOwner returns an owner's jobs, newest first.
func (k *Kiln) ListJobsByOwner(ctx context.Context, ownerID string, filter model.JobFilter) ([]model.Job, error) {
	if ownerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "owner_id is required", nil)
	}
	for _, status := range filter.Statuses {
		if !status.IsValid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown status %q", status), nil)
		}
	}
	for _, kind := range filter.Kinds {
		if !kind.IsValid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unsupported kind %q", kind), nil)
		}
	}

	if filter.Limit <= 0 {
		filter.Limit = defaultJobLimit
	}
	if filter.Limit > maxJobLimit {
		filter.Limit = maxJobLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return k.datasource.ListJobsByOwner(ctx, ownerID, filter)
}

// HandleProviderCallback treats a provider callback as a hint: the named job
// is queued for reconciliation, and its state is still read by polling.
func (k *Kiln) HandleProviderCallback(ctx context.Context, providerName string, body []byte) (*model.Job, error) {
	provider, err := k.registry.ByName(providerName)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("unknown provider %q", providerName), err)
	}
	parser, ok := provider.(gateway.CallbackParser)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("provider %q does not send callbacks", providerName), nil)
	}

	ref, err := parser.ParseCallback(body)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "invalid callback body", err)
	}

	job, err := k.datasource.GetJobByProviderRef(ctx, provider.Name(), ref)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	if err := k.queue.EnqueueReconcile(ctx, job.JobID); err != nil {
		return nil, err
	}
	return job, nil
}
