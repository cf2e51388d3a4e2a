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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
	"github.com/lib/pq"
)

const jobColumns = `job_id, owner_id, kind, provider, payload, provider_ref, status, credits_reserved, credits_settled,
	reservation_id, result_ref, failure_code, failure_message, attempt, idempotency_key, parent_job_id,
	created_at, updated_at, next_check_at, last_checked_at`

const activeIdempotencyIndex = "jobs_active_idempotency_idx"

func scanJob(row interface{ Scan(...interface{}) error }) (*model.Job, error) {
	job := &model.Job{}
	var (
		payloadJSON                                          []byte
		providerRef, resultRef, failureCode, failureMessage sql.NullString
		parentJobID                                          sql.NullString
		creditsSettled                                       sql.NullInt64
		nextCheckAt, lastCheckedAt                           sql.NullTime
	)

	err := row.Scan(
		&job.JobID, &job.OwnerID, &job.Kind, &job.Provider, &payloadJSON, &providerRef, &job.Status,
		&job.CreditsReserved, &creditsSettled, &job.ReservationID, &resultRef, &failureCode, &failureMessage,
		&job.Attempt, &job.IdempotencyKey, &parentJobID, &job.CreatedAt, &job.UpdatedAt, &nextCheckAt, &lastCheckedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal payload", err)
		}
	}
	job.ProviderRef = providerRef.String
	job.ResultRef = resultRef.String
	job.ParentJobID = parentJobID.String
	if creditsSettled.Valid {
		settled := creditsSettled.Int64
		job.CreditsSettled = &settled
	}
	if failureCode.Valid {
		job.FailureReason = &model.FailureReason{Code: model.FailureCode(failureCode.String), Message: failureMessage.String}
	}
	if nextCheckAt.Valid {
		job.NextCheckAt = nextCheckAt.Time
	}
	if lastCheckedAt.Valid {
		checked := lastCheckedAt.Time
		job.LastCheckedAt = &checked
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job data", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over jobs", err)
	}
	return jobs, nil
}

// CreateJob persists a freshly reserved job. It returns model.ErrDuplicateIdempotencyKey
// when the owner already has a non-terminal job with the same idempotency key.
func (d Datasource) CreateJob(ctx context.Context, job *model.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	var nextCheckAt interface{}
	if !job.NextCheckAt.IsZero() {
		nextCheckAt = job.NextCheckAt
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO kiln.jobs (job_id, owner_id, kind, provider, payload, status, credits_reserved, reservation_id,
			attempt, idempotency_key, parent_job_id, created_at, updated_at, next_check_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.JobID, job.OwnerID, job.Kind, job.Provider, payloadJSON, job.Status, job.CreditsReserved, job.ReservationID,
		job.Attempt, job.IdempotencyKey, nullString(job.ParentJobID), job.CreatedAt, job.UpdatedAt, nextCheckAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			if pqErr.Constraint == activeIdempotencyIndex {
				return model.ErrDuplicateIdempotencyKey
			}
			return apierror.NewAPIError(apierror.ErrConflict, "Job with this ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create job", err)
	}
	return nil
}

func (d Datasource) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(d.Conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM kiln.jobs WHERE job_id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("job with ID '%s' not found", id), err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", err)
	}
	return job, nil
}

func (d Datasource) GetJobByProviderRef(ctx context.Context, provider, providerRef string) (*model.Job, error) {
	job, err := scanJob(d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM kiln.jobs WHERE provider = $1 AND provider_ref = $2
	`, provider, providerRef))
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no job found for %s task '%s'", provider, providerRef), err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", err)
	}
	return job, nil
}

// GetActiveJobByIdempotencyKey returns the owner's non-terminal job for key, or nil when there is none.
func (d Datasource) GetActiveJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Job, error) {
	job, err := scanJob(d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM kiln.jobs
		WHERE owner_id = $1 AND idempotency_key = $2 AND status = ANY($3)
		LIMIT 1
	`, ownerID, key, pq.Array(statusStrings(model.NonTerminalStatuses))))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", err)
	}
	return job, nil
}

// ListJobsByOwner lists an owner's jobs, newest first.
func (d Datasource) ListJobsByOwner(ctx context.Context, ownerID string, filter model.JobFilter) ([]model.Job, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + jobColumns + ` FROM kiln.jobs WHERE owner_id = $1`)
	args := []interface{}{ownerID}

	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		query.WriteString(fmt.Sprintf(" AND status = ANY($%d)", len(args)))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, pq.Array(kinds))
		query.WriteString(fmt.Sprintf(" AND kind = ANY($%d)", len(args)))
	}

	args = append(args, filter.Limit, filter.Offset)
	query.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	rows, err := d.Conn.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve jobs", err)
	}
	return scanJobs(rows)
}

// TransitionJob moves a job from one status to the next, but only if it is
// still in from. A job that has already moved yields model.ErrStaleTransition.
// updated_at changes here and nowhere else.
func (d Datasource) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, update model.JobUpdate) (*model.Job, error) {
	if !from.CanTransition(to) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("job cannot move from %s to %s", from, to), nil)
	}

	var failureCode, failureMessage sql.NullString
	if update.FailureReason != nil {
		failureCode = nullString(string(update.FailureReason.Code))
		failureMessage = sql.NullString{String: update.FailureReason.Message, Valid: true}
	}
	var nextCheckAt interface{}
	if !update.NextCheckAt.IsZero() {
		nextCheckAt = update.NextCheckAt
	}

	now := time.Now().UTC()
	job, err := scanJob(d.Conn.QueryRowContext(ctx, `
		UPDATE kiln.jobs
		SET status = $3,
			provider_ref = COALESCE($4, provider_ref),
			result_ref = COALESCE($5, result_ref),
			failure_code = COALESCE($6, failure_code),
			failure_message = COALESCE($7, failure_message),
			next_check_at = $8,
			updated_at = $9,
			last_checked_at = $9
		WHERE job_id = $1 AND status = $2
		RETURNING `+jobColumns,
		id, from, to, nullString(update.ProviderRef), nullString(update.ResultRef), failureCode, failureMessage, nextCheckAt, now))
	if err == sql.ErrNoRows {
		return nil, model.ErrStaleTransition
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "provider reference already belongs to another job", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition job", err)
	}
	return job, nil
}

// MarkJobChecked records a reconciliation pass that did not change the status.
func (d Datasource) MarkJobChecked(ctx context.Context, id string, status model.JobStatus, nextCheckAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE kiln.jobs SET next_check_at = $3, last_checked_at = $4
		WHERE job_id = $1 AND status = $2
	`, id, status, nextCheckAt, time.Now().UTC())
	return staleIfUnchanged(result, err, "Failed to mark job checked")
}

// IncrementAttempt records another submission attempt for a job still waiting in reserved.
func (d Datasource) IncrementAttempt(ctx context.Context, id string, expectedAttempt int, nextCheckAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE kiln.jobs SET attempt = attempt + 1, next_check_at = $3, last_checked_at = $4
		WHERE job_id = $1 AND status = 'reserved' AND attempt = $2
	`, id, expectedAttempt, nextCheckAt, time.Now().UTC())
	return staleIfUnchanged(result, err, "Failed to record submission attempt")
}

// SetCreditsSettled stamps the settled amount on a terminal job exactly once.
// It reports false when the job was already stamped.
func (d Datasource) SetCreditsSettled(ctx context.Context, id string, amount int64) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE kiln.jobs SET credits_settled = $2, next_check_at = NULL
		WHERE job_id = $1 AND credits_settled IS NULL AND status = ANY($3)
	`, id, amount, pq.Array(statusStrings(model.TerminalStatuses)))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record settlement", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record settlement", err)
	}
	return affected > 0, nil
}

// GetJobsDueForReconciliation returns jobs whose next check is due. Settled
// terminal jobs carry no next check and never come back.
func (d Datasource) GetJobsDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM kiln.jobs
		WHERE next_check_at IS NOT NULL AND next_check_at <= $1
		ORDER BY next_check_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve due jobs", err)
	}
	return scanJobs(rows)
}

func staleIfUnchanged(result sql.Result, err error, message string) error {
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
	}
	if affected == 0 {
		return model.ErrStaleTransition
	}
	return nil
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
