package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a generation job. It only moves forward:
// reserved -> submitted -> processing -> completed | failed | expired.
type JobStatus string

const (
	StatusReserved   JobStatus = "reserved"
	StatusSubmitted  JobStatus = "submitted"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
)

var NonTerminalStatuses = []JobStatus{StatusReserved, StatusSubmitted, StatusProcessing}

var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusExpired}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

func (s JobStatus) IsValid() bool {
	switch s {
	case StatusReserved, StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses so that transitions can be checked for monotonicity.
func (s JobStatus) rank() int {
	switch s {
	case StatusReserved:
		return 0
	case StatusSubmitted:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusExpired:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
// Terminal statuses never move again.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() || !next.IsValid() || !s.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

// FailureCode is the stable reason code stored on failed and expired jobs.
type FailureCode string

const (
	FailureProviderRejected    FailureCode = "PROVIDER_REJECTED"
	FailureProviderUnavailable FailureCode = "PROVIDER_UNAVAILABLE"
	FailureProviderFailed      FailureCode = "PROVIDER_FAILED"
	FailureSubmissionTimeout   FailureCode = "SUBMISSION_TIMEOUT"
	FailureTimeout             FailureCode = "TIMEOUT"
	FailureCancelled           FailureCode = "CANCELLED"
)

// IsRetryable reports whether a user may retry a job that failed with this code.
func (c FailureCode) IsRetryable() bool {
	switch c {
	case FailureProviderUnavailable, FailureSubmissionTimeout, FailureProviderFailed:
		return true
	}
	return false
}

// FailureReason is the user-visible failure: a stable code plus a short message.
type FailureReason struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// Job is one asynchronous content-generation request and its tracked outcome.
type Job struct {
	JobID           string                 `json:"job_id"`
	OwnerID         string                 `json:"owner_id"`
	Kind            Kind                   `json:"kind"`
	Provider        string                 `json:"provider"`
	Payload         map[string]interface{} `json:"payload"`
	ProviderRef     string                 `json:"provider_ref,omitempty"`
	Status          JobStatus              `json:"status"`
	CreditsReserved int64                  `json:"credits_reserved"`
	CreditsSettled  *int64                 `json:"credits_settled,omitempty"`
	ReservationID   string                 `json:"reservation_id"`
	ResultRef       string                 `json:"result_ref,omitempty"`
	FailureReason   *FailureReason         `json:"failure_reason,omitempty"`
	Attempt         int                    `json:"attempt"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	ParentJobID     string                 `json:"parent_job_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	NextCheckAt     time.Time              `json:"-"`
	LastCheckedAt   *time.Time             `json:"-"`
}

// IsSettled reports whether the reservation behind the job has been resolved.
func (j *Job) IsSettled() bool {
	return j.CreditsSettled != nil
}

// Model returns the provider model named in the payload, if any.
func (j *Job) Model() string {
	return PayloadModel(j.Payload)
}

func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// JobUpdate carries the optional fields written alongside a status transition.
// Empty values leave the stored column untouched.
type JobUpdate struct {
	ProviderRef   string
	ResultRef     string
	FailureReason *FailureReason
	NextCheckAt   time.Time
}

// JobFilter narrows ListJobsByOwner.
type JobFilter struct {
	Statuses []JobStatus
	Kinds    []Kind
	Limit    int
	Offset   int
}

// JobNotification is the payload handed to the notification collaborator
// once per terminal transition.
type JobNotification struct {
	JobID         string         `json:"job_id"`
	OwnerID       string         `json:"owner_id"`
	Kind          Kind           `json:"kind"`
	Status        JobStatus      `json:"status"`
	ResultRef     string         `json:"result_ref,omitempty"`
	FailureReason *FailureReason `json:"failure_reason,omitempty"`
}

// Notification builds the terminal notification for j.
func (j *Job) Notification() JobNotification {
	return JobNotification{
		JobID:         j.JobID,
		OwnerID:       j.OwnerID,
		Kind:          j.Kind,
		Status:        j.Status,
		ResultRef:     j.ResultRef,
		FailureReason: j.FailureReason,
	}
}

// PayloadModel extracts the "model" option of a payload.
func PayloadModel(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if m, ok := payload["model"].(string); ok {
		return m
	}
	return ""
}
