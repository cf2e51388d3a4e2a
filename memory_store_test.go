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
	"sort"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
)

// memoryStore is an in-memory datasource with the same compare-and-set and
// ledger semantics as the Postgres store.
type memoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	jobs         map[string]*model.Job
	accounts     map[string]*model.CreditAccount
	reservations map[string]*model.Reservation
	entries      []model.LedgerEntry
	grants       map[string]string
	rules        map[string]model.PricingRule
	transitions  map[string][]model.JobStatus
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		now:          now,
		jobs:         make(map[string]*model.Job),
		accounts:     make(map[string]*model.CreditAccount),
		reservations: make(map[string]*model.Reservation),
		grants:       make(map[string]string),
		rules:        make(map[string]model.PricingRule),
		transitions:  make(map[string][]model.JobStatus),
	}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.CreditsSettled != nil {
		v := *j.CreditsSettled
		c.CreditsSettled = &v
	}
	if j.FailureReason != nil {
		r := *j.FailureReason
		c.FailureReason = &r
	}
	if j.LastCheckedAt != nil {
		t := *j.LastCheckedAt
		c.LastCheckedAt = &t
	}
	return &c
}

func (s *memoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Job with this ID already exists", nil)
	}
	for _, existing := range s.jobs {
		if existing.OwnerID == job.OwnerID && existing.IdempotencyKey == job.IdempotencyKey && !existing.Status.IsTerminal() {
			return model.ErrDuplicateIdempotencyKey
		}
	}
	s.jobs[job.JobID] = cloneJob(job)
	s.transitions[job.JobID] = []model.JobStatus{job.Status}
	return nil
}

func (s *memoryStore) GetJobByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("job with ID '%s' not found", id), nil)
	}
	return cloneJob(job), nil
}

func (s *memoryStore) GetJobByProviderRef(_ context.Context, provider, ref string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Provider == provider && job.ProviderRef == ref {
			return cloneJob(job), nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "job not found", nil)
}

func (s *memoryStore) GetActiveJobByIdempotencyKey(_ context.Context, ownerID, key string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.IdempotencyKey == key && !job.Status.IsTerminal() {
			return cloneJob(job), nil
		}
	}
	return nil, nil
}

func (s *memoryStore) ListJobsByOwner(_ context.Context, ownerID string, filter model.JobFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, job.Status) {
			continue
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, job.Kind) {
			continue
		}
		out = append(out, *cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset >= len(out) {
		return []model.Job{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryStore) TransitionJob(_ context.Context, id string, from, to model.JobStatus, update model.JobUpdate) (*model.Job, error) {
	if !from.CanTransition(to) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("job cannot move from %s to %s", from, to), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return nil, model.ErrStaleTransition
	}
	now := s.now().UTC()
	job.Status = to
	if update.ProviderRef != "" {
		job.ProviderRef = update.ProviderRef
	}
	if update.ResultRef != "" {
		job.ResultRef = update.ResultRef
	}
	if update.FailureReason != nil {
		r := *update.FailureReason
		job.FailureReason = &r
	}
	job.NextCheckAt = update.NextCheckAt
	job.UpdatedAt = now
	job.LastCheckedAt = &now
	s.transitions[id] = append(s.transitions[id], to)
	return cloneJob(job), nil
}

func (s *memoryStore) MarkJobChecked(_ context.Context, id string, status model.JobStatus, nextCheckAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != status {
		return model.ErrStaleTransition
	}
	now := s.now().UTC()
	job.NextCheckAt = nextCheckAt
	job.LastCheckedAt = &now
	return nil
}

func (s *memoryStore) IncrementAttempt(_ context.Context, id string, expectedAttempt int, nextCheckAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != model.StatusReserved || job.Attempt != expectedAttempt {
		return model.ErrStaleTransition
	}
	now := s.now().UTC()
	job.Attempt++
	job.NextCheckAt = nextCheckAt
	job.LastCheckedAt = &now
	return nil
}

func (s *memoryStore) SetCreditsSettled(_ context.Context, id string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.CreditsSettled != nil || !job.Status.IsTerminal() {
		return false, nil
	}
	job.CreditsSettled = &amount
	job.NextCheckAt = time.Time{}
	return true, nil
}

func (s *memoryStore) GetJobsDueForReconciliation(_ context.Context, now time.Time, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Job
	for _, job := range s.jobs {
		if !job.NextCheckAt.IsZero() && !job.NextCheckAt.After(now) {
			due = append(due, *cloneJob(job))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextCheckAt.Before(due[j].NextCheckAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryStore) account(ownerID string) *model.CreditAccount {
	acc, ok := s.accounts[ownerID]
	if !ok {
		acc = &model.CreditAccount{OwnerID: ownerID, CreatedAt: s.now()}
		s.accounts[ownerID] = acc
	}
	return acc
}

func (s *memoryStore) appendEntry(ownerID, reservationID string, entryType model.EntryType, amount int64, reference string) {
	s.entries = append(s.entries, model.LedgerEntry{
		EntryID:        model.GenerateUUIDWithSuffix("ent"),
		OwnerID:        ownerID,
		ReservationID:  reservationID,
		EntryType:      entryType,
		Amount:         amount,
		AvailableAfter: s.account(ownerID).Available(),
		Reference:      reference,
		CreatedAt:      s.now(),
	})
}

func (s *memoryStore) GrantCredits(_ context.Context, grant model.CreditGrant) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if grant.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "grant amount must be positive", nil)
	}
	if owner, ok := s.grants[grant.Reference]; ok && owner != grant.OwnerID {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "grant reference belongs to another owner", nil)
	}
	acc := s.account(grant.OwnerID)
	if _, ok := s.grants[grant.Reference]; !ok {
		s.grants[grant.Reference] = grant.OwnerID
		acc.Credited += grant.Amount
		acc.Version++
		s.appendEntry(grant.OwnerID, "", model.EntryGrant, grant.Amount, grant.Reference)
	}
	c := *acc
	return &c, nil
}

func (s *memoryStore) GetCreditAccount(_ context.Context, ownerID string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ownerID]
	if !ok {
		return &model.CreditAccount{OwnerID: ownerID}, nil
	}
	c := *acc
	return &c, nil
}

func (s *memoryStore) ReserveCredits(_ context.Context, ownerID string, amount int64) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ownerID]
	if !ok || acc.Available() < amount {
		return nil, model.ErrInsufficientCredits
	}
	acc.Held += amount
	acc.Version++
	r := &model.Reservation{
		ReservationID: model.GenerateUUIDWithSuffix("rsv"),
		OwnerID:       ownerID,
		Amount:        amount,
		Status:        model.ReservationHeld,
		CreatedAt:     s.now(),
	}
	s.reservations[r.ReservationID] = r
	s.appendEntry(ownerID, r.ReservationID, model.EntryReserve, amount, "")
	c := *r
	return &c, nil
}

func (s *memoryStore) SettleReservation(_ context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "reservation not found", model.ErrReservationNotFound)
	}
	if settled, done := r.Status.SettledBy(); done {
		if settled == outcome {
			c := *r
			return &c, nil
		}
		return nil, fmt.Errorf("%w: reservation %s already %s", model.ErrInvariantViolation, reservationID, r.Status)
	}

	acc := s.account(r.OwnerID)
	acc.Held -= r.Amount
	entryType := model.EntryRelease
	r.Status = model.ReservationReleased
	if outcome == model.OutcomeSuccess {
		acc.Debited += r.Amount
		entryType = model.EntryCapture
		r.Status = model.ReservationCaptured
	}
	acc.Version++
	now := s.now()
	r.SettledAt = &now
	s.appendEntry(r.OwnerID, reservationID, entryType, r.Amount, "")
	c := *r
	return &c, nil
}

func (s *memoryStore) GetReservation(_ context.Context, reservationID string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "reservation not found", model.ErrReservationNotFound)
	}
	c := *r
	return &c, nil
}

func (s *memoryStore) GetLedgerEntries(_ context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].OwnerID == ownerID {
			out = append(out, s.entries[i])
		}
	}
	if offset >= len(out) {
		return []model.LedgerEntry{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func ruleKey(kind model.Kind, modelName string) string {
	return string(kind) + "/" + modelName
}

func (s *memoryStore) GetPricingRule(_ context.Context, kind model.Kind, modelName string) (*model.PricingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[ruleKey(kind, modelName)]; ok {
		return &r, nil
	}
	if r, ok := s.rules[ruleKey(kind, "")]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *memoryStore) UpsertPricingRule(_ context.Context, rule model.PricingRule) (*model.PricingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.UpdatedAt = s.now()
	s.rules[ruleKey(rule.Kind, rule.Model)] = rule
	return &rule, nil
}

func (s *memoryStore) GetAllPricingRules(_ context.Context) ([]model.PricingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PricingRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return ruleKey(out[i].Kind, out[i].Model) < ruleKey(out[j].Kind, out[j].Model) })
	return out, nil
}

// terminalTransitions counts how many terminal statuses a job has entered.
func (s *memoryStore) terminalTransitions(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.transitions[id] {
		if st.IsTerminal() {
			n++
		}
	}
	return n
}

func containsStatus(list []model.JobStatus, s model.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(list []model.Kind, k model.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
