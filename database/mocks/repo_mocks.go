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
package mocks

import (
	"context"
	"time"

	"github.com/kilnhq/kiln/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Job methods

func (m *MockDataSource) CreateJob(ctx context.Context, job *model.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockDataSource) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	args := m.Called(ctx, id)
	job, _ := args.Get(0).(*model.Job)
	return job, args.Error(1)
}

func (m *MockDataSource) GetJobByProviderRef(ctx context.Context, provider, providerRef string) (*model.Job, error) {
	args := m.Called(ctx, provider, providerRef)
	job, _ := args.Get(0).(*model.Job)
	return job, args.Error(1)
}

func (m *MockDataSource) GetActiveJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Job, error) {
	args := m.Called(ctx, ownerID, key)
	job, _ := args.Get(0).(*model.Job)
	return job, args.Error(1)
}

func (m *MockDataSource) ListJobsByOwner(ctx context.Context, ownerID string, filter model.JobFilter) ([]model.Job, error) {
	args := m.Called(ctx, ownerID, filter)
	jobs, _ := args.Get(0).([]model.Job)
	return jobs, args.Error(1)
}

func (m *MockDataSource) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, update model.JobUpdate) (*model.Job, error) {
	args := m.Called(ctx, id, from, to, update)
	job, _ := args.Get(0).(*model.Job)
	return job, args.Error(1)
}

func (m *MockDataSource) MarkJobChecked(ctx context.Context, id string, status model.JobStatus, nextCheckAt time.Time) error {
	args := m.Called(ctx, id, status, nextCheckAt)
	return args.Error(0)
}

func (m *MockDataSource) IncrementAttempt(ctx context.Context, id string, expectedAttempt int, nextCheckAt time.Time) error {
	args := m.Called(ctx, id, expectedAttempt, nextCheckAt)
	return args.Error(0)
}

func (m *MockDataSource) SetCreditsSettled(ctx context.Context, id string, amount int64) (bool, error) {
	args := m.Called(ctx, id, amount)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetJobsDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	args := m.Called(ctx, now, limit)
	jobs, _ := args.Get(0).([]model.Job)
	return jobs, args.Error(1)
}

// Ledger methods

func (m *MockDataSource) GrantCredits(ctx context.Context, grant model.CreditGrant) (*model.CreditAccount, error) {
	args := m.Called(ctx, grant)
	account, _ := args.Get(0).(*model.CreditAccount)
	return account, args.Error(1)
}

func (m *MockDataSource) GetCreditAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	args := m.Called(ctx, ownerID)
	account, _ := args.Get(0).(*model.CreditAccount)
	return account, args.Error(1)
}

func (m *MockDataSource) ReserveCredits(ctx context.Context, ownerID string, amount int64) (*model.Reservation, error) {
	args := m.Called(ctx, ownerID, amount)
	reservation, _ := args.Get(0).(*model.Reservation)
	return reservation, args.Error(1)
}

func (m *MockDataSource) SettleReservation(ctx context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error) {
	args := m.Called(ctx, reservationID, outcome)
	reservation, _ := args.Get(0).(*model.Reservation)
	return reservation, args.Error(1)
}

func (m *MockDataSource) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	args := m.Called(ctx, reservationID)
	reservation, _ := args.Get(0).(*model.Reservation)
	return reservation, args.Error(1)
}

func (m *MockDataSource) GetLedgerEntries(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, ownerID, limit, offset)
	entries, _ := args.Get(0).([]model.LedgerEntry)
	return entries, args.Error(1)
}

// Pricing methods

func (m *MockDataSource) GetPricingRule(ctx context.Context, kind model.Kind, modelName string) (*model.PricingRule, error) {
	args := m.Called(ctx, kind, modelName)
	rule, _ := args.Get(0).(*model.PricingRule)
	return rule, args.Error(1)
}

func (m *MockDataSource) UpsertPricingRule(ctx context.Context, rule model.PricingRule) (*model.PricingRule, error) {
	args := m.Called(ctx, rule)
	saved, _ := args.Get(0).(*model.PricingRule)
	return saved, args.Error(1)
}

func (m *MockDataSource) GetAllPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	args := m.Called(ctx)
	rules, _ := args.Get(0).([]model.PricingRule)
	return rules, args.Error(1)
}
