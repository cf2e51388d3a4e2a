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
	"time"

	"github.com/kilnhq/kiln/model"
)

// IDataSource is the durable store behind the orchestrator.
type IDataSource interface {
	job
	ledger
	pricing
}

type job interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	GetJobByProviderRef(ctx context.Context, provider, providerRef string) (*model.Job, error)
	GetActiveJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string, filter model.JobFilter) ([]model.Job, error)
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus, update model.JobUpdate) (*model.Job, error)
	MarkJobChecked(ctx context.Context, id string, status model.JobStatus, nextCheckAt time.Time) error
	IncrementAttempt(ctx context.Context, id string, expectedAttempt int, nextCheckAt time.Time) error
	SetCreditsSettled(ctx context.Context, id string, amount int64) (bool, error)
	GetJobsDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
}

type ledger interface {
	GrantCredits(ctx context.Context, grant model.CreditGrant) (*model.CreditAccount, error)
	GetCreditAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error)
	ReserveCredits(ctx context.Context, ownerID string, amount int64) (*model.Reservation, error)
	SettleReservation(ctx context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error)
	GetLedgerEntries(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error)
}

type pricing interface {
	GetPricingRule(ctx context.Context, kind model.Kind, modelName string) (*model.PricingRule, error)
	UpsertPricingRule(ctx context.Context, rule model.PricingRule) (*model.PricingRule, error)
	GetAllPricingRules(ctx context.Context) ([]model.PricingRule, error)
}
