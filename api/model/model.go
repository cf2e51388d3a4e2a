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

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kilnhq/kiln/model"
	"github.com/shopspring/decimal"
	"github.com/wacul/ptr"
)

type SubmitJob struct {
	OwnerID        string                 `json:"owner_id"`
	Kind           string                 `json:"kind"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type CreateGrant struct {
	OwnerID   string                 `json:"owner_id"`
	Amount    int64                  `json:"amount"`
	Reference string                 `json:"reference"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

type UpsertPricingRule struct {
	Kind          string `json:"kind"`
	Model         string `json:"model"`
	BaseCredits   int64  `json:"base_credits"`
	UnitCredits   string `json:"unit_credits"`
	UnitOption    string `json:"unit_option"`
	IsActive      *bool  `json:"is_active"`
	IsMaintenance bool   `json:"is_maintenance"`
}

// JobResponse is what callers see of a job. CreditsCost is the settled amount
// once the reservation is resolved and the reserved amount before that.
type JobResponse struct {
	JobID          string               `json:"job_id"`
	OwnerID        string               `json:"owner_id"`
	Kind           model.Kind           `json:"kind"`
	Status         model.JobStatus      `json:"status"`
	ResultRef      *string              `json:"result_ref,omitempty"`
	FailureReason  *model.FailureReason `json:"failure_reason,omitempty"`
	CreditsCost    int64                `json:"credits_cost"`
	CreditsSettled *int64               `json:"credits_settled,omitempty"`
	Attempt        int                  `json:"attempt"`
	ParentJobID    *string              `json:"parent_job_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type BalanceResponse struct {
	OwnerID   string    `json:"owner_id"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	Credited  int64     `json:"credited"`
	Debited   int64     `json:"debited"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validateKind(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := model.ParseKind(s)
	return err
}

func (s *SubmitJob) ValidateSubmitJob() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.OwnerID, validation.Required, validation.Length(1, 128)),
		validation.Field(&s.Kind, validation.Required, validation.By(validateKind)),
		validation.Field(&s.IdempotencyKey, validation.Length(0, 255)),
	)
}

// ParsedKind returns the normalized kind. Call it after ValidateSubmitJob.
func (s *SubmitJob) ParsedKind() model.Kind {
	kind, _ := model.ParseKind(s.Kind)
	return kind
}

func (g *CreateGrant) ValidateCreateGrant() error {
	return validation.ValidateStruct(g,
		validation.Field(&g.OwnerID, validation.Required, validation.Length(1, 128)),
		validation.Field(&g.Amount, validation.Required, validation.Min(int64(1))),
		validation.Field(&g.Reference, validation.Required, validation.Length(1, 255)),
	)
}

func (g *CreateGrant) ToCreditGrant() model.CreditGrant {
	return model.CreditGrant{
		OwnerID:   g.OwnerID,
		Amount:    g.Amount,
		Reference: g.Reference,
		MetaData:  g.MetaData,
	}
}

func (p *UpsertPricingRule) ValidateUpsertPricingRule() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Kind, validation.Required, validation.By(validateKind)),
		validation.Field(&p.BaseCredits, validation.Min(int64(0))),
		validation.Field(&p.UnitCredits, validation.By(func(value interface{}) error {
			s, _ := value.(string)
			if s == "" {
				return nil
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return errors.New("must be a decimal number")
			}
			if d.IsNegative() {
				return errors.New("must not be negative")
			}
			return nil
		})),
		validation.Field(&p.UnitOption, validation.When(p.UnitCredits != "", validation.Required)),
	)
}

// ToPricingRule builds the rule. Rules are active unless is_active is false.
func (p *UpsertPricingRule) ToPricingRule() (model.PricingRule, error) {
	kind, err := model.ParseKind(p.Kind)
	if err != nil {
		return model.PricingRule{}, err
	}
	unit := decimal.Zero
	if p.UnitCredits != "" {
		unit, err = decimal.NewFromString(p.UnitCredits)
		if err != nil {
			return model.PricingRule{}, fmt.Errorf("unit_credits: %w", err)
		}
	}
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return model.PricingRule{
		Kind:          kind,
		Model:         strings.TrimSpace(p.Model),
		BaseCredits:   p.BaseCredits,
		UnitCredits:   unit,
		UnitOption:    p.UnitOption,
		IsActive:      active,
		IsMaintenance: p.IsMaintenance,
	}, nil
}

func NewJobResponse(job *model.Job) JobResponse {
	resp := JobResponse{
		JobID:          job.JobID,
		OwnerID:        job.OwnerID,
		Kind:           job.Kind,
		Status:         job.Status,
		FailureReason:  job.FailureReason,
		CreditsCost:    job.CreditsReserved,
		CreditsSettled: job.CreditsSettled,
		Attempt:        job.Attempt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.CreditsSettled != nil {
		resp.CreditsCost = *job.CreditsSettled
	}
	if job.ResultRef != "" {
		resp.ResultRef = ptr.String(job.ResultRef)
	}
	if job.ParentJobID != "" {
		resp.ParentJobID = ptr.String(job.ParentJobID)
	}
	return resp
}

func NewJobResponses(jobs []model.Job) []JobResponse {
	resp := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, NewJobResponse(&jobs[i]))
	}
	return resp
}

func NewBalanceResponse(account *model.CreditAccount) BalanceResponse {
	return BalanceResponse{
		OwnerID:   account.OwnerID,
		Available: account.Available(),
		Held:      account.Held,
		Credited:  account.Credited,
		Debited:   account.Debited,
		UpdatedAt: account.UpdatedAt,
	}
}
