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
	"testing"
	"time"

	"github.com/kilnhq/kiln/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func TestSubmitJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitJob
		wantErr string
	}{
		{
			name: "Valid",
			req:  SubmitJob{OwnerID: "owner_1", Kind: "image", Payload: map[string]interface{}{"prompt": "a kiln"}},
		},
		{
			name: "Kind is normalized",
			req:  SubmitJob{OwnerID: "owner_1", Kind: " Video "},
		},
		{
			name:    "Missing owner",
			req:     SubmitJob{Kind: "image"},
			wantErr: "owner_id",
		},
		{
			name:    "Misspelled kind suggests the closest",
			req:     SubmitJob{OwnerID: "owner_1", Kind: "imgae"},
			wantErr: `did you mean "image"`,
		},
		{
			name:    "Missing kind",
			req:     SubmitJob{OwnerID: "owner_1"},
			wantErr: "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidateSubmitJob()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	req := SubmitJob{OwnerID: "owner_1", Kind: " Video "}
	assert.Equal(t, model.KindVideo, req.ParsedKind())
}

func TestCreateGrant_Validate(t *testing.T) {
	assert.NoError(t, (&CreateGrant{OwnerID: "owner_1", Amount: 100, Reference: "order_1"}).ValidateCreateGrant())
	assert.Error(t, (&CreateGrant{OwnerID: "owner_1", Amount: 0, Reference: "order_1"}).ValidateCreateGrant())
	assert.Error(t, (&CreateGrant{OwnerID: "owner_1", Amount: -5, Reference: "order_1"}).ValidateCreateGrant())
	assert.Error(t, (&CreateGrant{OwnerID: "owner_1", Amount: 10}).ValidateCreateGrant())
}

func TestUpsertPricingRule(t *testing.T) {
	req := UpsertPricingRule{Kind: "video", Model: " veo ", BaseCredits: 5, UnitCredits: "1.5", UnitOption: "duration"}
	require.NoError(t, req.ValidateUpsertPricingRule())

	rule, err := req.ToPricingRule()
	require.NoError(t, err)
	assert.Equal(t, model.KindVideo, rule.Kind)
	assert.Equal(t, "veo", rule.Model)
	assert.True(t, rule.IsActive)
	assert.True(t, decimal.RequireFromString("1.5").Equal(rule.UnitCredits))

	req.IsActive = ptr.Bool(false)
	rule, err = req.ToPricingRule()
	require.NoError(t, err)
	assert.False(t, rule.IsActive)

	assert.Error(t, (&UpsertPricingRule{Kind: "video", UnitCredits: "abc", UnitOption: "duration"}).ValidateUpsertPricingRule())
	assert.Error(t, (&UpsertPricingRule{Kind: "video", UnitCredits: "-1", UnitOption: "duration"}).ValidateUpsertPricingRule())
	assert.Error(t, (&UpsertPricingRule{Kind: "video", UnitCredits: "2"}).ValidateUpsertPricingRule())
	assert.Error(t, (&UpsertPricingRule{Kind: "video", BaseCredits: -1}).ValidateUpsertPricingRule())
}

func TestNewJobResponse(t *testing.T) {
	now := time.Now().UTC()
	running := &model.Job{JobID: "job_1", Status: model.StatusProcessing, CreditsReserved: 20, CreatedAt: now, UpdatedAt: now}
	resp := NewJobResponse(running)
	assert.Equal(t, int64(20), resp.CreditsCost)
	assert.Nil(t, resp.ResultRef)
	assert.Nil(t, resp.CreditsSettled)

	failed := &model.Job{
		JobID:           "job_2",
		Status:          model.StatusFailed,
		CreditsReserved: 20,
		CreditsSettled:  ptr.Int64(0),
		FailureReason:   &model.FailureReason{Code: model.FailureProviderFailed, Message: "boom"},
		ParentJobID:     "job_1",
	}
	resp = NewJobResponse(failed)
	assert.Equal(t, int64(0), resp.CreditsCost)
	assert.Equal(t, model.FailureProviderFailed, resp.FailureReason.Code)
	assert.Equal(t, "job_1", *resp.ParentJobID)

	done := &model.Job{JobID: "job_3", Status: model.StatusCompleted, CreditsReserved: 20, CreditsSettled: ptr.Int64(20), ResultRef: "s3://out.png"}
	resp = NewJobResponse(done)
	assert.Equal(t, int64(20), resp.CreditsCost)
	assert.Equal(t, "s3://out.png", *resp.ResultRef)
}
