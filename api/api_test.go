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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/api/middleware"
	model2 "github.com/kilnhq/kiln/api/model"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/database/mocks"
	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type TestRequest struct {
	Payload  interface{}
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(t *testing.T, s TestRequest) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if s.Payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(s.Payload))
	}
	req := httptest.NewRequest(s.Method, s.Route, &body)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(s.Response), resp.Body.String())
	}
	return resp
}

type apiHarness struct {
	kiln     *kiln.Kiln
	router   *gin.Engine
	ds       *mocks.MockDataSource
	provider *gateway.MockProvider
	redis    *miniredis.Miniredis
}

func setupRouter(t *testing.T, server config.ServerConfig) *apiHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		ProjectName: "kiln-api-test",
		Server:      server,
		Redis:       config.RedisConfig{Dns: mr.Addr()},
		Pricing:     config.PricingConfig{Defaults: map[string]int64{"image": 10, "video": 20}},
	})

	ds := &mocks.MockDataSource{}
	provider := gateway.NewMockProvider("mock")
	registry := gateway.NewRegistry()
	registry.Register(provider, model.Kinds...)

	k, err := kiln.NewKiln(ds, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	a := NewAPI(k)
	require.NotNil(t, a)
	gin.SetMode(gin.TestMode)
	return &apiHarness{kiln: k, router: a.Router(), ds: ds, provider: provider, redis: mr}
}

func sampleJob(status model.JobStatus) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		JobID:           model.GenerateUUIDWithSuffix("job"),
		OwnerID:         gofakeit.UUID(),
		Kind:            model.KindImage,
		Provider:        "mock",
		Payload:         map[string]interface{}{"prompt": gofakeit.Sentence(5)},
		Status:          status,
		CreditsReserved: 10,
		ReservationID:   model.GenerateUUIDWithSuffix("res"),
		Attempt:         0,
		IdempotencyKey:  gofakeit.UUID(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSubmitJob(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	ownerID := gofakeit.UUID()

	h.ds.On("GetActiveJobByIdempotencyKey", mock.Anything, ownerID, "order-42").Return(nil, nil).Once()
	h.ds.On("GetPricingRule", mock.Anything, model.KindImage, "").Return(nil, nil).Once()
	h.ds.On("ReserveCredits", mock.Anything, ownerID, int64(10)).
		Return(&model.Reservation{ReservationID: "res_1", OwnerID: ownerID, Amount: 10, Status: model.ReservationHeld}, nil).Once()
	h.ds.On("CreateJob", mock.Anything, mock.MatchedBy(func(job *model.Job) bool {
		return job.OwnerID == ownerID && job.Status == model.StatusReserved && job.CreditsReserved == 10
	})).Return(nil).Once()
	h.ds.On("TransitionJob", mock.Anything, mock.Anything, model.StatusReserved, model.StatusSubmitted, mock.Anything).
		Return(func() *model.Job {
			job := sampleJob(model.StatusSubmitted)
			job.OwnerID = ownerID
			job.ProviderRef = "mock_ref"
			return job
		}(), nil).Once()

	var response model2.JobResponse
	resp := SetUpTestRequest(t, TestRequest{
		Payload: model2.SubmitJob{
			OwnerID:        ownerID,
			Kind:           "Image",
			Payload:        map[string]interface{}{"prompt": "a lighthouse at dusk"},
			IdempotencyKey: "order-42",
		},
		Router:   h.router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/jobs",
	})

	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, model.StatusSubmitted, response.Status)
	assert.Equal(t, int64(10), response.CreditsCost)
	assert.Equal(t, 1, h.provider.Submissions())
	h.ds.AssertExpectations(t)
}

func TestSubmitJob_Errors(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})

	t.Run("Invalid body", func(t *testing.T) {
		var response map[string]interface{}
		resp := SetUpTestRequest(t, TestRequest{
			Payload:  model2.SubmitJob{Kind: "image"},
			Router:   h.router,
			Response: &response,
			Method:   http.MethodPost,
			Route:    "/jobs",
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Contains(t, response["errors"], "owner_id")
	})

	t.Run("Unknown kind", func(t *testing.T) {
		var response map[string]interface{}
		resp := SetUpTestRequest(t, TestRequest{
			Payload:  model2.SubmitJob{OwnerID: "owner_1", Kind: "vidoe"},
			Router:   h.router,
			Response: &response,
			Method:   http.MethodPost,
			Route:    "/jobs",
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Contains(t, response["errors"], `did you mean "video"`)
	})

	t.Run("Insufficient credits", func(t *testing.T) {
		h.ds.On("GetActiveJobByIdempotencyKey", mock.Anything, "poor_owner", "k1").Return(nil, nil).Once()
		h.ds.On("GetPricingRule", mock.Anything, model.KindVideo, "").Return(nil, nil).Once()
		h.ds.On("ReserveCredits", mock.Anything, "poor_owner", int64(20)).
			Return(nil, apierror.NewAPIError(apierror.ErrInsufficientCredits, "insufficient credits: 20 needed, 5 available", model.ErrInsufficientCredits)).Once()

		var response map[string]interface{}
		resp := SetUpTestRequest(t, TestRequest{
			Payload:  model2.SubmitJob{OwnerID: "poor_owner", Kind: "video", IdempotencyKey: "k1"},
			Router:   h.router,
			Response: &response,
			Method:   http.MethodPost,
			Route:    "/jobs",
		})
		assert.Equal(t, http.StatusPaymentRequired, resp.Code)
		assert.Equal(t, string(apierror.ErrInsufficientCredits), response["code"])
	})

	t.Run("Kind under maintenance", func(t *testing.T) {
		h.ds.On("GetActiveJobByIdempotencyKey", mock.Anything, "owner_2", "k2").Return(nil, nil).Once()
		h.ds.On("GetPricingRule", mock.Anything, model.KindImage, "").
			Return(&model.PricingRule{Kind: model.KindImage, BaseCredits: 5, IsActive: true, IsMaintenance: true}, nil).Once()

		resp := SetUpTestRequest(t, TestRequest{
			Payload: model2.SubmitJob{OwnerID: "owner_2", Kind: "image", IdempotencyKey: "k2"},
			Router:  h.router,
			Method:  http.MethodPost,
			Route:   "/jobs",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	h.ds.AssertExpectations(t)
}

func TestGetJob(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	job := sampleJob(model.StatusCompleted)
	job.ResultRef = "s3://kiln/out.png"
	job.CreditsSettled = &job.CreditsReserved

	h.ds.On("GetJobByID", mock.Anything, job.JobID).Return(job, nil).Once()
	h.ds.On("GetJobByID", mock.Anything, "job_missing").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "job with ID 'job_missing' not found", nil)).Once()

	for i := 0; i < 2; i++ {
		var response model2.JobResponse
		resp := SetUpTestRequest(t, TestRequest{
			Router:   h.router,
			Response: &response,
			Method:   http.MethodGet,
			Route:    "/jobs/" + job.JobID,
		})
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, model.StatusCompleted, response.Status)
		require.NotNil(t, response.ResultRef)
		assert.Equal(t, "s3://kiln/out.png", *response.ResultRef)
	}

	resp := SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodGet,
		Route:  "/jobs/job_missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// The settled snapshot is served from the cache on the second read.
	h.ds.AssertExpectations(t)
}

func TestRetryAndCancelConflicts(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})

	completed := sampleJob(model.StatusCompleted)
	h.ds.On("GetJobByID", mock.Anything, completed.JobID).Return(completed, nil)

	processing := sampleJob(model.StatusProcessing)
	h.ds.On("GetJobByID", mock.Anything, processing.JobID).Return(processing, nil)

	resp := SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodPost,
		Route:  fmt.Sprintf("/jobs/%s/retry", completed.JobID),
	})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodPost,
		Route:  fmt.Sprintf("/jobs/%s/cancel", processing.JobID),
	})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestCancelSubmittedJob(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	job := sampleJob(model.StatusSubmitted)
	job.ProviderRef = "mock_unknown"

	cancelled := *job
	cancelled.Status = model.StatusFailed
	cancelled.FailureReason = &model.FailureReason{Code: model.FailureCancelled, Message: "cancelled by the owner"}

	h.ds.On("GetJobByID", mock.Anything, job.JobID).Return(job, nil).Once()
	h.ds.On("TransitionJob", mock.Anything, job.JobID, model.StatusSubmitted, model.StatusFailed, mock.Anything).Return(&cancelled, nil).Once()
	h.ds.On("GetReservation", mock.Anything, job.ReservationID).
		Return(&model.Reservation{ReservationID: job.ReservationID, Status: model.ReservationHeld}, nil).Once()
	h.ds.On("SettleReservation", mock.Anything, job.ReservationID, model.OutcomeRefund).
		Return(&model.Reservation{ReservationID: job.ReservationID, Status: model.ReservationReleased}, nil).Once()
	h.ds.On("SetCreditsSettled", mock.Anything, job.JobID, int64(0)).Return(true, nil).Once()

	var response model2.JobResponse
	resp := SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    fmt.Sprintf("/jobs/%s/cancel", job.JobID),
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.StatusFailed, response.Status)
	assert.Equal(t, model.FailureCancelled, response.FailureReason.Code)
	h.ds.AssertExpectations(t)
}

func TestListOwnerJobs(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	jobs := []model.Job{*sampleJob(model.StatusCompleted), *sampleJob(model.StatusFailed)}

	h.ds.On("ListJobsByOwner", mock.Anything, "owner_1", mock.MatchedBy(func(f model.JobFilter) bool {
		return len(f.Statuses) == 2 && f.Statuses[0] == model.StatusCompleted &&
			len(f.Kinds) == 1 && f.Kinds[0] == model.KindImage &&
			f.Limit == 5 && f.Offset == 10
	})).Return(jobs, nil).Once()

	var response []model2.JobResponse
	resp := SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/owners/owner_1/jobs?status=completed,failed&kind=image&limit=5&offset=10",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, response, 2)

	resp = SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodGet,
		Route:  "/owners/owner_1/jobs?status=lost",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodGet,
		Route:  "/owners/owner_1/jobs?limit=ten",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	h.ds.AssertExpectations(t)
}

func TestCredits(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	account := &model.CreditAccount{OwnerID: "owner_1", Credited: 100, Held: 20, Debited: 30}

	h.ds.On("GrantCredits", mock.Anything, mock.MatchedBy(func(g model.CreditGrant) bool {
		return g.OwnerID == "owner_1" && g.Amount == 100 && g.Reference == "order_1"
	})).Return(account, nil).Once()
	h.ds.On("GetCreditAccount", mock.Anything, "owner_1").Return(account, nil).Once()
	h.ds.On("GetLedgerEntries", mock.Anything, "owner_1", 50, 0).
		Return([]model.LedgerEntry{{EntryID: "entry_1", OwnerID: "owner_1", EntryType: model.EntryGrant, Amount: 100}}, nil).Once()

	var balance model2.BalanceResponse
	resp := SetUpTestRequest(t, TestRequest{
		Payload:  model2.CreateGrant{OwnerID: "owner_1", Amount: 100, Reference: "order_1"},
		Router:   h.router,
		Response: &balance,
		Method:   http.MethodPost,
		Route:    "/credits/grants",
	})
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, int64(50), balance.Available)

	resp = SetUpTestRequest(t, TestRequest{
		Payload: model2.CreateGrant{OwnerID: "owner_1", Amount: -1, Reference: "order_2"},
		Router:  h.router,
		Method:  http.MethodPost,
		Route:   "/credits/grants",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &balance,
		Method:   http.MethodGet,
		Route:    "/owners/owner_1/credits",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(20), balance.Held)

	var entries []model.LedgerEntry
	resp = SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &entries,
		Method:   http.MethodGet,
		Route:    "/owners/owner_1/ledger",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, entries, 1)
	h.ds.AssertExpectations(t)
}

func TestPricing(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	saved := &model.PricingRule{Kind: model.KindVideo, Model: "veo", BaseCredits: 5, UnitCredits: decimal.NewFromInt(2), UnitOption: "duration", IsActive: true}

	h.ds.On("UpsertPricingRule", mock.Anything, mock.MatchedBy(func(r model.PricingRule) bool {
		return r.Kind == model.KindVideo && r.Model == "veo" && r.IsActive && r.UnitCredits.Equal(decimal.NewFromInt(2))
	})).Return(saved, nil).Once()
	h.ds.On("GetAllPricingRules", mock.Anything).Return([]model.PricingRule{*saved}, nil).Once()

	var rule model.PricingRule
	resp := SetUpTestRequest(t, TestRequest{
		Payload:  model2.UpsertPricingRule{Kind: "video", Model: "veo", BaseCredits: 5, UnitCredits: "2", UnitOption: "duration"},
		Router:   h.router,
		Response: &rule,
		Method:   http.MethodPut,
		Route:    "/pricing",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "veo", rule.Model)

	var rules []model.PricingRule
	resp = SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &rules,
		Method:   http.MethodGet,
		Route:    "/pricing",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, rules, 1)
	h.ds.AssertExpectations(t)
}

func TestProviderCallback(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{Secure: true, SecretKey: "master-key"})
	job := sampleJob(model.StatusProcessing)
	job.ProviderRef = "mock_task_1"

	h.ds.On("GetJobByProviderRef", mock.Anything, "mock", "mock_task_1").Return(job, nil).Once()

	resp := SetUpTestRequest(t, TestRequest{
		Payload: map[string]string{"ref": "mock_task_1"},
		Router:  h.router,
		Method:  http.MethodPost,
		Route:   "/callbacks/mock",
	})
	assert.Equal(t, http.StatusAccepted, resp.Code)

	assert.True(t, h.reconcileQueued(t, job.JobID))

	resp = SetUpTestRequest(t, TestRequest{
		Payload: map[string]string{"ref": "mock_task_1"},
		Router:  h.router,
		Method:  http.MethodPost,
		Route:   "/callbacks/unknown",
	})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = SetUpTestRequest(t, TestRequest{
		Payload: map[string]string{"nope": "x"},
		Router:  h.router,
		Method:  http.MethodPost,
		Route:   "/callbacks/mock",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	h.ds.AssertExpectations(t)
}

func TestSecureServer(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{Secure: true, SecretKey: "master-key"})
	job := sampleJob(model.StatusSubmitted)
	h.ds.On("GetJobByID", mock.Anything, job.JobID).Return(job, nil).Once()

	resp := SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodGet,
		Route:  "/jobs/" + job.JobID,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = SetUpTestRequest(t, TestRequest{
		Router: h.router,
		Method: http.MethodGet,
		Route:  "/jobs/" + job.JobID,
		Header: map[string]string{middleware.KeyHeader: "master-key"},
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	h.ds.AssertExpectations(t)
}

func TestReconcileDueJobs(t *testing.T) {
	h := setupRouter(t, config.ServerConfig{})
	h.ds.On("GetJobsDueForReconciliation", mock.Anything, mock.Anything, mock.Anything).Return([]model.Job{}, nil).Once()

	var response map[string]int
	resp := SetUpTestRequest(t, TestRequest{
		Router:   h.router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/admin/reconcile",
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, response["reconciled"])
	h.ds.AssertExpectations(t)
}

func (h *apiHarness) reconcileQueued(t *testing.T, jobID string) bool {
	t.Helper()
	cfg, err := config.Fetch()
	require.NoError(t, err)
	for _, queueName := range kiln.ReconcileQueueNames(cfg.Queue) {
		if h.redis.Exists(fmt.Sprintf("asynq:{%s}:t:reconcile_%s", queueName, jobID)) {
			return true
		}
	}
	return false
}
