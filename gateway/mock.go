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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilnhq/kiln/model"
	"github.com/pkg/errors"
)

type mockTask struct {
	kind      model.Kind
	payload   map[string]interface{}
	polls     int
	result    PollResult
	cancelled bool
}

// MockProvider is an in-memory provider whose tasks are completed by hand or
// after a fixed number of polls. It also records how it was called.
type MockProvider struct {
	name string

	// AutoComplete makes tasks succeed after this many processing polls.
	AutoComplete int
	// SubmitDelay and PollDelay stall calls, honoring context cancellation.
	SubmitDelay time.Duration
	PollDelay   time.Duration

	mu            sync.Mutex
	tasks         map[string]*mockTask
	order         []string
	submitErrs    []error
	pollErr       error
	submissions   int
	inFlight      map[string]int
	maxConcurrent map[string]int
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:          name,
		tasks:         make(map[string]*mockTask),
		inFlight:      make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Submit(ctx context.Context, kind model.Kind, payload map[string]interface{}) (string, error) {
	if err := sleepCtx(ctx, m.SubmitDelay); err != nil {
		return "", errors.Wrap(ErrProviderUnavailable, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions++
	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		return "", err
	}

	ref := fmt.Sprintf("%s_%s", m.name, uuid.New().String())
	m.tasks[ref] = &mockTask{kind: kind, payload: payload, result: PollResult{State: PollProcessing}}
	m.order = append(m.order, ref)
	return ref, nil
}

func (m *MockProvider) Poll(ctx context.Context, ref string) (PollResult, error) {
	m.mu.Lock()
	m.inFlight[ref]++
	if m.inFlight[ref] > m.maxConcurrent[ref] {
		m.maxConcurrent[ref] = m.inFlight[ref]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight[ref]--
		m.mu.Unlock()
	}()

	if err := sleepCtx(ctx, m.PollDelay); err != nil {
		return PollResult{}, errors.Wrap(ErrProviderUnavailable, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pollErr != nil {
		return PollResult{}, m.pollErr
	}
	task, ok := m.tasks[ref]
	if !ok {
		return PollResult{}, errors.Wrapf(ErrProviderUnavailable, "unknown task %s", ref)
	}
	task.polls++
	if task.result.State == PollProcessing && m.AutoComplete > 0 && task.polls > m.AutoComplete {
		task.result = PollResult{State: PollSucceeded, ResultRef: fmt.Sprintf("mock://%s/result", ref)}
	}
	return task.result, nil
}

func (m *MockProvider) Cancel(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[ref]
	if !ok {
		return errors.Wrapf(ErrProviderUnavailable, "unknown task %s", ref)
	}
	task.cancelled = true
	task.result = PollResult{State: PollFailed, Reason: "cancelled"}
	return nil
}

// ParseCallback reads {"ref": "<task>"}.
func (m *MockProvider) ParseCallback(body []byte) (string, error) {
	var cb struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return "", errors.Wrap(err, "invalid mock callback body")
	}
	if cb.Ref == "" {
		return "", errors.New("mock callback carries no ref")
	}
	return cb.Ref, nil
}

// Complete makes the task report success with resultRef.
func (m *MockProvider) Complete(ref, resultRef string) {
	m.setResult(ref, PollResult{State: PollSucceeded, ResultRef: resultRef})
}

// Fail makes the task report failure.
func (m *MockProvider) Fail(ref, reason string) {
	m.setResult(ref, PollResult{State: PollFailed, Reason: reason})
}

func (m *MockProvider) setResult(ref string, result PollResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[ref]; ok {
		task.result = result
	}
}

// FailNextSubmit queues err as the outcome of the next Submit call.
func (m *MockProvider) FailNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErrs = append(m.submitErrs, err)
}

// SetPollError makes every Poll fail with err until cleared with nil.
func (m *MockProvider) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// Submissions counts Submit calls, successful or not.
func (m *MockProvider) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

// Refs lists created task refs in submission order.
func (m *MockProvider) Refs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *MockProvider) Polls(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[ref]; ok {
		return task.polls
	}
	return 0
}

// MaxConcurrentPolls is the highest number of simultaneous polls seen for ref.
func (m *MockProvider) MaxConcurrentPolls(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent[ref]
}

func (m *MockProvider) Cancelled(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[ref]
	return ok && task.cancelled
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
