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

// Package gateway adapts external generation providers behind one interface.
package gateway

import (
	"context"
	stderrors "errors"

	"github.com/kilnhq/kiln/model"
)

var (
	// ErrProviderRejected means the provider refused the request outright.
	// Retrying the same request will not help.
	ErrProviderRejected = stderrors.New("provider rejected the request")

	// ErrProviderUnavailable covers timeouts, throttling and provider outages.
	ErrProviderUnavailable = stderrors.New("provider unavailable")

	ErrUnknownProvider = stderrors.New("unknown provider")
)

// PollState is the provider's view of a task.
type PollState string

const (
	PollProcessing PollState = "processing"
	PollSucceeded  PollState = "succeeded"
	PollFailed     PollState = "failed"
)

// PollResult is the outcome of one status query. ResultRef is set when the
// task succeeded, Reason when it failed.
type PollResult struct {
	State     PollState
	ResultRef string
	Reason    string
}

// Provider submits generation work to an external service and reports on it.
// Poll must be free of side effects so it can be called any number of times.
type Provider interface {
	Name() string
	Submit(ctx context.Context, kind model.Kind, payload map[string]interface{}) (string, error)
	Poll(ctx context.Context, ref string) (PollResult, error)
}

// Canceler is implemented by providers that can abort a submitted task.
type Canceler interface {
	Cancel(ctx context.Context, ref string) error
}

// CallbackParser is implemented by providers that push completion callbacks.
// It extracts the provider reference from the callback body.
type CallbackParser interface {
	ParseCallback(body []byte) (string, error)
}
