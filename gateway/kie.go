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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultKieBaseURL = "https://api.kie.ai"

const (
	kieCreateTaskPath = "/api/v1/jobs/createTask"
	kieRecordInfoPath = "/api/v1/jobs/recordInfo"
)

// KieProvider talks to the kie.ai market task API.
type KieProvider struct {
	name        string
	baseURL     string
	apiKey      string
	callbackURL string
	maxRetries  int
	client      *http.Client
	newBackOff  func() backoff.BackOff
}

func NewKieProvider(cfg config.ProviderConfig) *KieProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultKieBaseURL
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	return &KieProvider{
		name:        cfg.Name,
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		maxRetries:  cfg.MaxRetries,
		client:      &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = timeout
			return b
		},
	}
}

func (p *KieProvider) Name() string {
	return p.name
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kieTask struct {
	TaskID string `json:"taskId"`
}

type kieRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type kieResult struct {
	ResultURLs []string `json:"resultUrls"`
}

// Submit creates a task. The payload's "model" option names the kie model and
// every other option is passed through as task input.
func (p *KieProvider) Submit(ctx context.Context, kind model.Kind, payload map[string]interface{}) (string, error) {
	modelName := model.PayloadModel(payload)
	if modelName == "" {
		return "", errors.Wrapf(ErrProviderRejected, "%s request has no model", kind)
	}

	input := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k != "model" {
			input[k] = v
		}
	}
	body := map[string]interface{}{
		"model": modelName,
		"input": input,
	}
	if p.callbackURL != "" {
		body["callBackUrl"] = p.callbackURL
	}

	env, err := p.do(ctx, http.MethodPost, kieCreateTaskPath, body)
	if err != nil {
		return "", err
	}

	var task kieTask
	if err := json.Unmarshal(env.Data, &task); err != nil || task.TaskID == "" {
		return "", errors.Wrap(ErrProviderUnavailable, "kie createTask returned no task id")
	}
	return task.TaskID, nil
}

// Poll reads the task record.
func (p *KieProvider) Poll(ctx context.Context, ref string) (PollResult, error) {
	env, err := p.do(ctx, http.MethodGet, kieRecordInfoPath+"?taskId="+url.QueryEscape(ref), nil)
	if err != nil {
		return PollResult{}, err
	}

	var record kieRecord
	if err := json.Unmarshal(env.Data, &record); err != nil {
		return PollResult{}, errors.Wrap(ErrProviderUnavailable, "kie recordInfo returned no record")
	}

	switch record.State {
	case "success":
		var result kieResult
		if err := json.Unmarshal([]byte(record.ResultJSON), &result); err != nil || len(result.ResultURLs) == 0 {
			return PollResult{State: PollFailed, Reason: "provider reported success without a result"}, nil
		}
		return PollResult{State: PollSucceeded, ResultRef: result.ResultURLs[0]}, nil
	case "fail":
		reason := record.FailMsg
		if reason == "" {
			reason = "generation failed"
		}
		return PollResult{State: PollFailed, Reason: reason}, nil
	case "", "waiting", "queuing", "generating", "processing", "running":
		return PollResult{State: PollProcessing}, nil
	default:
		logrus.Warnf("kie task %s reported unknown state %q", ref, record.State)
		return PollResult{State: PollProcessing}, nil
	}
}

// ParseCallback extracts the task id from a kie callback body.
func (p *KieProvider) ParseCallback(body []byte) (string, error) {
	var env kieEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", errors.Wrap(err, "invalid kie callback body")
	}
	var task kieTask
	if err := json.Unmarshal(env.Data, &task); err != nil || task.TaskID == "" {
		return "", errors.New("kie callback carries no task id")
	}
	return task.TaskID, nil
}

// do sends one API call, retrying throttling, server errors and network
// failures with exponential backoff. Client errors are not retried.
func (p *KieProvider) do(ctx context.Context, method, path string, body interface{}) (*kieEnvelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(ErrProviderRejected, err.Error())
		}
	}

	var env *kieEnvelope
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(errors.Wrap(ErrProviderRejected, err.Error()))
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errors.Wrap(ErrProviderUnavailable, ctx.Err().Error()))
			}
			return errors.Wrapf(ErrProviderUnavailable, "kie %s %s: %v", method, path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(ErrProviderUnavailable, "kie %s %s: %v", method, path, err)
		}

		if err := classify(resp.StatusCode, string(raw)); err != nil {
			return err
		}

		var decoded kieEnvelope
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return backoff.Permanent(errors.Wrapf(ErrProviderUnavailable, "kie %s %s: undecodable response", method, path))
		}
		if decoded.Code != 0 {
			if err := classify(decoded.Code, decoded.Msg); err != nil {
				return err
			}
		}
		env = &decoded
		return nil
	}

	retries := p.maxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.Wrapf(ErrProviderUnavailable, "kie %s %s: empty response", method, path)
	}
	return env, nil
}

// classify maps a status code to a gateway error. Throttling and server
// errors are retryable, other client errors are permanent rejections.
func classify(code int, msg string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return errors.Wrap(ErrProviderUnavailable, fmt.Sprintf("kie responded %d: %s", code, truncate(msg, 200)))
	case code >= 400:
		return backoff.Permanent(errors.Wrap(ErrProviderRejected, fmt.Sprintf("kie responded %d: %s", code, truncate(msg, 200))))
	default:
		return backoff.Permanent(errors.Wrap(ErrProviderUnavailable, fmt.Sprintf("kie responded %d", code)))
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
