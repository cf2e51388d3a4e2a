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
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/internal/request"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// Notifier is told once about every job that reaches a terminal status.
// Delivery is best-effort and must never block job processing.
type Notifier interface {
	JobFinished(ctx context.Context, job *model.Job) error
}

// WebhookNotifier hands terminal notifications to the webhook queue.
type WebhookNotifier struct {
	queue *Queue
}

func NewWebhookNotifier(queue *Queue) *WebhookNotifier {
	return &WebhookNotifier{queue: queue}
}

// JobFinished enqueues the notification for job. Nothing is queued when no
// webhook url is configured.
func (n *WebhookNotifier) JobFinished(ctx context.Context, job *model.Job) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(conf.Queue.NotifyTimeoutMs)*time.Millisecond)
	defer cancel()
	return n.queue.EnqueueNotification(ctx, job.Notification())
}

// notify delivers the terminal notification of job. Failures are logged and dropped.
func (k *Kiln) notify(ctx context.Context, job *model.Job) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.JobFinished(ctx, job); err != nil {
		logrus.WithFields(logrus.Fields{"job_id": job.JobID, "status": job.Status}).
			Warnf("failed to queue job notification: %v", err)
	}
}

// ProcessWebhook posts a queued notification to the configured webhook url.
// Client errors are not retried; transport errors and server errors are.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook should be retried.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling webhook payload: %v", err)
		return errors.Join(err, asynq.SkipRetry)
	}

	logrus.Infof("Processing webhook: %s", payload.Event)
	_, err = request.PostJSON(ctx, conf.Notification.Webhook.Url, conf.Notification.Webhook.Headers, payload, nil)
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		logrus.Warnf("webhook %s rejected with status %d, not retrying", payload.Event, statusErr.StatusCode)
		return nil
	}
	return err
}
