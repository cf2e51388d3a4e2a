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
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kilnhq/kiln/config"
	redis_db "github.com/kilnhq/kiln/internal/redis-db"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
)

// Queue represents a queue for handling reconciliation and notification tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// ReconcilePayload is the body of a reconcile task.
type ReconcilePayload struct {
	JobID string `json:"job_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
	}, nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	if err := q.Client.Close(); err != nil {
		return err
	}
	return q.Inspector.Close()
}

// EnqueueReconcile asks a worker to reconcile jobID soon. Tasks are partitioned
// by job id and carry the job id as task id, so repeated hints for a job that
// already has a pending task collapse into one.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - jobID string: The job to reconcile.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueReconcile(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "Enqueue Reconcile Task")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ReconcilePayload{JobID: jobID})
	if err != nil {
		return err
	}

	queueName := reconcileQueueName(cfg.Queue, jobID)
	task := asynq.NewTask(cfg.Queue.ReconcileQueue, payload,
		asynq.TaskID(reconcileTaskID(jobID)),
		asynq.Queue(queueName),
		asynq.MaxRetry(3),
		asynq.Timeout(cfg.Reconciler.LeaseFor()),
	)

	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.Debugf("reconcile task for job %s is already pending", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	logrus.Debugf(" [*] Successfully enqueued reconcile task for job %s on %s", jobID, queueName)
	return nil
}

// EnqueueNotification queues the terminal notification of a job. The task id
// is derived from the job id, so a job can only ever have one notification queued.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - notification model.JobNotification: The notification to deliver.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueNotification(ctx context.Context, notification model.JobNotification) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(NewWebhook{Event: "job." + string(notification.Status), Payload: notification})
	if err != nil {
		return err
	}

	task := asynq.NewTask(cfg.Queue.WebhookQueue, payload,
		asynq.TaskID(notificationTaskID(notification.JobID)),
		asynq.Queue(cfg.Queue.WebhookQueue),
		asynq.MaxRetry(cfg.Queue.WebhookRetries),
		asynq.Retention(24*time.Hour),
	)

	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ReconcileQueueNames lists every partition of the reconcile queue.
func ReconcileQueueNames(conf config.QueueConfig) []string {
	partitions := conf.NumberOfQueues
	if partitions <= 0 {
		partitions = 1
	}
	names := make([]string, 0, partitions)
	for i := 1; i <= partitions; i++ {
		names = append(names, fmt.Sprintf("%s_%d", conf.ReconcileQueue, i))
	}
	return names
}

// reconcileQueueName picks the partition for jobID so that all hints for one
// job land on the same queue.
func reconcileQueueName(conf config.QueueConfig, jobID string) string {
	partitions := conf.NumberOfQueues
	if partitions <= 0 {
		partitions = 1
	}
	return fmt.Sprintf("%s_%d", conf.ReconcileQueue, hashJobID(jobID)%partitions+1)
}

func reconcileTaskID(jobID string) string {
	return "reconcile_" + jobID
}

func notificationTaskID(jobID string) string {
	return "notify_" + jobID
}

// hashJobID returns a consistent hash value for a job id.
func hashJobID(jobID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(jobID))
	return int(hasher.Sum32())
}
