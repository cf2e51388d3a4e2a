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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/config"
	redis_db "github.com/kilnhq/kiln/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processReconcile advances one job named by a reconcile task. A job whose
// lease is held elsewhere is skipped; the sweep will pick it up again.
func (k *kilnInstance) processReconcile(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("kiln.reconcile.worker").Start(ctx, "Reconcile Job From Redis Queue")
	defer span.End()

	var payload kiln.ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := k.kiln.ReconcileJob(ctx, payload.JobID); err != nil {
		logrus.Infof("Job %s pushed back for retry due to error: %v", payload.JobID, err)
		return err
	}
	return nil
}

func initializeQueues(conf *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[conf.Queue.WebhookQueue] = 3
	for _, name := range kiln.ReconcileQueueNames(conf.Queue) {
		queues[name] = 2
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      queues,
		Logger:      logrus.StandardLogger(),
	}), nil
}

// initializeTaskHandlers routes tasks by type. Reconcile tasks share one type
// across every partition queue.
func initializeTaskHandlers(k *kilnInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(k.cnf.Queue.ReconcileQueue, k.processReconcile)
	mux.HandleFunc(k.cnf.Queue.WebhookQueue, kiln.ProcessWebhook)
}

// workerCommands starts the queue workers and the periodic reconciler.
func workerCommands(k *kilnInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start kiln workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf, "workers")
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}
			defer k.kiln.Close()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(k, mux)

			reconciler := kiln.NewJobReconciler(k.kiln)
			reconciler.Start(ctx)
			defer reconciler.Stop()

			redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatal(err)
			}
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOption,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			srv.Shutdown()
		},
	}

	return cmd
}
