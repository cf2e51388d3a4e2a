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
	"embed"
	"time"

	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/database"
	"github.com/kilnhq/kiln/gateway"
	"github.com/kilnhq/kiln/internal/cache"
	redis_db "github.com/kilnhq/kiln/internal/redis-db"
	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("kiln")

// ResultMirror copies a finished result out of the provider's storage.
type ResultMirror interface {
	Handles(kind model.Kind) bool
	Mirror(ctx context.Context, job *model.Job, sourceURL string) (string, error)
}

// Kiln orchestrates generation jobs: it reserves credits, submits work to
// providers, reconciles job state and settles the reservation exactly once.
type Kiln struct {
	datasource database.IDataSource
	registry   *gateway.Registry
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	pricer     Pricer
	notifier   Notifier
	mirror     ResultMirror
	now        func() time.Time
}

// NewKiln wires a Kiln instance from the loaded configuration.
//
// Parameters:
// - db database.IDataSource: The job, ledger and pricing store.
// - registry *gateway.Registry: The providers that serve each kind.
//
// Returns:
// - *Kiln: A pointer to the newly created Kiln instance.
// - error: An error if Redis, the queue or the result mirror cannot be set up.
func NewKiln(db database.IDataSource, registry *gateway.Registry) (*Kiln, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	newQueue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	newCache := cache.NewCache(redisClient.Client())
	kiln := &Kiln{
		datasource: db,
		registry:   registry,
		queue:      newQueue,
		redis:      redisClient.Client(),
		cache:      newCache,
		pricer:     NewPricer(db, newCache),
		notifier:   NewWebhookNotifier(newQueue),
		now:        time.Now,
	}

	if configuration.Storage.Enabled {
		mirror, err := storage.NewS3Mirror(configuration.Storage, nil)
		if err != nil {
			return nil, err
		}
		kiln.mirror = mirror
	}

	return kiln, nil
}

// Queue exposes the task queue used for reconciliation and notifications.
func (k *Kiln) Queue() *Queue {
	return k.queue
}

// SetNotifier replaces the terminal-transition notifier.
func (k *Kiln) SetNotifier(n Notifier) {
	k.notifier = n
}

// Close releases the queue and Redis connections.
func (k *Kiln) Close() error {
	if k.queue != nil {
		if err := k.queue.Close(); err != nil {
			return err
		}
	}
	return k.redis.Close()
}
