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
	"sync"
	"time"

	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
)

// JobReconciler periodically sweeps jobs whose next check is due and advances
// each of them on a bounded pool of workers.
type JobReconciler struct {
	kiln          *Kiln
	batchSize     int
	maxWorkers    int
	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool
	mu            sync.Mutex
}

func NewJobReconciler(kiln *Kiln) *JobReconciler {
	maxWorkers, batchSize, interval := 10, 100, 5*time.Second
	cfg, err := config.Fetch()
	if err == nil {
		if cfg.Reconciler.MaxWorkers > 0 {
			maxWorkers = cfg.Reconciler.MaxWorkers
		}
		if cfg.Reconciler.BatchSize > 0 {
			batchSize = cfg.Reconciler.BatchSize
		}
		if cfg.Reconciler.SweepInterval > 0 {
			interval = cfg.Reconciler.SweepEvery()
		}
	}

	return &JobReconciler{
		kiln:          kiln,
		batchSize:     batchSize,
		maxWorkers:    maxWorkers,
		sweepInterval: interval,
		stopCh:        make(chan struct{}),
	}
}

func (p *JobReconciler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("Job reconciler started (every %v, %d workers)", p.sweepInterval, p.maxWorkers)
}

func (p *JobReconciler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Job reconciler stopped")
}

func (p *JobReconciler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *JobReconciler) run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Job reconciler context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Job reconciler stop signal received")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// ReconcileDueJobs runs one sweep immediately and reports how many jobs it
// looked at. This is exposed for the manual trigger API endpoint.
func (k *Kiln) ReconcileDueJobs(ctx context.Context) (int, error) {
	return NewJobReconciler(k).sweep(ctx), nil
}

func (p *JobReconciler) sweep(ctx context.Context) int {
	due, err := p.kiln.datasource.GetJobsDueForReconciliation(ctx, p.kiln.now().UTC(), p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get jobs due for reconciliation: %v", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	logrus.Debugf("Reconciling %d due jobs with %d workers", len(due), p.maxWorkers)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for i := range due {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(job model.Job) {
			defer batchWg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					logrus.Errorf("panic while reconciling job %s: %v", job.JobID, rec)
				}
			}()
			if err := p.kiln.reconcile(ctx, job.JobID, true); err != nil {
				logrus.Errorf("failed to reconcile job %s: %v", job.JobID, err)
			}
		}(due[i])
	}

	batchWg.Wait()
	return len(due)
}
