/*
Copyright 2025.

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

package queue

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Cron schedules for the recurring maintenance jobs. These mirror the
// in-database pg_cron jobs so deployments without the extension still get
// stale recovery and the periodic enqueuers.
const (
	ScheduleRecoverStale    = "*/5 * * * *"
	ScheduleDreamingEnqueue = "0 * * * *"
	ScheduleNewsEnqueue     = "0 6 * * *"
)

// staleClaimAge is how long a processing claim may sit before recovery.
const staleClaimAge = 15 * time.Minute

// SchedulerConfig toggles the optional jobs.
type SchedulerConfig struct {
	// NewsEnabled registers the daily news enqueue. Leave it off when no
	// news searcher is configured, so the queue never fills with tasks no
	// worker can handle.
	NewsEnabled bool
}

// Scheduler drives the recurring queue jobs from the worker process. Run it
// in exactly one process per deployment; the SQL enqueuers are idempotent so
// an accidental second scheduler only wastes queries.
type Scheduler struct {
	cron   *cron.Cron
	svc    *Service
	logger logr.Logger
	jobs   []string
}

// NewScheduler creates a scheduler with the standard job set registered.
func NewScheduler(svc *Service, logger logr.Logger, cfg SchedulerConfig) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), svc: svc, logger: logger}

	type cronJob struct {
		name     string
		schedule string
		run      func(context.Context) (int, error)
	}
	jobs := []cronJob{
		{"recover-stale", ScheduleRecoverStale, func(ctx context.Context) (int, error) {
			return svc.RecoverStale(ctx, staleClaimAge)
		}},
		{"dreaming-enqueue", ScheduleDreamingEnqueue, svc.EnqueueDreamingTasks},
	}
	if cfg.NewsEnabled {
		jobs = append(jobs, cronJob{"news-enqueue", ScheduleNewsEnqueue, svc.EnqueueNewsTasks})
	}
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := job.run(ctx)
			if err != nil {
				logger.Error(err, "scheduled job failed", "job", job.name)
				return
			}
			if n > 0 {
				logger.Info("scheduled job ran", "job", job.name, "affected", n)
			}
		})
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, job.name)
	}
	return s, nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	return s.jobs
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.logger.Info("queue scheduler started", "jobs", s.jobs)
	s.cron.Start()
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("queue scheduler stopped")
}
