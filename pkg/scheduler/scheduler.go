/*
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

// Package scheduler runs the server's periodic jobs: price scrapes, risk
// cleanup, data-quality reconciles and coordinator ticks. Every job is an
// independent task with cooperative cancellation; a job still running when
// its next tick fires skips that tick instead of overlapping itself.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
)

// Job is one periodic task.
type Job struct {
	// Name appears in logs and metrics.
	Name string
	// Interval is the tick cadence.
	Interval time.Duration
	// Jitter delays the first run by a random fraction of itself so jobs
	// sharing an interval spread out.
	Jitter time.Duration
	// InitialRun runs the job once at startup before the first tick.
	InitialRun bool
	// Run does the work. It must respect ctx and return promptly after
	// cancellation.
	Run func(ctx context.Context) error
}

// Scheduler owns the job loops.
type Scheduler struct {
	jobs  []Job
	clock clock.WithTicker
	wg    sync.WaitGroup
}

func New(clk clock.WithTicker, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, clock: clk}
}

// Start launches one loop per job and returns. Loops stop when ctx is
// cancelled; Wait blocks until all have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
}

// Wait blocks until every loop has stopped and every in-flight run has
// returned. Callers may tear down shared resources afterwards.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	logger := logging.FromContext(ctx).With("job", job.Name)
	ctx = logging.WithLogger(ctx, logger)

	if job.Jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(time.Duration(rand.Int63n(int64(job.Jitter)))):
		}
	}

	var running sync.Mutex
	execute := func() {
		// skip the tick instead of piling up behind a slow run
		if !running.TryLock() {
			JobsSkipped.With(prometheus.Labels{jobLabel: job.Name}).Inc()
			logger.Debugf("previous run still in flight, skipping tick")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer running.Unlock()
			start := s.clock.Now()
			if err := job.Run(ctx); err != nil && ctx.Err() == nil {
				JobErrors.With(prometheus.Labels{jobLabel: job.Name}).Inc()
				logger.Errorf("job failed, %s", err)
			}
			JobDuration.With(prometheus.Labels{jobLabel: job.Name}).Observe(s.clock.Since(start).Seconds())
		}()
	}

	if job.InitialRun {
		execute()
	}
	ticker := s.clock.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			execute()
		}
	}
}
