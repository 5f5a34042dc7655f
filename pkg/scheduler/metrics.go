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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	schedulerSubsystem = "scheduler"

	jobLabel = "job"
)

var (
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "job_duration_seconds",
			Help:      "Wall time of periodic job runs.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{jobLabel})
	JobErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "job_errors_total",
			Help:      "Periodic job runs that returned an error.",
		},
		[]string{jobLabel})
	JobsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "job_ticks_skipped_total",
			Help:      "Ticks skipped because the previous run was still in flight.",
		},
		[]string{jobLabel})
)

func init() {
	metrics.Registry.MustRegister(JobDuration, JobErrors, JobsSkipped)
}
