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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	pipelineSubsystem = "pipeline"

	verdictLabel = "verdict"
	modeLabel    = "mode"
	stageLabel   = "stage"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "decisions_total",
			Help:      "Decisions emitted, partitioned by verdict and input mode.",
		},
		[]string{verdictLabel, modeLabel})
	StageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_errors_total",
			Help:      "Trapped stage faults. The run continues; the fault is tagged in the trace.",
		},
		[]string{stageLabel})
	DecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "decision_duration_seconds",
			Help:      "End-to-end pipeline run latency.",
			Buckets:   metrics.DurationBuckets(),
		})
)

func init() {
	metrics.Registry.MustRegister(Decisions, StageErrors, DecisionLatency)
}
