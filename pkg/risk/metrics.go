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

package risk

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	riskSubsystem = "risk"

	kindLabel = "kind"
)

var (
	EventsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: riskSubsystem,
			Name:      "events_registered_total",
			Help:      "Production interruption events appended to the pool log.",
		},
		[]string{kindLabel})
	PoisonedPools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: riskSubsystem,
			Name:      "poisoned_pools",
			Help:      "Pools with at least one unexpired interruption event, as of the last mirror refresh.",
		})
)

func init() {
	metrics.Registry.MustRegister(EventsRegistered, PoisonedPools)
}
