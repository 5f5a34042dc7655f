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

package replica

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	replicaSubsystem = "replica"

	typeLabel = "type"
)

var (
	ReplicasCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: replicaSubsystem,
			Name:      "created_total",
			Help:      "Standby replicas launched, by type.",
		},
		[]string{typeLabel})
	Promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: replicaSubsystem,
			Name:      "promotions_total",
			Help:      "Standbys promoted to primary.",
		})
	ReplicasReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: replicaSubsystem,
			Name:      "reclaimed_total",
			Help:      "Standbys terminated by the coordinator.",
		})
)

func init() {
	metrics.Registry.MustRegister(ReplicasCreated, Promotions, ReplicasReclaimed)
}
