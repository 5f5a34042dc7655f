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

package instancetype

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	instanceTypeSubsystem = "instancetype"
	instanceTypeLabel     = "instance_type"
)

var (
	InstanceTypeVCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: instanceTypeSubsystem,
			Name:      "cpu_cores",
			Help:      "VCPU cores for a given instance type.",
		},
		[]string{
			instanceTypeLabel,
		})
	InstanceTypeMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: instanceTypeSubsystem,
			Name:      "memory_bytes",
			Help:      "Memory, in bytes, for a given instance type.",
		},
		[]string{
			instanceTypeLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(InstanceTypeVCPU, InstanceTypeMemory)
}
