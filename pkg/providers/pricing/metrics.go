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

package pricing

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	pricingSubsystem = "pricing"
)

var (
	InstanceTypeLabel     = "instance_type"
	CapacityTypeLabel     = "capacity_type"
	RegionLabel           = "region"
	TopologyLabel         = "zone"
	InstancePriceEstimate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: pricingSubsystem,
			Name:      "instance_type_price_estimate",
			Help:      "Estimated hourly price used when scoring candidate pools, refreshed by the scrape jobs.",
		},
		[]string{
			InstanceTypeLabel,
			CapacityTypeLabel,
			RegionLabel,
			TopologyLabel,
		})
)

func init() {
	metrics.Registry.MustRegister(InstancePriceEstimate)
}
