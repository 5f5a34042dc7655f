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

package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	serverSubsystem = "server"

	methodLabel  = "method"
	routeLabel   = "route"
	statusLabel  = "status"
	outcomeLabel = "outcome"
)

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: serverSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		},
		[]string{methodLabel, routeLabel, statusLabel})
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: serverSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{methodLabel, routeLabel})
	AgentsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: serverSubsystem,
			Name:      "agents_registered_total",
			Help:      "New agent identities created.",
		})
	PricingReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: serverSubsystem,
			Name:      "pricing_reports_total",
			Help:      "Accepted agent pricing reports.",
		})
	CommandsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: serverSubsystem,
			Name:      "commands_finalized_total",
			Help:      "Commands finalized by agents, by outcome.",
		},
		[]string{outcomeLabel})
)

func init() {
	metrics.Registry.MustRegister(Requests, RequestDuration, AgentsRegistered, PricingReports, CommandsFinalized)
}
