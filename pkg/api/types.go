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

// Package api defines the wire types of the agent/server protocol. JSON over
// HTTPS; bearer client-token in the Authorization header. Field validation
// runs server-side with the validate tags below.
package api

import (
	"encoding/json"
	"time"

	"github.com/spotherd/spotherd/pkg/core"
)

// ClientTokenHeader carries the agent's bearer token.
const ClientTokenHeader = "Authorization"

type RegisterRequest struct {
	Hostname        string `json:"hostname" validate:"required"`
	CloudInstanceID string `json:"cloud-instance-id" validate:"required"`
	InstanceType    string `json:"type" validate:"required"`
	Region          string `json:"region" validate:"required"`
	Zone            string `json:"az" validate:"required"`
	CurrentMode     string `json:"current-mode" validate:"omitempty,oneof=LINEAR CLUSTER KUBERNETES"`
	Version         string `json:"version"`
}

type RegisterResponse struct {
	AgentID string `json:"agent-id"`
}

type HeartbeatRequest struct {
	Status          string `json:"status" validate:"required,oneof=online offline switching failover"`
	CloudInstanceID string `json:"cloud-instance-id" validate:"required"`
	CurrentMode     string `json:"current-mode" validate:"omitempty,oneof=LINEAR CLUSTER KUBERNETES"`
	CurrentPoolID   string `json:"current-pool-id" validate:"omitempty"`
}

// SpotPool is one pool observation inside a pricing report.
type SpotPool struct {
	InstanceType  string  `json:"type" validate:"required"`
	Zone          string  `json:"az" validate:"required"`
	SpotPrice     float64 `json:"spot-price" validate:"gte=0"`
	OnDemandPrice float64 `json:"on-demand-price" validate:"gte=0"`
}

type PricingReportRequest struct {
	CloudInstanceID string     `json:"instance" validate:"required"`
	Pools           []SpotPool `json:"spot-pools" validate:"required,min=1,dive"`
	CollectedAt     time.Time  `json:"collected-at" validate:"required"`
}

// CommandEnvelope is a queued command as delivered to an agent.
type CommandEnvelope struct {
	ID        string           `json:"id"`
	Kind      core.CommandKind `json:"kind"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	ExpiresAt time.Time        `json:"expires-at"`
}

type CommandExecutedRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RebalanceSignalRequest struct {
	CloudInstanceID string `json:"cloud-instance-id" validate:"required"`
	PoolID          string `json:"pool-id" validate:"required"`
	Urgency         string `json:"urgency" validate:"omitempty,oneof=low medium high"`
}

type TerminationSignalRequest struct {
	CloudInstanceID string    `json:"cloud-instance-id" validate:"required"`
	TerminationTime time.Time `json:"termination-time"`
}

type ReplicaView struct {
	ID           string             `json:"id"`
	PoolID       string             `json:"pool-id"`
	Status       core.ReplicaStatus `json:"status"`
	Type         core.ReplicaType   `json:"type"`
	SyncProgress float64            `json:"sync-progress"`
	HourlyCost   float64            `json:"hourly-cost"`
	Active       bool               `json:"is-active"`
	PromotedAt   *time.Time         `json:"promoted-at,omitempty"`
}

type CreateReplicaRequest struct {
	PoolID string `json:"pool-id" validate:"omitempty"`
}

// DecisionRequest triggers a pipeline run for the agent's instance. In
// KUBERNETES mode the workload requirement must be supplied. Signal carries
// the live reclaim signal the caller observed; the override stage
// short-circuits on it.
type DecisionRequest struct {
	Mode     string               `json:"mode" validate:"required,oneof=test k8s"`
	Signal   string               `json:"signal,omitempty" validate:"omitempty,oneof=NONE REBALANCE TERMINATION"`
	Workload *WorkloadRequirement `json:"workload,omitempty" validate:"omitempty"`
}

type WorkloadRequirement struct {
	VCPU         int     `json:"vcpu" validate:"required,gt=0"`
	MemoryGiB    float64 `json:"memory-gb" validate:"required,gt=0"`
	Architecture string  `json:"architecture" validate:"required"`
	MinVCPU      int     `json:"min-vcpu,omitempty" validate:"omitempty,gte=0"`
	MaxVCPU      int     `json:"max-vcpu,omitempty" validate:"omitempty,gte=0"`
}

type DecisionResponse struct {
	Verdict  core.Verdict      `json:"verdict"`
	PoolID   string            `json:"pool-id,omitempty"`
	Reason   string            `json:"reason"`
	Trace    []core.TraceEntry `json:"trace,omitempty"`
	Executed bool              `json:"executed"`
}

// ErrorResponse is the uniform error body: 4xx terminal, 5xx retriable.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
