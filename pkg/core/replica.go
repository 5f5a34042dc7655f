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

package core

import (
	"time"
)

type ReplicaStatus string

const (
	ReplicaLaunching  ReplicaStatus = "launching"
	ReplicaSyncing    ReplicaStatus = "syncing"
	ReplicaReady      ReplicaStatus = "ready"
	ReplicaPromoted   ReplicaStatus = "promoted"
	ReplicaTerminated ReplicaStatus = "terminated"
	ReplicaFailed     ReplicaStatus = "failed"
)

type ReplicaType string

const (
	// ReplicaManual is a user-maintained standby; the coordinator keeps
	// exactly one alive while the mode is enabled.
	ReplicaManual ReplicaType = "manual"
	// ReplicaAutoRebalance is an emergency standby raised on a rebalance
	// recommendation and promoted if the termination lands.
	ReplicaAutoRebalance ReplicaType = "automatic-rebalance"
)

// replicaTransitions encodes the standby lifecycle. PROMOTED, TERMINATED and
// FAILED are terminal; promotion is only reachable from READY or SYNCING (the
// coordinator gates SYNCING promotions on progress).
var replicaTransitions = map[ReplicaStatus][]ReplicaStatus{
	ReplicaLaunching: {ReplicaSyncing, ReplicaFailed, ReplicaTerminated},
	ReplicaSyncing:   {ReplicaReady, ReplicaPromoted, ReplicaFailed, ReplicaTerminated},
	ReplicaReady:     {ReplicaPromoted, ReplicaTerminated, ReplicaFailed},
}

func (s ReplicaStatus) CanTransition(to ReplicaStatus) bool {
	for _, next := range replicaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ReplicaStatus) Terminal() bool {
	return len(replicaTransitions[s]) == 0
}

// Alive reports whether the replica still occupies capacity.
func (s ReplicaStatus) Alive() bool {
	switch s {
	case ReplicaLaunching, ReplicaSyncing, ReplicaReady:
		return true
	}
	return false
}

// Replica is a standby instance shadowing a primary.
type Replica struct {
	ID              string
	AgentID         string
	ParentInstance  string
	CloudInstanceID string
	Pool            Pool
	Status          ReplicaStatus
	Type            ReplicaType
	SyncProgress    float64
	HourlyCost      float64
	CreatedBy       string
	Active          bool
	CreatedAt       time.Time
	PromotedAt      *time.Time
}
