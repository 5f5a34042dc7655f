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

type AgentStatus string

const (
	AgentOnline    AgentStatus = "online"
	AgentOffline   AgentStatus = "offline"
	AgentSwitching AgentStatus = "switching"
	AgentFailover  AgentStatus = "failover"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentSwitching, AgentFailover:
		return true
	}
	return false
}

type Lifecycle string

const (
	LifecycleSpot     Lifecycle = "spot"
	LifecycleOnDemand Lifecycle = "on-demand"
)

// Environment gates risk-event registration: lab interruptions never poison
// pools for the herd.
type Environment string

const (
	EnvironmentProd Environment = "prod"
	EnvironmentLab  Environment = "lab"
)

// Agent is the registered process identity of one managed host.
type Agent struct {
	ID              string
	AccountID       string
	InstanceID      string
	CloudInstanceID string
	Hostname        string
	Version         string

	Status        AgentStatus
	Mode          PipelineMode
	CurrentPool   Pool
	LastHeartbeat time.Time

	AutoSwitchEnabled    bool
	ManualReplicaEnabled bool
	SwitchingThreshold   float64
	CurrentReplicaID     *string

	InterruptionHandledCount int

	// ShadowMode forces the log actuator: verdicts are recorded, nothing
	// is executed.
	ShadowMode bool
}

// Instance is the managed compute unit an agent is bound to.
type Instance struct {
	ID              string
	AccountID       string
	CloudInstanceID string
	InstanceType    string
	Zone            string
	Region          string
	Lifecycle       Lifecycle
	Mode            PipelineMode
	Cluster         string
	NodeGroup       string
	RiskModelID     string
	ShadowMode      bool
}

// Account is a cloud-account handle owned by a tenant. Credential material
// (assume-role, external id) is a collaborator contract and not stored here.
type Account struct {
	ID          string
	TenantID    string
	Environment Environment
	Region      string
}
