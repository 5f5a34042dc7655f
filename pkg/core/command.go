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
	"encoding/json"
	"fmt"
	"time"
)

type CommandKind string

const (
	CommandSwitch         CommandKind = "switch"
	CommandShutdown       CommandKind = "shutdown"
	CommandApplyConfig    CommandKind = "apply-config"
	CommandCreateReplica  CommandKind = "create-replica"
	CommandPromoteReplica CommandKind = "promote-replica"
)

func (k CommandKind) Valid() bool {
	switch k {
	case CommandSwitch, CommandShutdown, CommandApplyConfig, CommandCreateReplica, CommandPromoteReplica:
		return true
	}
	return false
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandPickedUp  CommandStatus = "picked-up"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// commandTransitions is the full state machine: PENDING -> PICKED_UP ->
// {COMPLETED | FAILED}, PENDING -> EXPIRED on timeout. Everything else is a
// conflict.
var commandTransitions = map[CommandStatus][]CommandStatus{
	CommandPending:  {CommandPickedUp, CommandExpired},
	CommandPickedUp: {CommandCompleted, CommandFailed},
}

// CanTransition reports whether from -> to is a legal command transition.
func (s CommandStatus) CanTransition(to CommandStatus) bool {
	for _, next := range commandTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s CommandStatus) Terminal() bool {
	return len(commandTransitions[s]) == 0
}

// Command is one unit of work queued for an agent.
type Command struct {
	ID          string
	AgentID     string
	Kind        CommandKind
	Payload     json.RawMessage
	Status      CommandStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	PickedUpAt  *time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

// Validate rejects malformed commands before they are queued.
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	if !c.ExpiresAt.After(c.CreatedAt) {
		return fmt.Errorf("command expiry %s not after creation %s", c.ExpiresAt, c.CreatedAt)
	}
	return nil
}

// SwitchPayload is the payload of a switch command.
type SwitchPayload struct {
	TargetType   string `json:"target-type"`
	TargetZone   string `json:"target-az"`
	TargetPoolID string `json:"target-pool-id"`
}

// PromoteReplicaPayload names the replica a promote-replica command acts on.
type PromoteReplicaPayload struct {
	ReplicaID string `json:"replica-id"`
}
