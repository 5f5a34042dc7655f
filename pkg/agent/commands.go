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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
)

// CommandExecutor runs queued commands on the host and reports the outcome.
// Every command gets exactly one executed report, success or not.
type CommandExecutor struct {
	agent *Agent
}

func NewCommandExecutor(agent *Agent) *CommandExecutor {
	return &CommandExecutor{agent: agent}
}

func (e *CommandExecutor) Execute(ctx context.Context, cmd api.CommandEnvelope) {
	logger := logging.FromContext(ctx).With("command-id", cmd.ID, "kind", cmd.Kind)
	message, err := e.run(ctx, cmd)
	success := err == nil
	if err != nil {
		message = err.Error()
		logger.Errorf("command failed, %s", err)
	} else {
		logger.Infof("command done: %s", message)
	}
	if reportErr := e.agent.client.CommandExecuted(ctx, cmd.ID, success, message); reportErr != nil {
		logger.Errorf("reporting command outcome, %s", reportErr)
	}
}

func (e *CommandExecutor) run(ctx context.Context, cmd api.CommandEnvelope) (string, error) {
	switch cmd.Kind {
	case core.CommandSwitch:
		return e.runSwitch(ctx, cmd.Payload)
	case core.CommandShutdown:
		e.agent.RequestShutdown(ExitOK)
		return "shutting down", nil
	case core.CommandApplyConfig:
		return e.applyConfig(cmd.Payload)
	case core.CommandCreateReplica:
		// launch happens server-side; the ack completes the handshake
		return "replica creation acknowledged", nil
	case core.CommandPromoteReplica:
		return e.acceptPromotion(cmd.Payload)
	default:
		return "", fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// runSwitch asks the control plane for a fresh decision and lets its
// actuator carry the move out. The command payload's target is advisory
// here; the pipeline re-validates it against current prices and risk.
func (e *CommandExecutor) runSwitch(ctx context.Context, payload json.RawMessage) (string, error) {
	var target core.SwitchPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &target); err != nil {
			return "", fmt.Errorf("decoding switch payload, %w", err)
		}
	}
	e.agent.setStatus(core.AgentSwitching)
	defer e.agent.setStatus(core.AgentOnline)
	decision, err := e.agent.client.Decide(ctx, api.DecisionRequest{Mode: "test"})
	if err != nil {
		return "", fmt.Errorf("requesting switch decision, %w", err)
	}
	return fmt.Sprintf("verdict %s pool %s executed %t: %s", decision.Verdict, decision.PoolID, decision.Executed, decision.Reason), nil
}

// applyConfig overlays the payload onto the local config. Unknown keys are
// ignored so older agents survive newer server payloads.
func (e *CommandExecutor) applyConfig(payload json.RawMessage) (string, error) {
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(payload, &overlay); err != nil {
		return "", fmt.Errorf("decoding config overlay, %w", err)
	}
	e.agent.mu.Lock()
	defer e.agent.mu.Unlock()
	applied := 0
	for key, raw := range overlay {
		switch key {
		case "heartbeat-interval":
			if d, ok := decodeDuration(raw); ok {
				e.agent.config.HeartbeatInterval = d
				applied++
			}
		case "pricing-interval":
			if d, ok := decodeDuration(raw); ok {
				e.agent.config.PricingInterval = d
				applied++
			}
		case "poll-interval":
			if d, ok := decodeDuration(raw); ok {
				e.agent.config.PollInterval = d
				applied++
			}
		case "signal-interval":
			if d, ok := decodeDuration(raw); ok {
				e.agent.config.SignalInterval = d
				applied++
			}
		case "mode":
			var mode string
			if json.Unmarshal(raw, &mode) == nil {
				e.agent.config.Mode = core.PipelineMode(mode)
				applied++
			}
		}
	}
	return fmt.Sprintf("applied %d of %d keys", applied, len(overlay)), nil
}

// acceptPromotion flips the agent through FAILOVER while the control plane
// rewires the primary. Idempotent; repeated promotes for the same replica
// re-ack harmlessly.
func (e *CommandExecutor) acceptPromotion(payload json.RawMessage) (string, error) {
	var promote core.PromoteReplicaPayload
	if err := json.Unmarshal(payload, &promote); err != nil {
		return "", fmt.Errorf("decoding promote payload, %w", err)
	}
	e.agent.setStatus(core.AgentFailover)
	defer e.agent.setStatus(core.AgentOnline)
	return fmt.Sprintf("promotion of replica %s accepted", promote.ReplicaID), nil
}

func decodeDuration(raw json.RawMessage) (time.Duration, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, false
	}
	d, err := time.ParseDuration(text)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
