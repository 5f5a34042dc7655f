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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/storage"
)

// handleRegister binds a pre-provisioned client token to an agent identity.
// Idempotent on (token, cloud-instance-id): retries get the same agent-id
// back with a 200.
func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	token := bearerToken(req)
	if token == "" {
		s.respondError(ctx, w, errors.Auth("missing client token"))
		return
	}
	var body api.RegisterRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	pool, err := core.NewPool(body.InstanceType, body.Zone)
	if err != nil {
		s.respondError(ctx, w, errors.Validation("bad pool coordinates, %s", err))
		return
	}

	if existing, err := s.store.Agents.GetByToken(ctx, token); err == nil {
		if existing.CloudInstanceID != body.CloudInstanceID {
			s.respondError(ctx, w, errors.Conflict("token already bound to another instance"))
			return
		}
		s.respond(ctx, w, http.StatusOK, api.RegisterResponse{AgentID: existing.ID})
		return
	}

	now := s.clock.Now()
	mode := core.PipelineMode(body.CurrentMode)
	if mode == "" {
		mode = core.ModeLinear
	}
	inst := core.Instance{
		ID:              uuid.NewString(),
		AccountID:       s.accountID,
		CloudInstanceID: body.CloudInstanceID,
		InstanceType:    body.InstanceType,
		Zone:            body.Zone,
		Region:          body.Region,
		Lifecycle:       core.LifecycleSpot,
		Mode:            mode,
	}
	if err := s.store.Instances.Upsert(ctx, inst, now); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	stored, err := s.store.Instances.GetByCloudID(ctx, body.CloudInstanceID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	agent := &core.Agent{
		ID:                 uuid.NewString(),
		AccountID:          s.accountID,
		InstanceID:         stored.ID,
		CloudInstanceID:    body.CloudInstanceID,
		Hostname:           body.Hostname,
		Version:            body.Version,
		Status:             core.AgentOnline,
		Mode:               mode,
		CurrentPool:        pool,
		LastHeartbeat:      now,
		AutoSwitchEnabled:  true,
		SwitchingThreshold: pipeline.DefaultThresholds().MaxCrashProbability,
	}
	if err := s.store.Agents.Create(ctx, agent, token); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	AgentsRegistered.Inc()
	logging.FromContext(ctx).With("agent-id", agent.ID, "pool", pool.ID()).Infof("registered agent")
	s.respond(ctx, w, http.StatusCreated, api.RegisterResponse{AgentID: agent.ID})
}

// handleHeartbeat is last-writer-wins; replays are harmless.
func (s *Server) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.HeartbeatRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	pool := agent.CurrentPool
	if body.CurrentPoolID != "" {
		parsed, err := core.ParsePoolID(body.CurrentPoolID)
		if err != nil {
			s.respondError(ctx, w, errors.Validation("bad pool id %q, %s", body.CurrentPoolID, err))
			return
		}
		pool = parsed
	}
	mode := agent.Mode
	if body.CurrentMode != "" {
		mode = core.PipelineMode(body.CurrentMode)
	}
	if err := s.store.Agents.Heartbeat(ctx, agent.ID, core.AgentStatus(body.Status), mode, pool, s.clock.Now()); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, nil)
}

// handlePricingReport lands agent price observations through the shared
// ingest path. Replays dedupe inside the clean tier; the raw tier keeps
// every arrival.
func (s *Server) handlePricingReport(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.PricingReportRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	if body.CloudInstanceID != agent.CloudInstanceID {
		s.respondError(ctx, w, errors.Validation("report instance %s does not match agent", body.CloudInstanceID))
		return
	}
	snapshots := make([]core.PricingSnapshot, 0, len(body.Pools))
	for _, reported := range body.Pools {
		pool, err := core.NewPool(reported.InstanceType, reported.Zone)
		if err != nil {
			s.respondError(ctx, w, errors.Validation("bad pool in report, %s", err))
			return
		}
		snapshots = append(snapshots, core.NewSnapshot(pool, reported.SpotPrice, reported.OnDemandPrice, core.PricingSourceAgent, core.ConfidenceAgent, body.CollectedAt))
	}
	if err := s.sink.Ingest(ctx, snapshots); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	PricingReports.Inc()
	s.respond(ctx, w, http.StatusOK, nil)
}

// handleCommandsPoll claims the next pending command for the agent. Claiming
// is atomic; two concurrent polls never hand out the same command.
func (s *Server) handleCommandsPoll(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	cmd, err := s.store.Commands.PickUpNext(ctx, agent.ID, s.clock.Now())
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	if cmd == nil {
		s.respond(ctx, w, http.StatusOK, []api.CommandEnvelope{})
		return
	}
	s.respond(ctx, w, http.StatusOK, []api.CommandEnvelope{{
		ID:        cmd.ID,
		Kind:      cmd.Kind,
		Payload:   cmd.Payload,
		ExpiresAt: cmd.ExpiresAt,
	}})
}

// handleCommandExecuted finalizes a picked-up command. The transition is
// monotonic, so a client retry of the same outcome reads as a conflict and
// collapses to 200.
func (s *Server) handleCommandExecuted(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	commandID := chi.URLParam(req, "command")
	var body api.CommandExecutedRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	cmd, err := s.store.Commands.Get(ctx, commandID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	if cmd.AgentID != agent.ID {
		s.respondError(ctx, w, errors.NotFound("no command %s for agent", commandID))
		return
	}
	if cmd.Status.Terminal() {
		s.respond(ctx, w, http.StatusOK, nil)
		return
	}
	if err := s.store.Commands.MarkResult(ctx, commandID, body.Success, body.Message, s.clock.Now()); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	CommandsFinalized.WithLabelValues(outcomeLabelValue(body.Success)).Inc()
	s.respond(ctx, w, http.StatusOK, nil)
}

func outcomeLabelValue(success bool) string {
	if success {
		return "completed"
	}
	return "failed"
}

// handleRebalance records the herd-immunity event and nudges the replica
// coordinator. The event write never blocks the response.
func (s *Server) handleRebalance(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.RebalanceSignalRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	pool, err := core.ParsePoolID(body.PoolID)
	if err != nil {
		s.respondError(ctx, w, errors.Validation("bad pool id %q, %s", body.PoolID, err))
		return
	}
	account, err := s.store.Accounts.Get(ctx, agent.AccountID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.tracker.RegisterEvent(ctx, pool, core.RiskEventRebalance, account.TenantID, account.Environment, map[string]string{
		"cloud-instance-id": body.CloudInstanceID,
		"urgency":           body.Urgency,
	})
	if err := s.coordinator.HandleRebalance(ctx, agent.ID); err != nil {
		logging.FromContext(ctx).Errorf("rebalance standby, %s", err)
	}
	s.respond(ctx, w, http.StatusOK, nil)
}

// handleTermination records the event and triggers failover promotion.
func (s *Server) handleTermination(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.TerminationSignalRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	account, err := s.store.Accounts.Get(ctx, agent.AccountID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	metadata := map[string]string{"cloud-instance-id": body.CloudInstanceID}
	if !body.TerminationTime.IsZero() {
		metadata["termination-time"] = body.TerminationTime.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	s.tracker.RegisterEvent(ctx, agent.CurrentPool, core.RiskEventTermination, account.TenantID, account.Environment, metadata)
	if err := s.coordinator.HandleTermination(ctx, agent.ID); err != nil {
		logging.FromContext(ctx).Errorf("termination failover, %s", err)
	}
	s.respond(ctx, w, http.StatusOK, nil)
}

func (s *Server) handleReplicasList(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	alive, err := s.store.Replicas.AliveForAgent(ctx, agent.ID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, lo.Map(alive, func(rep *core.Replica, _ int) api.ReplicaView {
		return replicaView(rep)
	}))
}

func (s *Server) handleReplicaCreate(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.CreateReplicaRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	rep, err := s.coordinator.CreateReplica(ctx, agent.ID, body.PoolID, "api")
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, replicaView(rep))
}

func (s *Server) handleReplicaPromote(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	if err := s.coordinator.Promote(ctx, agent, chi.URLParam(req, "replica")); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, nil)
}

// handleDecision runs the pipeline for the agent's instance and returns the
// verdict with its audit trail.
func (s *Server) handleDecision(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	agent := agentFrom(ctx)
	var body api.DecisionRequest
	if err := s.decode(req, &body); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	mode := core.ModeLinear
	if body.Mode == "k8s" {
		mode = core.ModeKubernetes
	}
	decider, ok := s.deciders[mode]
	if !ok {
		s.respondError(ctx, w, errors.Validation("no pipeline wired for mode %s", mode))
		return
	}
	input := pipeline.Input{
		Mode:            mode,
		Region:          agent.CurrentPool.Region(),
		Current:         &agent.CurrentPool,
		CloudInstanceID: agent.CloudInstanceID,
		AgentID:         agent.ID,
		Signal:          core.Signal(body.Signal),
		Shadow:          agent.ShadowMode,
	}
	if body.Workload != nil {
		input.Workload = &pipeline.Workload{
			VCPU:         body.Workload.VCPU,
			MemoryGiB:    body.Workload.MemoryGiB,
			Architecture: body.Workload.Architecture,
			MinVCPU:      body.Workload.MinVCPU,
			MaxVCPU:      body.Workload.MaxVCPU,
		}
	} else if mode == core.ModeKubernetes {
		s.respondError(ctx, w, errors.Validation("k8s mode requires a workload requirement"))
		return
	}
	decision := decider.Run(ctx, input)
	if !decision.Executed && !agent.ShadowMode &&
		(decision.Verdict == core.VerdictDrain || decision.Verdict == core.VerdictEvacuate) {
		s.recordIncident(ctx, agent, decision)
	}
	resp := api.DecisionResponse{
		Verdict:  decision.Verdict,
		Reason:   decision.Reason,
		Trace:    decision.Trace,
		Executed: decision.Executed,
	}
	if decision.Selected != nil {
		resp.PoolID = decision.Selected.Pool.ID()
	}
	s.respond(ctx, w, http.StatusOK, resp)
}

// recordIncident keeps an audit row for interruption verdicts the actuator
// could not carry out. Best effort; the verdict still goes back to the agent.
func (s *Server) recordIncident(ctx context.Context, agent *core.Agent, decision core.Decision) {
	detail, err := json.Marshal(decision.Trace)
	if err != nil {
		detail = []byte("[]")
	}
	if err := s.store.Incidents.Record(ctx, storage.Incident{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		PoolID:    agent.CurrentPool.ID(),
		Kind:      fmt.Sprintf("%s-not-executed", strings.ToLower(string(decision.Verdict))),
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		logging.FromContext(ctx).Errorf("recording incident, %s", err)
	}
}

func replicaView(rep *core.Replica) api.ReplicaView {
	return api.ReplicaView{
		ID:           rep.ID,
		PoolID:       rep.Pool.ID(),
		Status:       rep.Status,
		Type:         rep.Type,
		SyncProgress: rep.SyncProgress,
		HourlyCost:   rep.HourlyCost,
		Active:       rep.Active,
		PromotedAt:   rep.PromotedAt,
	}
}
