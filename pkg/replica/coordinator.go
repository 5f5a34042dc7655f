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

// Package replica keeps warm standbys for interruption failover. A standby
// mirrors its primary in a different pool; on a termination notice the
// coordinator promotes the best one instead of waiting out a cold relaunch.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/providers/instance"
	"github.com/spotherd/spotherd/pkg/providers/instancetype"
	"github.com/spotherd/spotherd/pkg/storage"
)

const (
	// TickInterval is the coordinator's reconcile cadence.
	TickInterval = 10 * time.Second

	// RecoveryWindow bounds how long an automatic standby outlives the
	// rebalance signal that raised it before it is reclaimed.
	RecoveryWindow = 2 * time.Hour

	// PromoteSyncFloor is the default gate on promoting a SYNCING standby
	// under a termination notice; progress must be strictly above it.
	PromoteSyncFloor = 0.5

	// commandTTL bounds how long a queued promote command stays actionable.
	commandTTL = 5 * time.Minute
)

// PoolSafety gates standby placement on the shared risk ledger.
type PoolSafety interface {
	IsPoolSafe(ctx context.Context, poolID string) (bool, []core.RiskEvent, error)
}

// Pricer resolves the current price of a pool.
type Pricer interface {
	PriceFor(ctx context.Context, pool core.Pool) (core.PricingSnapshot, error)
}

// Hardware exposes instance type shapes and the discoverable pool universe.
type Hardware interface {
	Get(ctx context.Context, instanceType string) (instancetype.Info, error)
	Pools(ctx context.Context) ([]core.Pool, error)
}

// Coordinator reconciles standby replicas against agent settings and live
// interruption signals.
type Coordinator struct {
	agents   *storage.AgentStore
	replicas *storage.ReplicaStore
	commands *storage.CommandStore
	cloud    instance.Provider
	hardware Hardware
	pricing  Pricer
	safety   PoolSafety
	clock    clock.Clock

	promoteFloor float64
}

func NewCoordinator(store *storage.Client, cloud instance.Provider, hardware Hardware, pricing Pricer, safety PoolSafety, clk clock.Clock, promoteFloor float64) *Coordinator {
	return &Coordinator{
		agents:       store.Agents,
		replicas:     store.Replicas,
		commands:     store.Commands,
		cloud:        cloud,
		hardware:     hardware,
		pricing:      pricing,
		safety:       safety,
		clock:        clk,
		promoteFloor: promoteFloor,
	}
}

// Tick is one reconcile pass: converge every manual-mode agent on exactly one
// live standby and reclaim automatic standbys whose recovery window lapsed.
func (c *Coordinator) Tick(ctx context.Context) error {
	agents, err := c.agents.List(ctx)
	if err != nil {
		return fmt.Errorf("listing agents, %w", err)
	}
	var errs error
	for _, agent := range agents {
		if agent.Status != core.AgentOnline || !agent.ManualReplicaEnabled {
			continue
		}
		errs = multierr.Append(errs, c.ensureManualStandby(ctx, agent))
	}

	expired, err := c.replicas.ExpiredAutomatic(ctx, c.clock.Now().Add(-RecoveryWindow))
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("listing expired standbys, %w", err))
	}
	for _, rep := range expired {
		errs = multierr.Append(errs, c.reclaim(ctx, rep, "recovery window lapsed"))
	}
	return errs
}

// HandleRebalance raises an emergency standby for the agent unless one is
// already alive. Best effort; the rebalance signal itself is already recorded.
func (c *Coordinator) HandleRebalance(ctx context.Context, agentID string) error {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if !agent.AutoSwitchEnabled && !agent.ManualReplicaEnabled {
		return nil
	}
	alive, err := c.replicas.AliveForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if len(alive) > 0 {
		return nil
	}
	_, err = c.createStandby(ctx, agent, core.ReplicaAutoRebalance, "coordinator")
	return err
}

// HandleTermination promotes the agent's best standby under a two-minute
// termination notice. READY wins; a SYNCING standby above the sync floor is
// the fallback; with nothing alive an emergency standby is raised and
// promoted cold, best effort.
func (c *Coordinator) HandleTermination(ctx context.Context, agentID string) error {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	alive, err := c.replicas.AliveForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	candidate := pickPromotable(alive, c.promoteFloor)
	if candidate == nil {
		// nothing warm; cold emergency launch is strictly better than
		// losing the workload with the instance
		rep, err := c.createStandby(ctx, agent, core.ReplicaAutoRebalance, "coordinator-emergency")
		if err != nil {
			return fmt.Errorf("emergency standby for %s, %w", agentID, err)
		}
		// a cold standby has no data yet, but the primary is gone in two
		// minutes either way; promotion is only legal from SYNCING up
		if err := c.replicas.Transition(ctx, rep.ID, core.ReplicaLaunching, core.ReplicaSyncing); err != nil {
			return err
		}
		candidate = rep
	}
	return c.Promote(ctx, agent, candidate.ID)
}

// Promote flips the agent over to the standby. Idempotent; promoting an
// already promoted replica is a no-op.
func (c *Coordinator) Promote(ctx context.Context, agent *core.Agent, replicaID string) error {
	rep, err := c.replicas.Get(ctx, replicaID)
	if err != nil {
		return err
	}
	if rep.AgentID != agent.ID {
		return errors.Validation("replica %s does not belong to agent %s", replicaID, agent.ID)
	}
	if rep.Status == core.ReplicaPromoted {
		return nil
	}
	if !rep.Status.CanTransition(core.ReplicaPromoted) {
		return errors.Conflict("replica %s is %s, not promotable", replicaID, rep.Status)
	}
	now := c.clock.Now()
	if err := c.replicas.MarkPromoted(ctx, replicaID, now); err != nil {
		return err
	}
	if err := c.agents.SetCurrentReplica(ctx, agent.ID, &replicaID); err != nil {
		return err
	}
	if err := c.agents.IncrementInterruptionHandled(ctx, agent.ID); err != nil {
		return err
	}
	payload, _ := json.Marshal(core.PromoteReplicaPayload{ReplicaID: replicaID})
	if err := c.commands.Enqueue(ctx, &core.Command{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Kind:      core.CommandPromoteReplica,
		Payload:   payload,
		Status:    core.CommandPending,
		CreatedAt: now,
		ExpiresAt: now.Add(commandTTL),
	}); err != nil {
		return fmt.Errorf("queuing promote command, %w", err)
	}
	Promotions.Inc()
	logging.FromContext(ctx).With("agent-id", agent.ID, "replica-id", replicaID, "pool", rep.Pool.ID()).Infof("promoted standby")

	// manual mode wants a fresh standby behind the new primary
	if agent.ManualReplicaEnabled {
		if _, err := c.createStandby(ctx, agent, core.ReplicaManual, "coordinator"); err != nil {
			logging.FromContext(ctx).With("agent-id", agent.ID).Errorf("recreating manual standby, %s", err)
		}
	}
	return nil
}

// CreateReplica raises a standby on an operator's or agent's request. An
// explicit pool must pass the safety gate; without one the coordinator places
// the standby itself.
func (c *Coordinator) CreateReplica(ctx context.Context, agentID, poolID, createdBy string) (*core.Replica, error) {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if poolID == "" {
		return c.createStandby(ctx, agent, core.ReplicaManual, createdBy)
	}
	pool, err := core.ParsePoolID(poolID)
	if err != nil {
		return nil, errors.Validation("bad pool id %q, %s", poolID, err)
	}
	safe, events, err := c.safety.IsPoolSafe(ctx, pool.ID())
	if err != nil {
		return nil, err
	}
	if !safe {
		return nil, errors.SafetyAbort("pool %s has %d active risk events", pool.ID(), len(events))
	}
	price := 0.0
	if snapshot, err := c.pricing.PriceFor(ctx, pool); err == nil {
		price = snapshot.SpotPrice
	}
	return c.launchStandby(ctx, agent, pool, price, core.ReplicaManual, createdBy)
}

// ensureManualStandby converges on exactly one live manual standby: none
// alive creates one, more than one keeps the newest and reclaims the rest.
func (c *Coordinator) ensureManualStandby(ctx context.Context, agent *core.Agent) error {
	alive, err := c.replicas.AliveForAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	if len(alive) == 0 {
		_, err := c.createStandby(ctx, agent, core.ReplicaManual, "coordinator")
		return err
	}
	if len(alive) == 1 {
		return nil
	}
	// AliveForAgent is oldest first; the newest standby survives
	var errs error
	for _, rep := range alive[:len(alive)-1] {
		errs = multierr.Append(errs, c.reclaim(ctx, rep, "superseded by newer standby"))
	}
	return errs
}

func (c *Coordinator) createStandby(ctx context.Context, agent *core.Agent, typ core.ReplicaType, createdBy string) (*core.Replica, error) {
	pool, price, err := c.placement(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("placing standby for %s, %w", agent.ID, err)
	}
	return c.launchStandby(ctx, agent, pool, price, typ, createdBy)
}

func (c *Coordinator) launchStandby(ctx context.Context, agent *core.Agent, pool core.Pool, price float64, typ core.ReplicaType, createdBy string) (*core.Replica, error) {
	rep := &core.Replica{
		ID:             uuid.NewString(),
		AgentID:        agent.ID,
		ParentInstance: agent.InstanceID,
		Pool:           pool,
		Status:         core.ReplicaLaunching,
		Type:           typ,
		CreatedBy:      createdBy,
		Active:         true,
		CreatedAt:      c.clock.Now(),
	}
	if err := c.replicas.Create(ctx, rep); err != nil {
		return nil, err
	}
	launched, err := c.cloud.Launch(ctx, pool, map[string]string{
		"spotherd.io/replica-of": agent.CloudInstanceID,
	})
	if err != nil {
		if markErr := c.replicas.Transition(ctx, rep.ID, core.ReplicaLaunching, core.ReplicaFailed); markErr != nil {
			err = multierr.Append(err, markErr)
		}
		return nil, fmt.Errorf("launching standby in %s, %w", pool.ID(), err)
	}
	if err := c.replicas.SetCloudInstance(ctx, rep.ID, launched.CloudInstanceID, price); err != nil {
		return nil, err
	}
	rep.CloudInstanceID = launched.CloudInstanceID
	rep.HourlyCost = price
	ReplicasCreated.WithLabelValues(string(typ)).Inc()
	logging.FromContext(ctx).With("agent-id", agent.ID, "replica-id", rep.ID, "pool", pool.ID()).Infof("launched standby")
	return rep, nil
}

// placement picks the cheapest safe pool that matches the primary's hardware
// and is not the pool the primary already sits in.
func (c *Coordinator) placement(ctx context.Context, agent *core.Agent) (core.Pool, float64, error) {
	shape, err := c.hardware.Get(ctx, agent.CurrentPool.InstanceType)
	if err != nil {
		return core.Pool{}, 0, err
	}
	pools, err := c.hardware.Pools(ctx)
	if err != nil {
		return core.Pool{}, 0, err
	}
	region := agent.CurrentPool.Region()

	best := core.Pool{}
	bestPrice := 0.0
	for _, pool := range pools {
		if pool.ID() == agent.CurrentPool.ID() || pool.Region() != region {
			continue
		}
		candidate, err := c.hardware.Get(ctx, pool.InstanceType)
		if err != nil || candidate.Architecture != shape.Architecture || candidate.VCPU < shape.VCPU || candidate.MemoryGiB < shape.MemoryGiB {
			continue
		}
		safe, _, err := c.safety.IsPoolSafe(ctx, pool.ID())
		if err != nil || !safe {
			continue
		}
		snapshot, err := c.pricing.PriceFor(ctx, pool)
		if err != nil {
			continue
		}
		if best == (core.Pool{}) || snapshot.SpotPrice < bestPrice {
			best, bestPrice = pool, snapshot.SpotPrice
		}
	}
	if best == (core.Pool{}) {
		return core.Pool{}, 0, errors.DataGap("no safe priced pool matches %s for agent %s", agent.CurrentPool.InstanceType, agent.ID)
	}
	return best, bestPrice, nil
}

// reclaim terminates a standby's instance and retires its record.
func (c *Coordinator) reclaim(ctx context.Context, rep *core.Replica, reason string) error {
	if rep.CloudInstanceID != "" {
		if err := c.cloud.Terminate(ctx, rep.CloudInstanceID); err != nil {
			return fmt.Errorf("terminating standby %s, %w", rep.ID, err)
		}
	}
	if err := c.replicas.Transition(ctx, rep.ID, rep.Status, core.ReplicaTerminated); err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}
	ReplicasReclaimed.Inc()
	logging.FromContext(ctx).With("replica-id", rep.ID, "reason", reason).Debugf("reclaimed standby")
	return nil
}

// pickPromotable prefers READY standbys, newest first, then SYNCING ones far
// enough along to be worth the flip.
func pickPromotable(alive []*core.Replica, floor float64) *core.Replica {
	ready := lo.Filter(alive, func(r *core.Replica, _ int) bool { return r.Status == core.ReplicaReady })
	if len(ready) > 0 {
		return ready[len(ready)-1]
	}
	syncing := lo.Filter(alive, func(r *core.Replica, _ int) bool {
		return r.Status == core.ReplicaSyncing && r.SyncProgress > floor
	})
	if len(syncing) > 0 {
		return syncing[len(syncing)-1]
	}
	return nil
}
