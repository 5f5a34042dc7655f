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

// Package agent is the on-host process: it registers with the control plane,
// heartbeats, reports local spot prices, polls the command queue and watches
// the metadata service for reclaim signals. The loops are siblings under one
// errgroup; any fatal fault cancels them all.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/providers/imds"
)

// Exit codes of the agent process.
const (
	ExitOK           = 0
	ExitRegistration = 1
	ExitConfig       = 2
	ExitLoop         = 3
)

const (
	// registerRetryCap bounds the backoff while the control plane is
	// unreachable at startup.
	registerRetryCap = 60 * time.Second

	// signalDebounce suppresses re-reporting the same reclaim signal while
	// it stays raised.
	signalDebounce = 2 * time.Minute
)

// Config is the agent's local settings. Apply-config commands overlay onto
// it at runtime.
type Config struct {
	HeartbeatInterval time.Duration
	PricingInterval   time.Duration
	PollInterval      time.Duration
	SignalInterval    time.Duration
	Mode              core.PipelineMode
	Version           string
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PricingInterval:   5 * time.Minute,
		PollInterval:      10 * time.Second,
		SignalInterval:    5 * time.Second,
		Mode:              core.ModeLinear,
	}
}

// ControlPlane is the client surface the agent drives.
type ControlPlane interface {
	Register(ctx context.Context, req api.RegisterRequest) (string, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) error
	PricingReport(ctx context.Context, req api.PricingReportRequest) error
	PollCommands(ctx context.Context) ([]api.CommandEnvelope, error)
	CommandExecuted(ctx context.Context, commandID string, success bool, message string) error
	Rebalance(ctx context.Context, req api.RebalanceSignalRequest) error
	Termination(ctx context.Context, req api.TerminationSignalRequest) error
	Decide(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error)
}

// PriceScout samples local spot pricing for the report loop. Optional; a nil
// scout disables pricing reports.
type PriceScout interface {
	Observe(ctx context.Context) ([]api.SpotPool, error)
}

// Agent owns the loop state of one managed host.
type Agent struct {
	client   ControlPlane
	metadata *imds.Client
	scout    PriceScout
	executor *CommandExecutor
	clock    clock.WithTicker

	mu       sync.RWMutex
	config   Config
	identity imds.Identity
	status   core.AgentStatus

	lastSignal     core.Signal
	lastSignalSeen time.Time

	// shutdown latches the exit code requested by a shutdown command.
	shutdown     chan int
	shutdownOnce sync.Once
}

func New(client ControlPlane, metadata *imds.Client, scout PriceScout, clk clock.WithTicker, config Config) *Agent {
	a := &Agent{
		client:   client,
		metadata: metadata,
		scout:    scout,
		clock:    clk,
		config:   config,
		status:   core.AgentOnline,
		shutdown: make(chan int, 1),
	}
	a.executor = NewCommandExecutor(a)
	return a
}

// Run registers and drives the loops until ctx cancels or a shutdown command
// lands. The returned exit code follows the process contract.
func (a *Agent) Run(ctx context.Context) int {
	logger := logging.FromContext(ctx)
	if err := a.register(ctx); err != nil {
		logger.Errorf("registration failed, %s", err)
		return ExitRegistration
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, loopCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error { return a.heartbeatLoop(loopCtx) })
	group.Go(func() error { return a.pricingLoop(loopCtx) })
	group.Go(func() error { return a.commandLoop(loopCtx) })
	group.Go(func() error { return a.signalLoop(loopCtx) })

	exit := ExitOK
	select {
	case <-ctx.Done():
	case code := <-a.shutdown:
		exit = code
	}
	cancel()
	if err := group.Wait(); err != nil && ctx.Err() == nil && exit == ExitOK {
		logger.Errorf("loop failed, %s", err)
		exit = ExitLoop
	}

	// terminal heartbeat so the control plane flips us OFFLINE immediately
	// instead of waiting out three missed intervals
	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer offlineCancel()
	if err := a.client.Heartbeat(offlineCtx, a.heartbeatRequest(core.AgentOffline)); err != nil {
		logger.Debugf("terminal heartbeat failed, %s", err)
	}
	return exit
}

// register resolves host identity from the metadata service and retries
// registration with capped backoff until the control plane answers. Auth
// rejections are terminal; a wrong token never fixes itself.
func (a *Agent) register(ctx context.Context) error {
	identity, err := a.metadata.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolving host identity, %w", err)
	}
	a.mu.Lock()
	a.identity = identity
	a.mu.Unlock()

	req := api.RegisterRequest{
		Hostname:        identity.InstanceID,
		CloudInstanceID: identity.InstanceID,
		InstanceType:    identity.InstanceType,
		Region:          identity.Region,
		Zone:            identity.Zone,
		CurrentMode:     string(a.snapshotConfig().Mode),
		Version:         a.snapshotConfig().Version,
	}
	backoff := time.Second
	for {
		agentID, err := a.client.Register(ctx, req)
		if err == nil {
			logging.FromContext(ctx).With("agent-id", agentID).Infof("registered")
			return nil
		}
		if errors.IsAuth(err) || errors.IsValidation(err) || errors.IsConflict(err) {
			return err
		}
		logging.FromContext(ctx).Debugf("registration attempt failed, retrying in %s, %s", backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(backoff):
		}
		if backoff *= 2; backoff > registerRetryCap {
			backoff = registerRetryCap
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.snapshotConfig().HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if err := a.client.Heartbeat(ctx, a.heartbeatRequest(a.currentStatus())); err != nil {
			// heartbeats are last-writer-wins; a missed one is cheap, the
			// loop never dies over it
			logging.FromContext(ctx).Debugf("heartbeat failed, %s", err)
		}
	}
}

func (a *Agent) heartbeatRequest(status core.AgentStatus) api.HeartbeatRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return api.HeartbeatRequest{
		Status:          string(status),
		CloudInstanceID: a.identity.InstanceID,
		CurrentMode:     string(a.config.Mode),
		CurrentPoolID:   a.identity.Zone + ":" + a.identity.InstanceType,
	}
}

func (a *Agent) pricingLoop(ctx context.Context) error {
	if a.scout == nil {
		return nil
	}
	ticker := a.clock.NewTicker(a.snapshotConfig().PricingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		pools, err := a.scout.Observe(ctx)
		if err != nil || len(pools) == 0 {
			if err != nil {
				logging.FromContext(ctx).Debugf("price observation failed, %s", err)
			}
			continue
		}
		report := api.PricingReportRequest{
			CloudInstanceID: a.hostInstanceID(),
			Pools:           pools,
			CollectedAt:     a.clock.Now(),
		}
		if err := a.client.PricingReport(ctx, report); err != nil {
			logging.FromContext(ctx).Debugf("pricing report failed, %s", err)
		}
	}
}

func (a *Agent) commandLoop(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.snapshotConfig().PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		commands, err := a.client.PollCommands(ctx)
		if err != nil {
			logging.FromContext(ctx).Debugf("command poll failed, %s", err)
			continue
		}
		for _, cmd := range commands {
			a.executor.Execute(ctx, cmd)
		}
	}
}

// signalLoop watches the metadata service for reclaim signals. A raised
// signal is reported once per debounce window; termination beats rebalance.
func (a *Agent) signalLoop(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.snapshotConfig().SignalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		signal := a.metadata.Signal(ctx)
		if signal == core.SignalNone {
			a.lastSignal = core.SignalNone
			continue
		}
		if signal == a.lastSignal && a.clock.Since(a.lastSignalSeen) < signalDebounce {
			continue
		}
		a.lastSignal = signal
		a.lastSignalSeen = a.clock.Now()
		a.handleSignal(ctx, signal)
	}
}

// handleSignal reports the interruption and asks for an immediate decision.
// The server-side failover path runs off the signal POST; the local decision
// run covers single-instance mode where the agent itself must move.
func (a *Agent) handleSignal(ctx context.Context, signal core.Signal) {
	logger := logging.FromContext(ctx).With("signal", signal)
	a.setStatus(core.AgentSwitching)
	defer a.setStatus(core.AgentOnline)

	switch signal {
	case core.SignalTermination:
		if err := a.client.Termination(ctx, api.TerminationSignalRequest{
			CloudInstanceID: a.hostInstanceID(),
			TerminationTime: a.metadata.TerminationTime(ctx),
		}); err != nil {
			logger.Errorf("reporting termination, %s", err)
		}
	case core.SignalRebalance:
		if err := a.client.Rebalance(ctx, api.RebalanceSignalRequest{
			CloudInstanceID: a.hostInstanceID(),
			PoolID:          a.currentPoolID(),
			Urgency:         "high",
		}); err != nil {
			logger.Errorf("reporting rebalance, %s", err)
		}
	}

	decision, err := a.client.Decide(ctx, api.DecisionRequest{Mode: "test", Signal: string(signal)})
	if err != nil {
		logger.Errorf("decision request failed, %s", err)
		return
	}
	logger.With("verdict", decision.Verdict, "pool", decision.PoolID, "executed", decision.Executed).Infof("reclaim decision: %s", decision.Reason)
}

// RequestShutdown latches the exit code; the first request wins.
func (a *Agent) RequestShutdown(code int) {
	a.shutdownOnce.Do(func() {
		a.shutdown <- code
	})
}

func (a *Agent) snapshotConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

func (a *Agent) hostInstanceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity.InstanceID
}

func (a *Agent) currentPoolID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity.Zone + ":" + a.identity.InstanceType
}

func (a *Agent) currentStatus() core.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) setStatus(status core.AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}
