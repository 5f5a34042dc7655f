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

package stages

import (
	"context"
	"fmt"
	"time"

	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/providers/instance"
)

// Executor applies a verdict to the world. Implementations report success
// through the returned error; the verdict itself is never altered.
type Executor interface {
	Execute(ctx context.Context, pctx *pipeline.Context) error
}

// Actuator is the pipeline's output stage. Shadow-mode inputs always route
// to the log executor regardless of the wired one; a failed execution tags
// the trace and leaves the verdict standing.
type Actuator struct {
	executor Executor
	log      *LogExecutor
}

func NewActuator(executor Executor) *Actuator {
	return &Actuator{executor: executor, log: NewLogExecutor()}
}

func (s *Actuator) Name() string { return "actuator" }

func (s *Actuator) Run(ctx context.Context, pctx *pipeline.Context) error {
	executor := s.executor
	if pctx.Input.Shadow {
		executor = s.log
	}
	if err := executor.Execute(ctx, pctx); err != nil {
		pctx.Executed = false
		return errors.WithKind(errors.KindExecutionFailure, err)
	}
	pctx.Executed = true
	return nil
}

// LogExecutor records the intended action and touches nothing. It serves
// shadow mode and server-side what-if runs.
type LogExecutor struct{}

func NewLogExecutor() *LogExecutor { return &LogExecutor{} }

func (e *LogExecutor) Execute(ctx context.Context, pctx *pipeline.Context) error {
	selected := "none"
	if pctx.Selected != nil {
		selected = pctx.Selected.Pool.ID()
	}
	logging.FromContext(ctx).With(
		"verdict", pctx.Verdict,
		"selected", selected,
		"reason", pctx.Reason).Infof("recorded decision without executing")
	return nil
}

// SingleInstanceExecutor applies the verdict directly against the cloud API:
// launch the target, wait until it runs, then release the old box. Switches
// are serialized per instance; a second verdict against the same host waits
// its turn.
type SingleInstanceExecutor struct {
	instances    instance.Provider
	readyTimeout time.Duration
}

func NewSingleInstanceExecutor(instances instance.Provider, readyTimeout time.Duration) *SingleInstanceExecutor {
	return &SingleInstanceExecutor{instances: instances, readyTimeout: readyTimeout}
}

func (e *SingleInstanceExecutor) Execute(ctx context.Context, pctx *pipeline.Context) error {
	switch pctx.Verdict {
	case core.VerdictStay:
		return nil
	case core.VerdictSwitch, core.VerdictDrain, core.VerdictEvacuate:
	default:
		return fmt.Errorf("unknown verdict %q", pctx.Verdict)
	}
	if pctx.Selected == nil {
		// an evacuation with no surviving target: release the box, the
		// replica coordinator owns recovery
		if pctx.Verdict == core.VerdictEvacuate && pctx.Input.CloudInstanceID != "" {
			return e.instances.Terminate(ctx, pctx.Input.CloudInstanceID)
		}
		return fmt.Errorf("no target selected for %s", pctx.Verdict)
	}
	if pctx.Input.CloudInstanceID == "" {
		return fmt.Errorf("no current instance to switch from")
	}

	release := e.instances.Serialize(pctx.Input.CloudInstanceID)
	defer release()

	launched, err := e.instances.Launch(ctx, pctx.Selected.Pool, map[string]string{
		"spotherd.io/replaces": pctx.Input.CloudInstanceID,
	})
	if err != nil {
		return fmt.Errorf("launching replacement, %w", err)
	}
	if err := e.instances.WaitRunning(ctx, launched.CloudInstanceID, e.readyTimeout); err != nil {
		// roll back: never hold two instances for one workload
		if terminateErr := e.instances.Terminate(ctx, launched.CloudInstanceID); terminateErr != nil {
			logging.FromContext(ctx).Errorf("rolling back partial launch %s, %s", launched.CloudInstanceID, terminateErr)
		}
		return fmt.Errorf("waiting for replacement %s, %w", launched.CloudInstanceID, err)
	}
	if err := e.instances.Terminate(ctx, pctx.Input.CloudInstanceID); err != nil {
		return fmt.Errorf("releasing old instance, %w", err)
	}
	return nil
}

// NodeSwitcher is the atomic-switch surface the Kubernetes executor drives.
type NodeSwitcher interface {
	Switch(ctx context.Context, nodeName, cloudInstanceID string, target core.Pool) error
}

// KubernetesExecutor hands the verdict to the atomic switch so cluster
// capacity holds through the move.
type KubernetesExecutor struct {
	switcher NodeSwitcher
}

func NewKubernetesExecutor(switcher NodeSwitcher) *KubernetesExecutor {
	return &KubernetesExecutor{switcher: switcher}
}

func (e *KubernetesExecutor) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.Verdict == core.VerdictStay {
		return nil
	}
	if pctx.Selected == nil {
		return fmt.Errorf("no target selected for %s", pctx.Verdict)
	}
	if pctx.Input.NodeName == "" || pctx.Input.CloudInstanceID == "" {
		return fmt.Errorf("kubernetes execution requires node identity")
	}
	return e.switcher.Switch(ctx, pctx.Input.NodeName, pctx.Input.CloudInstanceID, pctx.Selected.Pool)
}
