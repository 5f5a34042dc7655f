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

// Package pipeline runs the staged decision engine. A run flows one Context
// through an ordered stage list; stages enrich candidates, filter them with
// reasons, and finally decide a verdict. Stage faults are trapped so a run
// always produces a decision, worst case STAY with the aggregated reasons.
package pipeline

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
)

// Workload is the K8s-mode input requirement.
type Workload struct {
	VCPU         int
	MemoryGiB    float64
	Architecture string
	// MinVCPU enables the right-sizing expander.
	MinVCPU int
	// MaxVCPU caps candidate size when set.
	MaxVCPU int
}

// Input is the request a pipeline run decides over. Mode selects the input
// adapter: ModeLinear evaluates the single current instance, ModeKubernetes
// enumerates every pool in region that fits the workload.
type Input struct {
	Mode            core.PipelineMode
	Region          string
	Current         *core.Pool
	CloudInstanceID string
	AgentID         string
	NodeName        string
	Workload        *Workload
	// Signal is the reclaim signal the caller observed on the host. It takes
	// precedence over the pipeline's own signal source; the zero value defers.
	Signal core.Signal
	// Shadow forces the log actuator: the verdict is recorded, not executed.
	Shadow bool
}

// Context is the mutable state shared by the stages of one run. It never
// outlives the run; stages must not capture it.
type Context struct {
	Input      Input
	Candidates []*core.Candidate
	Signal     core.Signal

	Verdict  core.Verdict
	Selected *core.Candidate
	Reason   string
	Trace    []core.TraceEntry
	Executed bool
}

// Current returns the candidate matching the input's current pool, nil when
// the input has none or it was never enumerated.
func (c *Context) Current() *core.Candidate {
	if c.Input.Current == nil {
		return nil
	}
	for _, cand := range c.Candidates {
		if cand.Pool == *c.Input.Current {
			return cand
		}
	}
	return nil
}

// Tracef appends a detail entry for the stage currently running.
func (c *Context) Tracef(stage, format string, args ...interface{}) {
	c.Trace = append(c.Trace, core.TraceEntry{Stage: stage, Detail: fmt.Sprintf(format, args...)})
}

// Thresholds are the configured pipeline limits.
type Thresholds struct {
	// MaxCrashProbability filters candidates strictly above it; equality
	// passes.
	MaxCrashProbability float64
	// MaxHistoricInterruptRate filters candidates at or above it.
	MaxHistoricInterruptRate float64
	// RightsizeMultiplier bounds upsize candidates relative to the request.
	RightsizeMultiplier float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCrashProbability:      0.85,
		MaxHistoricInterruptRate: 0.20,
		RightsizeMultiplier:      2.0,
	}
}

// Stage is one pass over the run context. Stages mutate the context in
// place; returning an error tags the trace but never aborts the run.
type Stage interface {
	Name() string
	Run(ctx context.Context, pctx *Context) error
}

// Pipeline executes a fixed stage sequence. The sequence is assembled once
// at wiring time; a given pipeline instance always runs the same stages in
// the same order, which is what makes verdicts reproducible.
type Pipeline struct {
	stages []Stage
	clock  clock.Clock
}

func New(clk clock.Clock, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, clock: clk}
}

// Run executes every stage over a fresh context and returns the decision.
// The returned error carries only trapped stage faults for observability;
// a decision is produced regardless.
func (p *Pipeline) Run(ctx context.Context, input Input) core.Decision {
	pctx := &Context{
		Input:   input,
		Signal:  core.SignalNone,
		Verdict: core.VerdictStay,
	}
	runStart := p.clock.Now()
	for _, stage := range p.stages {
		start := p.clock.Now()
		err := stage.Run(ctx, pctx)
		entry := core.TraceEntry{
			Stage:   stage.Name(),
			Elapsed: p.clock.Since(start).String(),
		}
		if err != nil {
			entry.Err = err.Error()
			logging.FromContext(ctx).With("stage", stage.Name()).Errorf("stage failed, %s", err)
			StageErrors.With(prometheus.Labels{stageLabel: stage.Name()}).Inc()
		}
		pctx.Trace = append(pctx.Trace, entry)
	}

	decision := core.Decision{
		Verdict:  pctx.Verdict,
		Selected: pctx.Selected,
		Reason:   pctx.Reason,
		Trace:    pctx.Trace,
		Executed: pctx.Executed,
	}
	DecisionLatency.Observe(p.clock.Since(runStart).Seconds())
	Decisions.With(prometheus.Labels{verdictLabel: string(decision.Verdict), modeLabel: string(input.Mode)}).Inc()
	return decision
}
