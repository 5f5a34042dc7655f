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

// Signal is an AWS interruption advisory observed by the agent or the feed.
// Signals are advisory and may never be false positives: a missing or timed
// out metadata fetch always maps to SignalNone.
type Signal string

const (
	SignalNone        Signal = "NONE"
	SignalRebalance   Signal = "REBALANCE"
	SignalTermination Signal = "TERMINATION"
)

// Verdict is the outcome of one decision pipeline run.
type Verdict string

const (
	// VerdictStay keeps the instance on its current pool.
	VerdictStay Verdict = "STAY"
	// VerdictSwitch moves the instance to the selected pool.
	VerdictSwitch Verdict = "SWITCH"
	// VerdictDrain migrates proactively ahead of a rebalance recommendation.
	VerdictDrain Verdict = "DRAIN"
	// VerdictEvacuate gets off the box now; a termination notice is in flight.
	VerdictEvacuate Verdict = "EVACUATE"
)

// PipelineMode selects the input adapter and the actuator family.
type PipelineMode string

const (
	// ModeLinear evaluates the single current instance ("test" input mode).
	ModeLinear PipelineMode = "LINEAR"
	// ModeCluster evaluates against a plain cluster membership.
	ModeCluster PipelineMode = "CLUSTER"
	// ModeKubernetes evaluates a workload requirement over all pools in region.
	ModeKubernetes PipelineMode = "KUBERNETES"
)

// Decision is the pipeline's result: computed fresh each run, never mutated.
type Decision struct {
	Verdict  Verdict
	Selected *Candidate
	Reason   string
	Trace    []TraceEntry
	// Executed reports whether the actuator carried the verdict out; false
	// under shadow mode or after an actuation fault.
	Executed bool
}

// TraceEntry records one stage execution for the decision audit trail.
type TraceEntry struct {
	Stage   string `json:"stage"`
	Detail  string `json:"detail,omitempty"`
	Err     string `json:"error,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`
}
