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
	"strings"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/pipeline"
)

// SignalSource reports the live AWS interruption signal for the run.
type SignalSource interface {
	Signal(ctx context.Context) core.Signal
}

// SignalFunc adapts a plain function to a SignalSource.
type SignalFunc func(ctx context.Context) core.Signal

func (f SignalFunc) Signal(ctx context.Context) core.Signal { return f(ctx) }

// NoSignal is the source for server-driven runs with no live host signal.
var NoSignal = SignalFunc(func(context.Context) core.Signal { return core.SignalNone })

// Override decides the verdict. AWS signals short-circuit the ranking: a
// termination notice always evacuates, a rebalance recommendation drains to
// the best surviving candidate. A caller-reported signal on the input beats
// the wired source; agents see the metadata service before the server does.
// Without a signal the ranking decides, and a switch that would land on the
// current pool is normalized to STAY.
type Override struct {
	signals             SignalSource
	maxCrashProbability float64
}

func NewOverride(signals SignalSource, maxCrashProbability float64) *Override {
	return &Override{signals: signals, maxCrashProbability: maxCrashProbability}
}

func (s *Override) Name() string { return "reactive-override" }

func (s *Override) Run(ctx context.Context, pctx *pipeline.Context) error {
	pctx.Signal = s.signals.Signal(ctx)
	if sig := pctx.Input.Signal; sig == core.SignalRebalance || sig == core.SignalTermination {
		pctx.Signal = sig
	}

	switch pctx.Signal {
	case core.SignalTermination:
		pctx.Verdict = core.VerdictEvacuate
		pctx.Selected = pctx.Current()
		pctx.Reason = "AWS termination notice"
		return nil
	case core.SignalRebalance:
		pctx.Verdict = core.VerdictDrain
		pctx.Selected = TopRanked(pctx.Candidates)
		pctx.Reason = "AWS rebalance recommendation"
		return nil
	}

	if len(pctx.Candidates) == 0 {
		pctx.Verdict = core.VerdictStay
		pctx.Reason = "no candidates"
		return nil
	}

	if pctx.Input.Mode == core.ModeKubernetes {
		return s.decideWorkload(pctx)
	}
	return s.decideCurrent(pctx)
}

// decideCurrent is the linear-mode table: stay while the host's own crash
// probability clears the gate, otherwise switch to the best alternative.
func (s *Override) decideCurrent(pctx *pipeline.Context) error {
	current := pctx.Current()
	if current != nil && current.Valid() && current.CrashProbability != nil &&
		*current.CrashProbability < s.maxCrashProbability {
		pctx.Verdict = core.VerdictStay
		pctx.Selected = current
		pctx.Reason = "current optimal"
		return nil
	}

	top := TopRanked(pctx.Candidates)
	if top == nil {
		pctx.Verdict = core.VerdictStay
		pctx.Reason = filteredReason(pctx.Candidates)
		return nil
	}
	if pctx.Input.Current != nil && top.Pool == *pctx.Input.Current {
		pctx.Verdict = core.VerdictStay
		pctx.Selected = top
		pctx.Reason = "current optimal"
		return nil
	}
	pctx.Verdict = core.VerdictSwitch
	pctx.Selected = top
	if current != nil && current.CrashProbability != nil {
		pctx.Reason = fmt.Sprintf("crash probability %.2f at or above threshold %.2f", *current.CrashProbability, s.maxCrashProbability)
	} else {
		pctx.Reason = "current pool filtered: " + filteredReason(pctx.Candidates)
	}
	return nil
}

func (s *Override) decideWorkload(pctx *pipeline.Context) error {
	top := TopRanked(pctx.Candidates)
	if top == nil {
		pctx.Verdict = core.VerdictStay
		pctx.Reason = "no alternatives"
		return nil
	}
	if pctx.Input.Current != nil && top.Pool == *pctx.Input.Current {
		pctx.Verdict = core.VerdictStay
		pctx.Selected = top
		pctx.Reason = "current optimal"
		return nil
	}
	pctx.Verdict = core.VerdictSwitch
	pctx.Selected = top
	pctx.Reason = fmt.Sprintf("top ranked pool %s, yield %.1f", top.Pool.ID(), top.YieldScore)
	return nil
}

// filteredReason aggregates why every candidate fell out. The verdict
// contract requires a non-empty reason when everything was filtered.
func filteredReason(candidates []*core.Candidate) string {
	reasons := core.FilterReasons(candidates)
	if len(reasons) == 0 {
		return "no candidates"
	}
	return strings.Join(reasons, "; ")
}
