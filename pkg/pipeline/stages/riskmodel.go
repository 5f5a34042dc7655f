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

	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/providers/riskmodel"
)

// RiskModel scores every valid candidate with a crash probability. The stage
// is required: with the model down, every candidate gets the documented
// missing-prediction default so the run still decides.
type RiskModel struct {
	model riskmodel.Model
}

func NewRiskModel(model riskmodel.Model) *RiskModel {
	return &RiskModel{model: model}
}

func (s *RiskModel) Name() string { return "risk-model" }

func (s *RiskModel) Run(ctx context.Context, pctx *pipeline.Context) error {
	valid := core.ValidCandidates(pctx.Candidates)
	if len(valid) == 0 {
		return nil
	}
	predictions, err := s.model.Predict(ctx, valid)
	if err != nil {
		logging.FromContext(ctx).Errorf("risk model unavailable, scoring with default, %s", err)
		predictions = map[string]float64{}
	}
	for _, cand := range valid {
		p, ok := predictions[cand.Pool.ID()]
		if !ok {
			p = riskmodel.MissingPrediction
		}
		cand.CrashProbability = lo.ToPtr(p)
	}

	scores := lo.Map(valid, func(c *core.Candidate, _ int) float64 { return *c.CrashProbability })
	pctx.Tracef(s.Name(), "scored %d candidates, min=%.3f avg=%.3f max=%.3f",
		len(valid), lo.Min(scores), lo.Sum(scores)/float64(len(scores)), lo.Max(scores))
	return err
}

// SafetyGate filters candidates whose crash probability breaches the
// ceiling. The comparison is strictly greater: a candidate scored exactly at
// the threshold passes.
type SafetyGate struct {
	maxCrashProbability float64
}

func NewSafetyGate(maxCrashProbability float64) *SafetyGate {
	return &SafetyGate{maxCrashProbability: maxCrashProbability}
}

func (s *SafetyGate) Name() string { return "safety-gate" }

func (s *SafetyGate) Run(_ context.Context, pctx *pipeline.Context) error {
	for _, cand := range pctx.Candidates {
		if !cand.Valid() {
			continue
		}
		if cand.CrashProbability == nil {
			cand.Invalidate("no crash probability")
			continue
		}
		if *cand.CrashProbability > s.maxCrashProbability {
			cand.Invalidate("crash probability above threshold")
		}
	}
	return nil
}
