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

package riskmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

const inferenceTimeout = 5 * time.Second

// predictRequest is the inference wire request. The server rejects requests
// whose feature version does not match the loaded model.
type predictRequest struct {
	FeatureVersion string     `json:"feature_version"`
	Candidates     []Features `json:"candidates"`
}

type predictResponse struct {
	Predictions map[string]float64 `json:"predictions"`
	ModelID     string             `json:"model_id"`
}

// HTTPModel calls a remote inference endpoint. A circuit breaker shields the
// pipeline: while the breaker is open, Predict fails fast and the risk-model
// stage falls back to its documented default.
type HTTPModel struct {
	endpoint string
	modelID  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPModel(endpoint, modelID string) *HTTPModel {
	return &HTTPModel{
		endpoint: endpoint,
		modelID:  modelID,
		client:   &http.Client{Timeout: inferenceTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "risk-model",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (m *HTTPModel) FeatureVersion() string {
	return FeatureVersion
}

func (m *HTTPModel) Predict(ctx context.Context, candidates []*core.Candidate) (map[string]float64, error) {
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}
	req := predictRequest{FeatureVersion: FeatureVersion}
	for _, c := range candidates {
		req.Candidates = append(req.Candidates, featuresOf(c))
	}
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.predict(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.TransientUpstream("risk model circuit open")
		}
		return nil, err
	}
	return sanitize(result.(map[string]float64)), nil
}

func (m *HTTPModel) predict(ctx context.Context, req predictRequest) (map[string]float64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding inference request, %w", err)
	}
	url := fmt.Sprintf("%s/models/%s/predict", m.endpoint, m.modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building inference request, %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, errors.TransientUpstream("calling risk model, %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.TransientUpstream("risk model returned status %d", resp.StatusCode)
	}
	out := predictResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding inference response, %w", err)
	}
	return out.Predictions, nil
}
