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

// Package client is the agent's HTTP binding to the control plane. Transient
// server faults retry with backoff inside the client; 4xx responses surface
// as terminal typed errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/errors"
)

const (
	requestTimeout = 30 * time.Second
	retryMax       = 4
	retryWaitMin   = 500 * time.Millisecond
	retryWaitMax   = 10 * time.Second
)

// Client talks to one control plane on behalf of one agent.
type Client struct {
	baseURL string
	token   string
	agentID string
	http    *retryablehttp.Client
}

func New(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.HTTPClient.Timeout = requestTimeout
	rc.Logger = nil
	return &Client{baseURL: baseURL, token: token, http: rc}
}

// AgentID returns the identity from the last successful registration.
func (c *Client) AgentID() string {
	return c.agentID
}

// Register binds the client token to this host. Safe to repeat; the server
// hands the same agent-id back.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (string, error) {
	var resp api.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/agents/register", req, &resp); err != nil {
		return "", err
	}
	c.agentID = resp.AgentID
	return resp.AgentID, nil
}

func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, c.agentPath("heartbeat"), req, nil)
}

func (c *Client) PricingReport(ctx context.Context, req api.PricingReportRequest) error {
	return c.do(ctx, http.MethodPost, c.agentPath("pricing-report"), req, nil)
}

func (c *Client) PollCommands(ctx context.Context) ([]api.CommandEnvelope, error) {
	var commands []api.CommandEnvelope
	if err := c.do(ctx, http.MethodGet, c.agentPath("commands"), nil, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (c *Client) CommandExecuted(ctx context.Context, commandID string, success bool, message string) error {
	return c.do(ctx, http.MethodPost, c.agentPath("commands/"+url.PathEscape(commandID)+"/executed"), api.CommandExecutedRequest{
		Success: success,
		Message: message,
	}, nil)
}

func (c *Client) Rebalance(ctx context.Context, req api.RebalanceSignalRequest) error {
	return c.do(ctx, http.MethodPost, c.agentPath("rebalance"), req, nil)
}

func (c *Client) Termination(ctx context.Context, req api.TerminationSignalRequest) error {
	return c.do(ctx, http.MethodPost, c.agentPath("termination"), req, nil)
}

func (c *Client) Decide(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error) {
	var resp api.DecisionResponse
	if err := c.do(ctx, http.MethodPost, c.agentPath("decision"), req, &resp); err != nil {
		return api.DecisionResponse{}, err
	}
	return resp, nil
}

func (c *Client) agentPath(suffix string) string {
	return "/agents/" + url.PathEscape(c.agentID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request, %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("building request, %w", err)
	}
	req.Header.Set(api.ClientTokenHeader, "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithKind(errors.KindTransientUpstream, fmt.Errorf("calling %s %s, %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response, %w", method, path, err)
	}
	return nil
}

// statusError maps the response status to the error taxonomy: 4xx is
// terminal for the call, 5xx retriable upstream trouble.
func statusError(resp *http.Response) error {
	var body api.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	message := body.Error
	if message == "" {
		message = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errors.Validation("%s", message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Auth("%s", message)
	case http.StatusNotFound:
		return errors.NotFound("%s", message)
	case http.StatusConflict:
		return errors.Conflict("%s", message)
	default:
		if resp.StatusCode >= 500 {
			return errors.TransientUpstream("server returned %d, %s", resp.StatusCode, message)
		}
		return errors.Validation("server returned %d, %s", resp.StatusCode, message)
	}
}
