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

// Package imds reads the agent's view of the instance metadata service:
// instance identity at startup and interruption signals on the watch loop.
package imds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/spotherd/spotherd/pkg/core"
)

const (
	// FetchTimeout bounds every metadata round trip. IMDS is on-link; if it
	// has not answered in two seconds it is not going to.
	FetchTimeout = 2 * time.Second

	instanceActionPath = "spot/instance-action"
	rebalancePath      = "events/recommendations/rebalance"
)

// API is the slice of the IMDS client the agent uses.
type API interface {
	GetMetadata(context.Context, *imds.GetMetadataInput, ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Identity is the instance's own placement, read once at agent startup.
type Identity struct {
	InstanceID   string
	InstanceType string
	Zone         string
	Region       string
}

type Client struct {
	api API
}

func NewClient(api API) *Client {
	return &Client{api: api}
}

// Identity reads the instance's identity paths. Unlike signals, a failure
// here is a real error: the agent cannot register without it.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	id := Identity{}
	var err error
	if id.InstanceID, err = c.fetch(ctx, "instance-id"); err != nil {
		return Identity{}, fmt.Errorf("reading instance id, %w", err)
	}
	if id.InstanceType, err = c.fetch(ctx, "instance-type"); err != nil {
		return Identity{}, fmt.Errorf("reading instance type, %w", err)
	}
	if id.Zone, err = c.fetch(ctx, "placement/availability-zone"); err != nil {
		return Identity{}, fmt.Errorf("reading availability zone, %w", err)
	}
	id.Region = core.ZoneRegion(id.Zone)
	return id, nil
}

// Signal polls the interruption paths. Signals are advisory and never false
// positives: any error or timeout maps to SignalNone, because absence of the
// path is indistinguishable from a failed fetch. Termination wins over
// rebalance when both are present.
func (c *Client) Signal(ctx context.Context) core.Signal {
	if _, err := c.fetch(ctx, instanceActionPath); err == nil {
		return core.SignalTermination
	}
	if _, err := c.fetch(ctx, rebalancePath); err == nil {
		return core.SignalRebalance
	}
	return core.SignalNone
}

// TerminationTime parses the reclaim deadline out of the instance-action
// document. The zero time is returned when the document is absent or does
// not carry one.
func (c *Client) TerminationTime(ctx context.Context) time.Time {
	body, err := c.fetch(ctx, instanceActionPath)
	if err != nil {
		return time.Time{}
	}
	action := struct {
		Action string `json:"action"`
		Time   string `json:"time"`
	}{}
	if err := json.Unmarshal([]byte(body), &action); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, action.Time)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *Client) fetch(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()
	out, err := c.api.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("reading metadata body, %w", err)
	}
	return string(body), nil
}
