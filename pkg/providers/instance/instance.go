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

// Package instance executes cloud-side capacity changes: launching spot
// instances into a chosen pool and terminating the ones we leave behind.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	sdk "github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

const (
	// cloudRetries is the launch/terminate retry budget on transient faults.
	cloudRetries = 3

	runningPollInterval = 5 * time.Second
)

// Launched describes the instance we just created.
type Launched struct {
	CloudInstanceID string
	Pool            core.Pool
	LaunchedAt      time.Time
}

// Described is the subset of instance state callers inspect.
type Described struct {
	CloudInstanceID string
	State           string
	Pool            core.Pool
	Lifecycle       core.Lifecycle
}

type Provider interface {
	Launch(ctx context.Context, pool core.Pool, tags map[string]string) (Launched, error)
	Terminate(ctx context.Context, cloudInstanceID string) error
	Describe(ctx context.Context, cloudInstanceID string) (Described, error)
	WaitRunning(ctx context.Context, cloudInstanceID string, timeout time.Duration) error
	Serialize(cloudInstanceID string) func()
}

// DefaultProvider drives EC2. Launches are single-instance by design: a
// switch replaces exactly one box, so there is nothing to batch.
type DefaultProvider struct {
	ec2api sdk.EC2API
	clock  clock.Clock

	// one in-flight switch per instance
	muInflight sync.Mutex
	inflight   map[string]*sync.Mutex
}

func NewDefaultProvider(ec2api sdk.EC2API, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		ec2api:   ec2api,
		clock:    clk,
		inflight: map[string]*sync.Mutex{},
	}
}

// Serialize takes the per-instance switch lock and returns the release func.
// Concurrent actuations against the same instance queue up here instead of
// racing the cloud API.
func (p *DefaultProvider) Serialize(cloudInstanceID string) func() {
	p.muInflight.Lock()
	mu, ok := p.inflight[cloudInstanceID]
	if !ok {
		mu = &sync.Mutex{}
		p.inflight[cloudInstanceID] = mu
	}
	p.muInflight.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Launch requests one spot instance in the pool. Transient faults retry up
// to the budget; capacity errors do not, because the same pool will keep
// refusing and pool selection is the caller's job.
func (p *DefaultProvider) Launch(ctx context.Context, pool core.Pool, tags map[string]string) (Launched, error) {
	input := &ec2.RunInstancesInput{
		InstanceType: ec2types.InstanceType(pool.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement:    &ec2types.Placement{AvailabilityZone: aws.String(pool.AvailabilityZone)},
		InstanceMarketOptions: &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: append([]ec2types.Tag{{Key: aws.String("spotherd.io/managed"), Value: aws.String("true")}},
				lo.MapToSlice(tags, func(k, v string) ec2types.Tag {
					return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
				})...),
		}},
	}

	var out *ec2.RunInstancesOutput
	err := retry.Do(func() error {
		var runErr error
		out, runErr = p.ec2api.RunInstances(ctx, input)
		return runErr
	},
		retry.Context(ctx),
		retry.Attempts(cloudRetries),
		retry.RetryIf(errors.IsAWSTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.IsUnfulfillableCapacity(err) {
			return Launched{}, errors.WithKind(errors.KindTransientUpstream,
				fmt.Errorf("no spot capacity in %s, %w", pool.ID(), err))
		}
		return Launched{}, fmt.Errorf("launching instance into %s, %w", pool.ID(), err)
	}
	if len(out.Instances) == 0 {
		return Launched{}, fmt.Errorf("launch into %s returned no instances", pool.ID())
	}
	launched := Launched{
		CloudInstanceID: aws.ToString(out.Instances[0].InstanceId),
		Pool:            pool,
		LaunchedAt:      p.clock.Now(),
	}
	logging.FromContext(ctx).With("instance-id", launched.CloudInstanceID, "pool", pool.ID()).Infof("launched spot instance")
	return launched, nil
}

// Terminate shuts the instance down. An instance already gone is a success;
// termination is idempotent.
func (p *DefaultProvider) Terminate(ctx context.Context, cloudInstanceID string) error {
	err := retry.Do(func() error {
		_, terminateErr := p.ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{cloudInstanceID},
		})
		return terminateErr
	},
		retry.Context(ctx),
		retry.Attempts(cloudRetries),
		retry.RetryIf(errors.IsAWSTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.IsAWSNotFound(err) {
			return nil
		}
		return fmt.Errorf("terminating instance %s, %w", cloudInstanceID, err)
	}
	logging.FromContext(ctx).With("instance-id", cloudInstanceID).Infof("terminated instance")
	return nil
}

func (p *DefaultProvider) Describe(ctx context.Context, cloudInstanceID string) (Described, error) {
	out, err := p.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{cloudInstanceID},
	})
	if err != nil {
		if errors.IsAWSNotFound(err) {
			return Described{}, errors.NotFound("instance %s not found", cloudInstanceID)
		}
		return Described{}, fmt.Errorf("describing instance %s, %w", cloudInstanceID, err)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) != cloudInstanceID {
				continue
			}
			return describedOf(inst), nil
		}
	}
	return Described{}, errors.NotFound("instance %s not found", cloudInstanceID)
}

// WaitRunning polls until the instance reports running or the timeout lapses.
func (p *DefaultProvider) WaitRunning(ctx context.Context, cloudInstanceID string, timeout time.Duration) error {
	deadline := p.clock.Now().Add(timeout)
	for {
		described, err := p.Describe(ctx, cloudInstanceID)
		if err == nil && described.State == string(ec2types.InstanceStateNameRunning) {
			return nil
		}
		if err != nil && !errors.IsNotFound(err) && !errors.IsTransientUpstream(err) {
			return err
		}
		if p.clock.Now().Add(runningPollInterval).After(deadline) {
			return errors.TransientUpstream("instance %s not running after %s", cloudInstanceID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(runningPollInterval):
		}
	}
}

func describedOf(inst ec2types.Instance) Described {
	d := Described{
		CloudInstanceID: aws.ToString(inst.InstanceId),
		State:           string(inst.State.Name),
		Lifecycle:       core.LifecycleOnDemand,
	}
	if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		d.Lifecycle = core.LifecycleSpot
	}
	if inst.Placement != nil {
		if pool, err := core.NewPool(string(inst.InstanceType), aws.ToString(inst.Placement.AvailabilityZone)); err == nil {
			d.Pool = pool
		}
	}
	return d
}
