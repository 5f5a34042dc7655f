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

package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	sdk "github.com/spotherd/spotherd/pkg/aws"
)

var _ sdk.EC2API = &EC2API{}

// EC2Behavior must be Reset between tests.
type EC2Behavior struct {
	RunInstancesBehavior                MockedFunction[ec2.RunInstancesInput, ec2.RunInstancesOutput]
	TerminateInstancesBehavior          MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	DescribeInstancesBehavior           MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	CreateTagsBehavior                  MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	DescribeInstanceTypesOutput         AtomicPtr[ec2.DescribeInstanceTypesOutput]
	DescribeInstanceTypeOfferingsOutput AtomicPtr[ec2.DescribeInstanceTypeOfferingsOutput]
	DescribeSpotPriceHistoryOutput      AtomicPtr[ec2.DescribeSpotPriceHistoryOutput]
	Instances                           sync.Map
	NextError                           AtomicError
}

// EC2API is an in-memory EC2. Launched instances land in the Instances map
// keyed by instance id and come back running from DescribeInstances.
type EC2API struct {
	EC2Behavior

	instanceSeq atomic.Uint64
}

func NewEC2API() *EC2API {
	return &EC2API{}
}

func (e *EC2API) Reset() {
	e.RunInstancesBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.DescribeInstanceTypesOutput.Reset()
	e.DescribeInstanceTypeOfferingsOutput.Reset()
	e.DescribeSpotPriceHistoryOutput.Reset()
	e.Instances.Range(func(k, _ any) bool {
		e.Instances.Delete(k)
		return true
	})
	e.NextError.Reset()
}

func (e *EC2API) RunInstances(_ context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.RunInstancesBehavior.Invoke(input, func(input *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		zone := ""
		if input.Placement != nil {
			zone = aws.ToString(input.Placement.AvailabilityZone)
		}
		inst := ec2types.Instance{
			InstanceId:        aws.String(fmt.Sprintf("i-%017d", e.instanceSeq.Add(1))),
			InstanceType:      input.InstanceType,
			InstanceLifecycle: ec2types.InstanceLifecycleTypeSpot,
			State:             &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			Placement:         &ec2types.Placement{AvailabilityZone: aws.String(zone)},
		}
		for _, spec := range input.TagSpecifications {
			inst.Tags = append(inst.Tags, spec.Tags...)
		}
		e.Instances.Store(aws.ToString(inst.InstanceId), inst)
		return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{inst}}, nil
	})
}

func (e *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.TerminateInstancesBehavior.Invoke(input, func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		out := &ec2.TerminateInstancesOutput{}
		for _, id := range input.InstanceIds {
			if _, ok := e.Instances.LoadAndDelete(id); !ok {
				return nil, &smithy.GenericAPIError{
					Code:    "InvalidInstanceID.NotFound",
					Message: fmt.Sprintf("the instance ID '%s' does not exist", id),
				}
			}
			out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
				InstanceId:   aws.String(id),
				CurrentState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		instances := []ec2types.Instance{}
		for _, id := range input.InstanceIds {
			if stored, ok := e.Instances.Load(id); ok {
				instances = append(instances, stored.(ec2types.Instance))
			}
		}
		if len(instances) == 0 && len(input.InstanceIds) > 0 {
			return nil, &smithy.GenericAPIError{
				Code:    "InvalidInstanceID.NotFound",
				Message: "no such instances",
			}
		}
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: instances}},
		}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.CreateTagsBehavior.Invoke(input, func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) DescribeInstanceTypes(_ context.Context, _ *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	if !e.DescribeInstanceTypesOutput.IsNil() {
		return e.DescribeInstanceTypesOutput.Clone(), nil
	}
	return &ec2.DescribeInstanceTypesOutput{
		InstanceTypes: []ec2types.InstanceTypeInfo{
			instanceTypeInfo("c5.large", 2, 4096, ec2types.ArchitectureTypeX8664),
			instanceTypeInfo("m5.large", 2, 8192, ec2types.ArchitectureTypeX8664),
			instanceTypeInfo("m5.xlarge", 4, 16384, ec2types.ArchitectureTypeX8664),
		},
	}, nil
}

func (e *EC2API) DescribeInstanceTypeOfferings(_ context.Context, _ *ec2.DescribeInstanceTypeOfferingsInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	if !e.DescribeInstanceTypeOfferingsOutput.IsNil() {
		return e.DescribeInstanceTypeOfferingsOutput.Clone(), nil
	}
	offerings := []ec2types.InstanceTypeOffering{}
	for _, instanceType := range []string{"c5.large", "m5.large", "m5.xlarge"} {
		for _, zone := range []string{"us-east-1a", "us-east-1b", "us-east-1c"} {
			offerings = append(offerings, ec2types.InstanceTypeOffering{
				InstanceType: ec2types.InstanceType(instanceType),
				Location:     aws.String(zone),
			})
		}
	}
	return &ec2.DescribeInstanceTypeOfferingsOutput{InstanceTypeOfferings: offerings}, nil
}

func (e *EC2API) DescribeSpotPriceHistory(_ context.Context, _ *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	if !e.DescribeSpotPriceHistoryOutput.IsNil() {
		return e.DescribeSpotPriceHistoryOutput.Clone(), nil
	}
	return &ec2.DescribeSpotPriceHistoryOutput{}, nil
}

func instanceTypeInfo(name string, vcpus int32, memoryMiB int64, arch ec2types.ArchitectureType) ec2types.InstanceTypeInfo {
	return ec2types.InstanceTypeInfo{
		InstanceType: ec2types.InstanceType(name),
		VCpuInfo:     &ec2types.VCpuInfo{DefaultVCpus: aws.Int32(vcpus)},
		MemoryInfo:   &ec2types.MemoryInfo{SizeInMiB: aws.Int64(memoryMiB)},
		ProcessorInfo: &ec2types.ProcessorInfo{
			SupportedArchitectures: []ec2types.ArchitectureType{arch},
		},
		SupportedUsageClasses: []ec2types.UsageClassType{ec2types.UsageClassTypeOnDemand, ec2types.UsageClassTypeSpot},
	}
}
