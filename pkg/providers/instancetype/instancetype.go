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

package instancetype

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"knative.dev/pkg/logging"

	sdk "github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

// Info is the hardware shape of one instance type.
type Info struct {
	InstanceType string
	VCPU         int
	MemoryGiB    float64
	Architecture string
}

type Provider interface {
	Get(ctx context.Context, instanceType string) (Info, error)
	Zones(ctx context.Context, instanceType string) ([]string, error)
	Pools(ctx context.Context) ([]core.Pool, error)
	UpdateInstanceTypes(ctx context.Context) error
	UpdateInstanceTypeOfferings(ctx context.Context) error
}

// DefaultProvider discovers instance type hardware and zone offerings from
// EC2 and serves them from memory. The candidate pool list is rebuilt only
// when either discovery changes, tracked by the sequence numbers.
type DefaultProvider struct {
	ec2api sdk.EC2API

	muInstanceTypesInfo sync.RWMutex
	instanceTypesInfo   map[string]Info

	muInstanceTypesOfferings sync.RWMutex
	instanceTypesOfferings   map[string]sets.Set[string]

	poolsCache *cache.Cache
	// monotonically increasing change counters used to avoid rebuilding the
	// pool list when nothing was discovered
	instanceTypesSeqNum          uint64
	instanceTypesOfferingsSeqNum uint64
}

func NewDefaultProvider(ec2api sdk.EC2API, poolsCache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		ec2api:                 ec2api,
		instanceTypesInfo:      map[string]Info{},
		instanceTypesOfferings: map[string]sets.Set[string]{},
		poolsCache:             poolsCache,
	}
}

// Get returns the hardware facts for one instance type. Unknown types are a
// data gap; candidates without hardware facts get filtered, not guessed at.
func (p *DefaultProvider) Get(ctx context.Context, instanceType string) (Info, error) {
	p.muInstanceTypesInfo.RLock()
	defer p.muInstanceTypesInfo.RUnlock()
	if len(p.instanceTypesInfo) == 0 {
		return Info{}, fmt.Errorf("no instance types discovered yet")
	}
	info, ok := p.instanceTypesInfo[instanceType]
	if !ok {
		return Info{}, errors.DataGap("no hardware data for instance type %q", instanceType)
	}
	return info, nil
}

// Zones returns the availability zones offering the instance type.
func (p *DefaultProvider) Zones(ctx context.Context, instanceType string) ([]string, error) {
	p.muInstanceTypesOfferings.RLock()
	defer p.muInstanceTypesOfferings.RUnlock()
	if len(p.instanceTypesOfferings) == 0 {
		return nil, fmt.Errorf("no instance type offerings discovered yet")
	}
	zones, ok := p.instanceTypesOfferings[instanceType]
	if !ok {
		return nil, errors.DataGap("no zone offerings for instance type %q", instanceType)
	}
	return sets.List(zones), nil
}

// Pools returns every (zone, instance type) offering in the region. The
// result is cached until either discovery observes a change.
func (p *DefaultProvider) Pools(ctx context.Context) ([]core.Pool, error) {
	p.muInstanceTypesInfo.RLock()
	p.muInstanceTypesOfferings.RLock()
	defer p.muInstanceTypesInfo.RUnlock()
	defer p.muInstanceTypesOfferings.RUnlock()

	if len(p.instanceTypesInfo) == 0 {
		return nil, fmt.Errorf("no instance types found")
	}
	if len(p.instanceTypesOfferings) == 0 {
		return nil, fmt.Errorf("no instance type offerings found")
	}

	key := fmt.Sprintf("%d-%d", atomic.LoadUint64(&p.instanceTypesSeqNum), atomic.LoadUint64(&p.instanceTypesOfferingsSeqNum))
	if item, ok := p.poolsCache.Get(key); ok {
		// shallow copy so callers can reorder without corrupting the cache
		return append([]core.Pool{}, item.([]core.Pool)...), nil
	}
	pools := []core.Pool{}
	for it, zones := range p.instanceTypesOfferings {
		if _, ok := p.instanceTypesInfo[it]; !ok {
			continue
		}
		for _, zone := range sets.List(zones) {
			pool, err := core.NewPool(it, zone)
			if err != nil {
				continue
			}
			pools = append(pools, pool)
		}
	}
	p.poolsCache.SetDefault(key, pools)
	return append([]core.Pool{}, pools...), nil
}

func (p *DefaultProvider) UpdateInstanceTypes(ctx context.Context) error {
	// We lock the full update so concurrent refreshes do not each pay for a
	// complete EC2 pagination.
	p.muInstanceTypesInfo.Lock()
	defer p.muInstanceTypesInfo.Unlock()

	discovered := map[string]Info{}
	paginator := ec2.NewDescribeInstanceTypesPaginator(p.ec2api, &ec2.DescribeInstanceTypesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("supported-virtualization-type"),
				Values: []string{"hvm"},
			},
			{
				Name:   aws.String("processor-info.supported-architecture"),
				Values: []string{"x86_64", "arm64"},
			},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("describing instance types, %w", err)
		}
		for _, info := range page.InstanceTypes {
			name := string(info.InstanceType)
			discovered[name] = Info{
				InstanceType: name,
				VCPU:         int(lo.FromPtr(info.VCpuInfo.DefaultVCpus)),
				MemoryGiB:    float64(lo.FromPtr(info.MemoryInfo.SizeInMiB)) / 1024,
				Architecture: architectureOf(info),
			}
			InstanceTypeVCPU.With(map[string]string{instanceTypeLabel: name}).Set(float64(lo.FromPtr(info.VCpuInfo.DefaultVCpus)))
			InstanceTypeMemory.With(map[string]string{instanceTypeLabel: name}).Set(float64(lo.FromPtr(info.MemoryInfo.SizeInMiB)) * 1024 * 1024)
		}
	}

	if len(discovered) == 0 {
		return fmt.Errorf("no instance types found")
	}
	if len(discovered) != len(p.instanceTypesInfo) {
		atomic.AddUint64(&p.instanceTypesSeqNum, 1)
		logging.FromContext(ctx).With("count", len(discovered)).Debugf("discovered instance types")
	}
	p.instanceTypesInfo = discovered
	return nil
}

func (p *DefaultProvider) UpdateInstanceTypeOfferings(ctx context.Context) error {
	p.muInstanceTypesOfferings.Lock()
	defer p.muInstanceTypesOfferings.Unlock()

	instanceTypeOfferings := map[string]sets.Set[string]{}
	paginator := ec2.NewDescribeInstanceTypeOfferingsPaginator(p.ec2api, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: ec2types.LocationTypeAvailabilityZone,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("describing instance type zone offerings, %w", err)
		}
		for _, offering := range page.InstanceTypeOfferings {
			if _, ok := instanceTypeOfferings[string(offering.InstanceType)]; !ok {
				instanceTypeOfferings[string(offering.InstanceType)] = sets.New[string]()
			}
			instanceTypeOfferings[string(offering.InstanceType)].Insert(lo.FromPtr(offering.Location))
		}
	}

	if len(instanceTypeOfferings) == 0 {
		return fmt.Errorf("no instance type offerings found")
	}
	if len(instanceTypeOfferings) != len(p.instanceTypesOfferings) {
		atomic.AddUint64(&p.instanceTypesOfferingsSeqNum, 1)
		logging.FromContext(ctx).With("instance-type-count", len(instanceTypeOfferings)).Debugf("discovered zone offerings for instance types")
	}
	p.instanceTypesOfferings = instanceTypeOfferings
	return nil
}

// architectureOf picks the supported architecture the fleet actually runs.
func architectureOf(info ec2types.InstanceTypeInfo) string {
	if info.ProcessorInfo == nil {
		return ""
	}
	for _, arch := range info.ProcessorInfo.SupportedArchitectures {
		if arch == ec2types.ArchitectureTypeArm64 || arch == ec2types.ArchitectureTypeX8664 {
			return string(arch)
		}
	}
	return ""
}
