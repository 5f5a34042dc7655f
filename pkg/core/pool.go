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

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	zoneRegexp         = regexp.MustCompile(`^[a-z]+-[a-z]+-\d+[a-z]$`)
	instanceTypeRegexp = regexp.MustCompile(`^[a-z0-9]+\.[a-z0-9]+$`)
)

// Pool identifies a spot capacity pool: one instance type in one availability
// zone. The canonical serialized form is "az:type", e.g. "us-east-1a:c5.large".
type Pool struct {
	InstanceType     string
	AvailabilityZone string
}

func NewPool(instanceType, zone string) (Pool, error) {
	p := Pool{InstanceType: instanceType, AvailabilityZone: zone}
	if err := p.Validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// MustPool is for tests and static tables.
func MustPool(instanceType, zone string) Pool {
	p, err := NewPool(instanceType, zone)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pool) Validate() error {
	if !zoneRegexp.MatchString(p.AvailabilityZone) {
		return fmt.Errorf("invalid availability zone %q", p.AvailabilityZone)
	}
	if !instanceTypeRegexp.MatchString(p.InstanceType) {
		return fmt.Errorf("invalid instance type %q", p.InstanceType)
	}
	return nil
}

// ID returns the canonical "az:type" pool id.
func (p Pool) ID() string {
	return fmt.Sprintf("%s:%s", p.AvailabilityZone, p.InstanceType)
}

// Region derives the region by dropping the trailing zone letter,
// e.g. "us-east-1a" -> "us-east-1".
func (p Pool) Region() string {
	return ZoneRegion(p.AvailabilityZone)
}

func (p Pool) String() string {
	return p.ID()
}

// ParsePoolID parses the canonical "az:type" form back into a Pool. The
// round-trip ParsePoolID(p.ID()) == p holds for every valid pool.
func ParsePoolID(id string) (Pool, error) {
	zone, instanceType, ok := strings.Cut(id, ":")
	if !ok {
		return Pool{}, fmt.Errorf("invalid pool id %q, expected az:type", id)
	}
	return NewPool(instanceType, zone)
}

// ZoneRegion trims the trailing zone letter off an availability zone. The
// caller is expected to pass a validated zone; unknown shapes are returned
// unchanged.
func ZoneRegion(zone string) string {
	if !zoneRegexp.MatchString(zone) {
		return zone
	}
	return zone[:len(zone)-1]
}
