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
	"io"
	"strings"
	"sync"

	awsimds "github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/spotherd/spotherd/pkg/providers/imds"
)

var _ imds.API = &IMDSAPI{}

// IMDSAPI serves canned metadata paths. Paths not in the map return an
// error, which is how the real service reports an absent signal document.
type IMDSAPI struct {
	NextError AtomicError

	mu    sync.Mutex
	paths map[string]string
}

func NewIMDSAPI() *IMDSAPI {
	return &IMDSAPI{paths: map[string]string{}}
}

func (i *IMDSAPI) Reset() {
	i.NextError.Reset()
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths = map[string]string{}
}

func (i *IMDSAPI) SetPath(path, body string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths[path] = body
}

func (i *IMDSAPI) ClearPath(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.paths, path)
}

// SetIdentity cans the three identity paths an agent reads at startup.
func (i *IMDSAPI) SetIdentity(instanceID, instanceType, zone string) {
	i.SetPath("instance-id", instanceID)
	i.SetPath("instance-type", instanceType)
	i.SetPath("placement/availability-zone", zone)
}

func (i *IMDSAPI) GetMetadata(_ context.Context, input *awsimds.GetMetadataInput, _ ...func(*awsimds.Options)) (*awsimds.GetMetadataOutput, error) {
	if err := i.NextError.Get(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	body, ok := i.paths[input.Path]
	i.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("metadata path %q not found", input.Path)
	}
	return &awsimds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(body))}, nil
}
