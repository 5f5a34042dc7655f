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
	"sync"

	"github.com/spotherd/spotherd/pkg/core"
)

// Sink accumulates ingested pricing snapshots.
type Sink struct {
	NextError AtomicError

	mu        sync.Mutex
	snapshots []core.PricingSnapshot
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Reset() {
	s.NextError.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = nil
}

func (s *Sink) Ingest(_ context.Context, snapshots []core.PricingSnapshot) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshots...)
	return nil
}

func (s *Sink) Snapshots() []core.PricingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.PricingSnapshot{}, s.snapshots...)
}
