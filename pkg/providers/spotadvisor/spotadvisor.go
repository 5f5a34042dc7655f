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

// Package spotadvisor serves historic interruption rates from the public
// Spot Advisor feed. The feed is a single JSON document refreshed by AWS a
// few times a day; rates are published per (region, OS, instance type) as an
// index into a set of frequency ranges.
package spotadvisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

const (
	// DefaultFeedURL is the public advisor document.
	DefaultFeedURL = "https://spot-bid-advisor.s3.amazonaws.com/spot-advisor-data.json"

	// refreshInterval bounds how often the feed is re-fetched. The document
	// changes rarely; anything fresher than this is wasted transfer.
	refreshInterval = 1 * time.Hour

	fetchTimeout = 30 * time.Second
)

// rangeMidpoints maps the advisor's frequency index to an interrupt rate.
// The published ranges are <5%, 5-10%, 10-15%, 15-20% and >20%; we score
// with the midpoint, except the open-ended last bucket which is pinned
// conservatively.
var rangeMidpoints = []float64{0.025, 0.075, 0.125, 0.175, 0.50}

type Provider interface {
	InterruptRate(ctx context.Context, instanceType, zone string) (float64, error)
}

// document is the subset of the advisor feed we decode. Rates are keyed
// region -> OS -> instance type.
type document struct {
	SpotAdvisor map[string]map[string]map[string]struct {
		R int `json:"r"`
	} `json:"spot_advisor"`
}

// DefaultProvider fetches the feed lazily and serves rates from memory. The
// advisor publishes per region, not per zone; every zone of a region shares
// its type's rate.
type DefaultProvider struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	rates     map[string]float64 // "region/type" -> rate
	fetchedAt time.Time
}

func NewDefaultProvider(url string) *DefaultProvider {
	if url == "" {
		url = DefaultFeedURL
	}
	return &DefaultProvider{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout},
		rates:  map[string]float64{},
	}
}

// InterruptRate returns the historic interruption rate for a pool in [0, 1].
// Unknown pools are a data gap; the advisor filter stage substitutes its
// documented default rather than failing the pipeline.
func (p *DefaultProvider) InterruptRate(ctx context.Context, instanceType, zone string) (float64, error) {
	if err := p.refreshIfStale(ctx); err != nil {
		// stale data beats no data; only fail when we have never fetched
		p.mu.RLock()
		empty := len(p.rates) == 0
		p.mu.RUnlock()
		if empty {
			return 0, fmt.Errorf("fetching spot advisor feed, %w", err)
		}
		logging.FromContext(ctx).Errorf("refreshing spot advisor feed, %s", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	rate, ok := p.rates[core.ZoneRegion(zone)+"/"+instanceType]
	if !ok {
		return 0, errors.DataGap("no advisor rating for %s in %s", instanceType, zone)
	}
	return rate, nil
}

func (p *DefaultProvider) refreshIfStale(ctx context.Context) error {
	p.mu.RLock()
	fresh := time.Since(p.fetchedAt) < refreshInterval
	p.mu.RUnlock()
	if fresh {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.fetchedAt) < refreshInterval {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("building advisor request, %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.TransientUpstream("requesting advisor feed, %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.TransientUpstream("advisor feed returned status %d", resp.StatusCode)
	}

	doc := document{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding advisor feed, %w", err)
	}

	rates := map[string]float64{}
	for region, byOS := range doc.SpotAdvisor {
		types, ok := byOS["Linux"]
		if !ok {
			continue
		}
		for instanceType, entry := range types {
			if entry.R < 0 || entry.R >= len(rangeMidpoints) {
				continue
			}
			rates[region+"/"+instanceType] = rangeMidpoints[entry.R]
		}
	}
	if len(rates) == 0 {
		return fmt.Errorf("advisor feed contained no Linux ratings")
	}
	p.rates = rates
	p.fetchedAt = time.Now()
	logging.FromContext(ctx).With("rating-count", len(rates)).Debugf("refreshed spot advisor ratings")
	return nil
}
