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

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	lop "github.com/samber/lo/parallel"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	sdk "github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/storage"
)

// Sink receives snapshots observed by the scrapers. The ingest pipeline
// implements it; agent reports enter through the same path.
type Sink interface {
	Ingest(ctx context.Context, snapshots []core.PricingSnapshot) error
}

type Provider interface {
	LivenessProbe(*http.Request) error
	InstanceTypes() []string
	OnDemandPrice(instanceType string) (float64, bool)
	SpotPrice(pool core.Pool) (float64, bool)
	PriceFor(ctx context.Context, pool core.Pool) (core.PricingSnapshot, error)
	UpdateOnDemandPricing(ctx context.Context) error
	UpdateSpotPricing(ctx context.Context) error
}

// DefaultProvider answers price lookups through a layered resolution: the
// shared cache first, then the clean history, then the last scrape held in
// memory, and finally the shipped static list. Each step down degrades the
// snapshot's confidence, so downstream scoring knows what it is working with.
// In the event that a pricing update fails, the previous pricing information
// is retained and used, which may be the static initial data if updates never
// succeed.
type DefaultProvider struct {
	ec2api  sdk.EC2API
	pricing sdk.PricingAPI
	kv      *cache.KV
	store   *storage.PricingStore
	sink    Sink
	region  string

	muOnDemand     sync.RWMutex
	onDemandPrices map[string]float64

	muSpot             sync.RWMutex
	spotPrices         map[string]zonal
	spotPricingUpdated bool
}

// zonal captures the per-zone spot price for one instance type, plus the
// default price used until the first scrape lands.
type zonal struct {
	defaultPrice float64
	prices       map[string]float64
}

func newZonalPricing(defaultPrice float64) zonal {
	z := zonal{
		prices: map[string]float64{},
	}
	z.defaultPrice = defaultPrice
	return z
}

// NewAPI returns a pricing API client. The pricing API does not have an
// endpoint in every region, so queries are routed to the nearest one unless
// regionOverride pins them somewhere specific.
func NewAPI(cfg aws.Config, regionOverride string) sdk.PricingAPI {
	return pricing.NewFromConfig(cfg, func(o *pricing.Options) {
		o.Region = getPricingAPIRegion(cfg.Region, regionOverride)
	})
}

func getPricingAPIRegion(region, regionOverride string) string {
	if regionOverride != "" {
		return regionOverride
	}
	switch {
	case strings.HasPrefix(region, "ap-"):
		return "ap-south-1"
	case strings.HasPrefix(region, "cn-"):
		return "cn-northwest-1"
	case strings.HasPrefix(region, "eu-"):
		return "eu-central-1"
	default:
		return "us-east-1"
	}
}

func NewDefaultProvider(_ context.Context, pricingAPI sdk.PricingAPI, ec2api sdk.EC2API, kv *cache.KV, store *storage.PricingStore, sink Sink, region string) *DefaultProvider {
	p := &DefaultProvider{
		ec2api:  ec2api,
		pricing: pricingAPI,
		kv:      kv,
		store:   store,
		sink:    sink,
		region:  region,
	}
	// seed from the static default state so lookups never start empty
	p.Reset()
	return p
}

// InstanceTypes returns the list of all instance types for which either a
// spot or on-demand price is known.
func (p *DefaultProvider) InstanceTypes() []string {
	p.muOnDemand.RLock()
	p.muSpot.RLock()
	defer p.muOnDemand.RUnlock()
	defer p.muSpot.RUnlock()
	return lo.Union(lo.Keys(p.onDemandPrices), lo.Keys(p.spotPrices))
}

// OnDemandPrice returns the last known on-demand price for a given instance
// type, returning false if there is no known on-demand pricing.
func (p *DefaultProvider) OnDemandPrice(instanceType string) (float64, bool) {
	p.muOnDemand.RLock()
	defer p.muOnDemand.RUnlock()
	price, ok := p.onDemandPrices[instanceType]
	if !ok {
		return 0.0, false
	}
	return price, true
}

// SpotPrice returns the last known spot price for a pool, returning false if
// there is no known spot pricing for the instance type or zone.
func (p *DefaultProvider) SpotPrice(pool core.Pool) (float64, bool) {
	p.muSpot.RLock()
	defer p.muSpot.RUnlock()
	if val, ok := p.spotPrices[pool.InstanceType]; ok {
		if !p.spotPricingUpdated {
			return val.defaultPrice, true
		}
		if price, ok := val.prices[pool.AvailabilityZone]; ok {
			return price, true
		}
		return 0.0, false
	}
	return 0.0, false
}

// PriceFor resolves the freshest snapshot available for a pool. Cache misses
// fall through to the clean history, then to the last scrape, then to the
// static list. Returns a data-gap error only when every layer comes up empty.
func (p *DefaultProvider) PriceFor(ctx context.Context, pool core.Pool) (core.PricingSnapshot, error) {
	if p.kv != nil {
		snap, found, err := p.kv.GetPrice(ctx, pool.ID())
		if err != nil {
			logging.FromContext(ctx).With("pool", pool.ID()).Errorf("reading price cache, %s", err)
		} else if found {
			return snap, nil
		}
	}
	if p.store != nil {
		snap, err := p.store.LatestClean(ctx, pool.ID())
		if err == nil {
			if p.kv != nil {
				if cacheErr := p.kv.SetPrice(ctx, snap); cacheErr != nil {
					logging.FromContext(ctx).With("pool", pool.ID()).Errorf("populating price cache, %s", cacheErr)
				}
			}
			return snap, nil
		}
		if !errors.IsDataGap(err) {
			logging.FromContext(ctx).With("pool", pool.ID()).Errorf("reading price history, %s", err)
		}
	}
	if spot, ok := p.SpotPrice(pool); ok {
		onDemand, _ := p.OnDemandPrice(pool.InstanceType)
		return core.NewSnapshot(pool, spot, onDemand, core.PricingSourceScrape, core.ConfidenceCarry, time.Now()), nil
	}
	if onDemand, ok := staticPrice(p.region, pool.InstanceType); ok {
		// no observed spot price anywhere; assume the conservative case
		return core.NewSnapshot(pool, onDemand, onDemand, core.PricingSourceStatic, core.ConfidenceStatic, time.Now()), nil
	}
	return core.PricingSnapshot{}, errors.DataGap("no price known for pool %q", pool.ID())
}

// UpdatePricing runs both scrapes concurrently and combines their failures.
func (p *DefaultProvider) UpdatePricing(ctx context.Context) error {
	work := []func(ctx context.Context) error{
		p.UpdateOnDemandPricing,
		p.UpdateSpotPricing,
	}
	errs := make([]error, len(work))
	lop.ForEach(work, func(f func(ctx context.Context) error, i int) {
		if err := f(ctx); err != nil {
			errs[i] = err
		}
	})
	return multierr.Combine(errs...)
}

func (p *DefaultProvider) UpdateOnDemandPricing(ctx context.Context) error {
	p.muOnDemand.Lock()
	defer p.muOnDemand.Unlock()

	onDemandPrices, err := p.fetchOnDemandPricing(ctx,
		pricingtypes.Filter{
			Field: aws.String("tenancy"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("Shared"),
		},
		pricingtypes.Filter{
			Field: aws.String("productFamily"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("Compute Instance"),
		})
	if err != nil {
		return fmt.Errorf("retrieving on-demand pricing data, %w", err)
	}
	if len(onDemandPrices) == 0 {
		return fmt.Errorf("no on-demand pricing found")
	}

	p.onDemandPrices = onDemandPrices
	for it, price := range p.onDemandPrices {
		InstancePriceEstimate.With(prometheus.Labels{
			InstanceTypeLabel: it,
			CapacityTypeLabel: "on-demand",
			RegionLabel:       p.region,
			TopologyLabel:     "",
		}).Set(price)
	}
	logging.FromContext(ctx).With("instance-type-count", len(p.onDemandPrices)).Debugf("updated on-demand pricing")
	return nil
}

func (p *DefaultProvider) fetchOnDemandPricing(ctx context.Context, additionalFilters ...pricingtypes.Filter) (map[string]float64, error) {
	prices := map[string]float64{}
	filters := append([]pricingtypes.Filter{
		{
			Field: aws.String("regionCode"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String(p.region),
		},
		{
			Field: aws.String("serviceCode"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("AmazonEC2"),
		},
		{
			Field: aws.String("preInstalledSw"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("NA"),
		},
		{
			Field: aws.String("operatingSystem"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("Linux"),
		},
		{
			Field: aws.String("capacitystatus"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("Used"),
		},
		{
			Field: aws.String("marketoption"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("OnDemand"),
		}},
		additionalFilters...)

	paginator := pricing.NewGetProductsPaginator(p.pricing, &pricing.GetProductsInput{
		Filters:     filters,
		ServiceCode: aws.String("AmazonEC2"),
	})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		p.onDemandPage(ctx, prices, output)
	}
	return prices, nil
}

// onDemandPage decodes a page of pricing data. The price list is a deeply
// nested JSON document; only the fields we care about are modeled here.
func (p *DefaultProvider) onDemandPage(ctx context.Context, prices map[string]float64, output *pricing.GetProductsOutput) {
	type priceItem struct {
		Product struct {
			Attributes struct {
				InstanceType string
			}
		}
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string
				}
			}
		}
	}

	currency := "USD"
	if strings.HasPrefix(p.region, "cn-") {
		currency = "CNY"
	}
	for _, outer := range output.PriceList {
		pItem := priceItem{}
		if err := json.Unmarshal([]byte(outer), &pItem); err != nil {
			logging.FromContext(ctx).Errorf("decoding price record, %s", err)
			continue
		}
		if pItem.Product.Attributes.InstanceType == "" {
			continue
		}
		for _, term := range pItem.Terms.OnDemand {
			for _, v := range term.PriceDimensions {
				price, err := strconv.ParseFloat(v.PricePerUnit[currency], 64)
				if err != nil || price == 0 {
					continue
				}
				prices[pItem.Product.Attributes.InstanceType] = price
			}
		}
	}
}

func (p *DefaultProvider) UpdateSpotPricing(ctx context.Context) error {
	prices := map[string]map[string]float64{}
	collectedAt := map[string]map[string]time.Time{}

	p.muSpot.Lock()
	defer p.muSpot.Unlock()

	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(p.ec2api, &ec2.DescribeSpotPriceHistoryInput{
		ProductDescriptions: []string{"Linux/UNIX", "Linux/UNIX (Amazon VPC)"},
		// get the latest spot price for each instance type
		StartTime: aws.Time(time.Now()),
	})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("retrieving spot pricing data, %w", err)
		}
		for _, sph := range output.SpotPriceHistory {
			spotPrice, err := strconv.ParseFloat(aws.ToString(sph.SpotPrice), 64)
			// these errors shouldn't occur, but if the API does return a bad
			// record we drop it rather than poison the update
			if err != nil {
				logging.FromContext(ctx).Debugf("unable to parse price record %#v", sph)
				continue
			}
			if sph.Timestamp == nil {
				continue
			}
			instanceType := string(sph.InstanceType)
			az := aws.ToString(sph.AvailabilityZone)
			if _, ok := prices[instanceType]; !ok {
				prices[instanceType] = map[string]float64{}
				collectedAt[instanceType] = map[string]time.Time{}
			}
			prices[instanceType][az] = spotPrice
			collectedAt[instanceType][az] = aws.ToTime(sph.Timestamp)
		}
	}

	if len(prices) == 0 {
		return fmt.Errorf("no spot pricing found")
	}

	totalOfferings := 0
	snapshots := []core.PricingSnapshot{}
	for it, zoneData := range prices {
		if _, ok := p.spotPrices[it]; !ok {
			p.spotPrices[it] = newZonalPricing(0)
		}
		for zone, price := range zoneData {
			p.spotPrices[it].prices[zone] = price
			InstancePriceEstimate.With(prometheus.Labels{
				InstanceTypeLabel: it,
				CapacityTypeLabel: "spot",
				RegionLabel:       p.region,
				TopologyLabel:     zone,
			}).Set(price)
			pool, err := core.NewPool(it, zone)
			if err != nil {
				continue
			}
			onDemand, _ := p.onDemandPriceLocked(it)
			snapshots = append(snapshots, core.NewSnapshot(pool, price, onDemand, core.PricingSourceScrape, core.ConfidenceScrape, collectedAt[it][zone]))
		}
		totalOfferings += len(zoneData)
	}

	p.spotPricingUpdated = true
	logging.FromContext(ctx).With(
		"instance-type-count", len(prices),
		"offering-count", totalOfferings).Debugf("updated spot pricing with instance types and offerings")

	if p.sink != nil {
		if err := p.sink.Ingest(ctx, snapshots); err != nil {
			return fmt.Errorf("ingesting scraped spot pricing, %w", err)
		}
	}
	return nil
}

// onDemandPriceLocked reads the on-demand map while muSpot is held. Lock
// order is always spot before on-demand.
func (p *DefaultProvider) onDemandPriceLocked(instanceType string) (float64, bool) {
	p.muOnDemand.RLock()
	defer p.muOnDemand.RUnlock()
	price, ok := p.onDemandPrices[instanceType]
	return price, ok
}

func (p *DefaultProvider) LivenessProbe(_ *http.Request) error {
	// ensure we don't deadlock and nolint for the empty critical section
	p.muOnDemand.Lock()
	p.muSpot.Lock()
	//nolint: staticcheck
	p.muOnDemand.Unlock()
	p.muSpot.Unlock()
	return nil
}

func populateInitialSpotPricing(pricing map[string]float64) map[string]zonal {
	m := map[string]zonal{}
	for it, price := range pricing {
		m[it] = newZonalPricing(price)
	}
	return m
}

// Reset rewinds the provider to the static default state.
func (p *DefaultProvider) Reset() {
	staticPricing, ok := initialOnDemandPrices[p.region]
	if !ok {
		// no region specific pricing data, fall back to the always available
		// us-east-1 table
		staticPricing = initialOnDemandPrices["us-east-1"]
	}

	p.onDemandPrices = staticPricing
	// default spot pricing to the on-demand price until a scrape lands
	p.spotPrices = populateInitialSpotPricing(staticPricing)
	p.spotPricingUpdated = false
}

func staticPrice(region, instanceType string) (float64, bool) {
	table, ok := initialOnDemandPrices[region]
	if !ok {
		table = initialOnDemandPrices["us-east-1"]
	}
	price, ok := table[instanceType]
	return price, ok
}
