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

	"github.com/aws/aws-sdk-go-v2/service/pricing"

	sdk "github.com/spotherd/spotherd/pkg/aws"
)

var _ sdk.PricingAPI = &PricingAPI{}

type PricingAPI struct {
	GetProductsBehavior MockedFunction[pricing.GetProductsInput, pricing.GetProductsOutput]
	NextError           AtomicError
}

func NewPricingAPI() *PricingAPI {
	return &PricingAPI{}
}

func (p *PricingAPI) Reset() {
	p.GetProductsBehavior.Reset()
	p.NextError.Reset()
}

func (p *PricingAPI) GetProducts(_ context.Context, input *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	return p.GetProductsBehavior.Invoke(input, func(*pricing.GetProductsInput) (*pricing.GetProductsOutput, error) {
		return &pricing.GetProductsOutput{}, nil
	})
}

// Product renders a price-list entry in the on-demand document shape the
// provider parses.
func Product(instanceType string, price float64) string {
	return fmt.Sprintf(`{
		"product": {"attributes": {"instanceType": "%s"}},
		"terms": {
			"OnDemand": {
				"sku.1": {
					"priceDimensions": {
						"sku.1.dim": {"pricePerUnit": {"USD": "%f"}}
					}
				}
			}
		}
	}`, instanceType, price)
}
