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

// initialOnDemandPrices is the shipped fallback price list, keyed by region
// then instance type. It only has to provide a sane relative ordering until
// live data arrives; hourly USD prices here are point-in-time list prices for
// the common Linux/shared-tenancy families and are not refreshed by updates.
var initialOnDemandPrices = map[string]map[string]float64{
	"us-east-1": {
		"t3.micro":     0.0104,
		"t3.small":     0.0208,
		"t3.medium":    0.0416,
		"t3.large":     0.0832,
		"t3.xlarge":    0.1664,
		"m5.large":     0.0960,
		"m5.xlarge":    0.1920,
		"m5.2xlarge":   0.3840,
		"m5.4xlarge":   0.7680,
		"m5a.large":    0.0860,
		"m5a.xlarge":   0.1720,
		"m6i.large":    0.0960,
		"m6i.xlarge":   0.1920,
		"m6g.large":    0.0770,
		"m6g.xlarge":   0.1540,
		"c5.large":     0.0850,
		"c5.xlarge":    0.1700,
		"c5.2xlarge":   0.3400,
		"c6i.large":    0.0850,
		"c6i.xlarge":   0.1700,
		"c6g.large":    0.0680,
		"c6g.xlarge":   0.1360,
		"r5.large":     0.1260,
		"r5.xlarge":    0.2520,
		"r5.2xlarge":   0.5040,
		"r6i.large":    0.1260,
		"r6g.large":    0.1008,
		"i3.large":     0.1560,
		"i3.xlarge":    0.3120,
		"g4dn.xlarge":  0.5260,
		"g4dn.2xlarge": 0.7520,
	},
	"us-west-2": {
		"t3.micro":   0.0104,
		"t3.medium":  0.0416,
		"t3.large":   0.0832,
		"m5.large":   0.0960,
		"m5.xlarge":  0.1920,
		"m5.2xlarge": 0.3840,
		"m6i.large":  0.0960,
		"m6g.large":  0.0770,
		"c5.large":   0.0850,
		"c5.xlarge":  0.1700,
		"c6g.large":  0.0680,
		"r5.large":   0.1260,
		"r5.xlarge":  0.2520,
	},
	"eu-west-1": {
		"t3.micro":   0.0114,
		"t3.medium":  0.0456,
		"t3.large":   0.0912,
		"m5.large":   0.1070,
		"m5.xlarge":  0.2140,
		"m5.2xlarge": 0.4280,
		"m6i.large":  0.1070,
		"m6g.large":  0.0856,
		"c5.large":   0.0960,
		"c5.xlarge":  0.1920,
		"c6g.large":  0.0768,
		"r5.large":   0.1410,
		"r5.xlarge":  0.2820,
	},
}
