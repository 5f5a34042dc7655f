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
	"time"
)

type RiskEventKind string

const (
	RiskEventRebalance   RiskEventKind = "rebalance-notice"
	RiskEventTermination RiskEventKind = "termination-notice"
)

// RiskEventTTL is how long a production interruption poisons its pool.
const RiskEventTTL = 15 * 24 * time.Hour

// RiskEvent is one append-only entry in the global pool-event log. Rows are
// inserted and pruned on TTL, never updated.
type RiskEvent struct {
	ID           string
	PoolID       string
	Kind         RiskEventKind
	ReportedAt   time.Time
	ExpiresAt    time.Time
	SourceTenant string
	Metadata     map[string]string
}

// NewRiskEvent stamps the TTL. ExpiresAt is always ReportedAt + RiskEventTTL;
// there is no other way to construct a valid event.
func NewRiskEvent(pool Pool, kind RiskEventKind, sourceTenant string, reportedAt time.Time, metadata map[string]string) RiskEvent {
	return RiskEvent{
		PoolID:       pool.ID(),
		Kind:         kind,
		ReportedAt:   reportedAt.UTC(),
		ExpiresAt:    reportedAt.UTC().Add(RiskEventTTL),
		SourceTenant: sourceTenant,
		Metadata:     metadata,
	}
}

func (e RiskEvent) Validate() error {
	if !e.ExpiresAt.After(e.ReportedAt) {
		return fmt.Errorf("risk event expiry %s not after report time %s", e.ExpiresAt, e.ReportedAt)
	}
	switch e.Kind {
	case RiskEventRebalance, RiskEventTermination:
	default:
		return fmt.Errorf("unknown risk event kind %q", e.Kind)
	}
	return nil
}

// Active reports whether the event still poisons its pool at now. Expiry is
// strict: an event at exactly expires-at == now is already safe.
func (e RiskEvent) Active(now time.Time) bool {
	return e.ExpiresAt.After(now)
}
