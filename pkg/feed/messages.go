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

package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/spotherd/spotherd/pkg/core"
)

// Metadata is the EventBridge envelope shared by every message on the queue.
type Metadata struct {
	Version    string    `json:"version"`
	Source     string    `json:"source"`
	DetailType string    `json:"detail-type"`
	Region     string    `json:"region"`
	Time       time.Time `json:"time"`
}

// Message is a parsed interruption notice. A zero Kind means the message is
// recognized but carries no risk signal.
type Message struct {
	Metadata    Metadata
	InstanceIDs []string
	Kind        core.RiskEventKind
}

// Parser decodes one EventBridge detail-type.
type Parser interface {
	Version() string
	Source() string
	DetailType() string
	Parse(raw string) (Message, error)
}

type parserKey struct {
	Version    string
	Source     string
	DetailType string
}

// EventParser routes raw queue bodies to the parser registered for their
// envelope. Unregistered detail-types parse to a no-op message.
type EventParser struct {
	parserMap map[parserKey]Parser
}

func NewEventParser(parsers ...Parser) *EventParser {
	return &EventParser{
		parserMap: lo.SliceToMap(parsers, func(p Parser) (parserKey, Parser) {
			return parserKey{Version: p.Version(), Source: p.Source(), DetailType: p.DetailType()}, p
		}),
	}
}

func DefaultParsers() []Parser {
	return []Parser{
		SpotInterruptionParser{},
		RebalanceRecommendationParser{},
	}
}

func (p *EventParser) Parse(raw string) (Message, error) {
	if raw == "" {
		return Message{}, nil
	}
	md := Metadata{}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Message{}, fmt.Errorf("unmarshalling message metadata, %w", err)
	}
	parser, ok := p.parserMap[parserKey{Version: md.Version, Source: md.Source, DetailType: md.DetailType}]
	if !ok {
		return Message{Metadata: md}, nil
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return Message{}, fmt.Errorf("parsing %s message, %w", md.DetailType, err)
	}
	return msg, nil
}

// SpotInterruptionParser handles the two-minute termination warning.
type SpotInterruptionParser struct{}

func (SpotInterruptionParser) Version() string    { return "0" }
func (SpotInterruptionParser) Source() string     { return "aws.ec2" }
func (SpotInterruptionParser) DetailType() string { return "EC2 Spot Instance Interruption Warning" }

func (p SpotInterruptionParser) Parse(raw string) (Message, error) {
	body := struct {
		Metadata
		Detail struct {
			InstanceID     string `json:"instance-id"`
			InstanceAction string `json:"instance-action"`
		} `json:"detail"`
	}{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return Message{}, err
	}
	return Message{
		Metadata:    body.Metadata,
		InstanceIDs: []string{body.Detail.InstanceID},
		Kind:        core.RiskEventTermination,
	}, nil
}

// RebalanceRecommendationParser handles the early elevated-risk notice.
type RebalanceRecommendationParser struct{}

func (RebalanceRecommendationParser) Version() string { return "0" }
func (RebalanceRecommendationParser) Source() string  { return "aws.ec2" }
func (RebalanceRecommendationParser) DetailType() string {
	return "EC2 Instance Rebalance Recommendation"
}

func (p RebalanceRecommendationParser) Parse(raw string) (Message, error) {
	body := struct {
		Metadata
		Detail struct {
			InstanceID string `json:"instance-id"`
		} `json:"detail"`
	}{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return Message{}, err
	}
	return Message{
		Metadata:    body.Metadata,
		InstanceIDs: []string{body.Detail.InstanceID},
		Kind:        core.RiskEventRebalance,
	}, nil
}
