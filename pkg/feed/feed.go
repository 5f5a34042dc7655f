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

// Package feed consumes the EventBridge interruption queue. It is the
// server-side complement to the agents' metadata watchers: notices arrive
// here even for hosts whose agent is already dead. An empty queue name
// disables the feed entirely.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	sdk "github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/storage"
)

// EventRegistrar is the risk tracker side of the feed.
type EventRegistrar interface {
	RegisterEvent(ctx context.Context, pool core.Pool, kind core.RiskEventKind, sourceTenant string, environment core.Environment, metadata map[string]string)
}

// Coordinator is nudged when a notice maps to a registered agent.
type Coordinator interface {
	HandleRebalance(ctx context.Context, agentID string) error
	HandleTermination(ctx context.Context, agentID string) error
}

// Consumer polls the queue, registers risk events and drives failover for
// affected agents.
type Consumer struct {
	client      sdk.SQSAPI
	queueName   string
	parser      *EventParser
	store       *storage.Client
	tracker     EventRegistrar
	coordinator Coordinator

	urlOnce sync.Once
	url     string
	urlErr  error
}

func NewConsumer(client sdk.SQSAPI, queueName string, store *storage.Client, tracker EventRegistrar, coordinator Coordinator) *Consumer {
	return &Consumer{
		client:      client,
		queueName:   queueName,
		parser:      NewEventParser(DefaultParsers()...),
		store:       store,
		tracker:     tracker,
		coordinator: coordinator,
	}
}

func (c *Consumer) queueURL(ctx context.Context) (string, error) {
	c.urlOnce.Do(func() {
		out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(c.queueName),
		})
		if err != nil {
			c.urlErr = fmt.Errorf("fetching queue url, %w", err)
			return
		}
		c.url = aws.ToString(out.QueueUrl)
	})
	return c.url, c.urlErr
}

// Poll drains one batch off the queue. Messages that fail to handle stay on
// the queue and redeliver after the visibility timeout.
func (c *Consumer) Poll(ctx context.Context) error {
	url, err := c.queueURL(ctx)
	if err != nil {
		return err
	}
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return fmt.Errorf("receiving interruption messages, %w", err)
	}
	var errs error
	for _, raw := range out.Messages {
		if err := c.handle(ctx, raw); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: raw.ReceiptHandle,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting handled message, %w", err))
		}
	}
	return errs
}

func (c *Consumer) handle(ctx context.Context, raw sqstypes.Message) error {
	msg, err := c.parser.Parse(aws.ToString(raw.Body))
	if err != nil {
		// malformed messages would redeliver forever; drop them loudly
		logging.FromContext(ctx).Errorf("dropping unparseable message, %s", err)
		MessagesHandled.WithLabelValues("unparseable").Inc()
		return nil
	}
	if msg.Kind == "" {
		MessagesHandled.WithLabelValues("noop").Inc()
		return nil
	}
	var errs error
	for _, instanceID := range msg.InstanceIDs {
		errs = multierr.Append(errs, c.handleInstance(ctx, instanceID, msg.Kind))
	}
	if errs == nil {
		MessagesHandled.WithLabelValues(string(msg.Kind)).Inc()
	}
	return errs
}

// handleInstance maps the notice to a registered agent; instances unknown to
// the herd are ignored.
func (c *Consumer) handleInstance(ctx context.Context, instanceID string, kind core.RiskEventKind) error {
	agent, err := c.store.Agents.GetByCloudInstanceID(ctx, instanceID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	account, err := c.store.Accounts.Get(ctx, agent.AccountID)
	if err != nil {
		return err
	}
	c.tracker.RegisterEvent(ctx, agent.CurrentPool, kind, account.TenantID, account.Environment, map[string]string{
		"cloud-instance-id": instanceID,
		"via":               "interruption-feed",
	})
	switch kind {
	case core.RiskEventTermination:
		return c.coordinator.HandleTermination(ctx, agent.ID)
	case core.RiskEventRebalance:
		return c.coordinator.HandleRebalance(ctx, agent.ID)
	}
	return nil
}
