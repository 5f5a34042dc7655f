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
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	sdk "github.com/spotherd/spotherd/pkg/aws"
)

var _ sdk.SQSAPI = &SQSAPI{}

// SQSAPI is an in-memory queue. EnqueueMessage loads it; ReceiveMessage
// drains it in FIFO order without a visibility timeout, so a message not
// deleted stays gone for the test's lifetime.
type SQSAPI struct {
	GetQueueURLBehavior    MockedFunction[sqs.GetQueueUrlInput, sqs.GetQueueUrlOutput]
	ReceiveMessageBehavior MockedFunction[sqs.ReceiveMessageInput, sqs.ReceiveMessageOutput]
	DeleteMessageBehavior  MockedFunction[sqs.DeleteMessageInput, sqs.DeleteMessageOutput]
	NextError              AtomicError

	mu       sync.Mutex
	messages []sqstypes.Message
	deleted  []string
	seq      atomic.Uint64
}

func NewSQSAPI() *SQSAPI {
	return &SQSAPI{}
}

func (s *SQSAPI) Reset() {
	s.GetQueueURLBehavior.Reset()
	s.ReceiveMessageBehavior.Reset()
	s.DeleteMessageBehavior.Reset()
	s.NextError.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.deleted = nil
}

// EnqueueMessage queues a raw body and returns its receipt handle.
func (s *SQSAPI) EnqueueMessage(body string) string {
	handle := fmt.Sprintf("receipt-%d", s.seq.Add(1))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, sqstypes.Message{
		MessageId:     aws.String(fmt.Sprintf("message-%s", handle)),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	})
	return handle
}

// DeletedHandles reports the receipt handles deleted so far.
func (s *SQSAPI) DeletedHandles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.deleted...)
}

func (s *SQSAPI) GetQueueUrl(_ context.Context, input *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.GetQueueURLBehavior.Invoke(input, func(input *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
		return &sqs.GetQueueUrlOutput{
			QueueUrl: aws.String(fmt.Sprintf("https://sqs.us-east-1.amazonaws.com/000000000000/%s", aws.ToString(input.QueueName))),
		}, nil
	})
}

func (s *SQSAPI) ReceiveMessage(_ context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.ReceiveMessageBehavior.Invoke(input, func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		max := int(input.MaxNumberOfMessages)
		if max <= 0 {
			max = 1
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		n := min(max, len(s.messages))
		batch := append([]sqstypes.Message{}, s.messages[:n]...)
		s.messages = s.messages[n:]
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	})
}

func (s *SQSAPI) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.DeleteMessageBehavior.Invoke(input, func(input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deleted = append(s.deleted, aws.ToString(input.ReceiptHandle))
		return &sqs.DeleteMessageOutput{}, nil
	})
}
