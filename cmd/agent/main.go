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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	imdssdk "github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/agent"
	"github.com/spotherd/spotherd/pkg/agent/client"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/operator/options"
	"github.com/spotherd/spotherd/pkg/providers/imds"
)

func main() {
	logger := zap.Must(zap.NewProduction()).Sugar()
	defer func() { _ = logger.Sync() }()

	ctx := logging.WithLogger(context.Background(), logger.Named("agent"))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options.NewAgentOptions()
	if err := opts.Parse(os.Args[1:]); err != nil {
		logger.Errorf("parsing flags, %s", err)
		os.Exit(agent.ExitConfig)
	}
	if err := opts.Validate(); err != nil {
		logger.Errorf("invalid configuration, %s", err)
		os.Exit(agent.ExitConfig)
	}

	config := agent.Config{
		HeartbeatInterval: opts.HeartbeatInterval,
		PricingInterval:   opts.PricingReportInterval,
		PollInterval:      opts.EffectiveCommandPollInterval(),
		SignalInterval:    opts.SignalPollInterval,
		Mode:              core.PipelineMode(opts.Mode),
		Version:           opts.Version,
	}
	metadata := imds.NewClient(imdssdk.New(imdssdk.Options{}))
	a := agent.New(client.New(opts.ServerURL, opts.ClientToken), metadata, nil, clock.RealClock{}, config)
	os.Exit(a.Run(ctx))
}
