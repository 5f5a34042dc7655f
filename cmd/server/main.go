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

	"go.uber.org/zap"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/operator"
	"github.com/spotherd/spotherd/pkg/operator/options"
)

func main() {
	logger := zap.Must(zap.NewProduction()).Sugar()
	defer func() { _ = logger.Sync() }()

	ctx := logging.WithLogger(context.Background(), logger.Named("server"))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options.NewServerOptions().MustParse(os.Args[1:])
	op, err := operator.New(ctx, opts)
	if err != nil {
		logger.Fatalf("starting up, %s", err)
	}
	if err := op.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("serving, %s", err)
		os.Exit(1)
	}
}
