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

// Package operator assembles the control plane: storage, caches, cloud
// clients, providers, pipelines, the replica coordinator, the scheduler and
// the HTTP surface. Construction order follows dependency order; shutdown
// runs it backwards.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/feed"
	"github.com/spotherd/spotherd/pkg/ingest"
	"github.com/spotherd/spotherd/pkg/operator/options"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/pipeline/stages"
	"github.com/spotherd/spotherd/pkg/providers/instance"
	"github.com/spotherd/spotherd/pkg/providers/instancetype"
	"github.com/spotherd/spotherd/pkg/providers/pricing"
	"github.com/spotherd/spotherd/pkg/providers/riskmodel"
	"github.com/spotherd/spotherd/pkg/providers/spotadvisor"
	"github.com/spotherd/spotherd/pkg/replica"
	"github.com/spotherd/spotherd/pkg/risk"
	"github.com/spotherd/spotherd/pkg/scheduler"
	"github.com/spotherd/spotherd/pkg/server"
	"github.com/spotherd/spotherd/pkg/storage"
	"github.com/spotherd/spotherd/pkg/switcher"
)

const (
	// agentLivenessMisses is how many heartbeat intervals an agent may miss
	// before the sweep flips it OFFLINE.
	agentLivenessMisses = 3
)

// Operator is the fully wired control plane.
type Operator struct {
	Options *options.ServerOptions

	Store *storage.Client
	Redis redis.UniversalClient
	KV    *cache.KV

	Pricing       *pricing.DefaultProvider
	InstanceTypes *instancetype.DefaultProvider
	SpotAdvisor   *spotadvisor.DefaultProvider
	Instances     *instance.DefaultProvider

	Tracker     *risk.Tracker
	Writer      *ingest.Writer
	Reconciler  *ingest.Reconciler
	Coordinator *replica.Coordinator
	Feed        *feed.Consumer

	Server    *server.Server
	Scheduler *scheduler.Scheduler

	clock clock.Clock
}

// New wires everything. The context is the process root; background pieces
// started here stop when it cancels.
func New(ctx context.Context, opts *options.ServerOptions) (*Operator, error) {
	clk := clock.RealClock{}

	store, err := storage.Open(ctx, opts.DatabaseURL, opts.DatabasePoolSize)
	if err != nil {
		return nil, fmt.Errorf("opening database, %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database, %w", err)
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url, %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	kv := cache.NewKV(redisClient)

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	// per-attempt budget on every cloud call
	awsCfg.HTTPClient = &http.Client{Timeout: opts.CloudAPITimeout}
	ec2api := ec2.NewFromConfig(awsCfg)

	writer := ingest.NewWriter(ctx, store.Pricing, kv)
	pricingProvider := pricing.NewDefaultProvider(ctx, pricing.NewAPI(awsCfg, opts.PricingEndpointRegion), ec2api, kv, store.Pricing, writer, opts.AWSRegion)
	instanceTypes := instancetype.NewDefaultProvider(ec2api, gocache.New(11*time.Minute, time.Minute))
	advisor := spotadvisor.NewDefaultProvider(spotadvisor.DefaultFeedURL)
	instances := instance.NewDefaultProvider(ec2api, clk)

	mirror := cache.NewPoisonedPools()
	tracker := risk.NewTracker(store.RiskEvents, kv, mirror, clk)
	reconciler := ingest.NewReconciler(store.Pricing, clk, ingest.GapFillWindow)

	coordinator := replica.NewCoordinator(store, instances, instanceTypes, pricingProvider, tracker, clk, opts.ReplicaPromoteFloor)

	var model riskmodel.Model
	if opts.RiskModelEndpoint != "" {
		model = riskmodel.NewHTTPModel(opts.RiskModelEndpoint, opts.RiskModelID)
	} else {
		model = riskmodel.NewStaticModel()
	}

	deciders := map[core.PipelineMode]server.Decider{
		core.ModeLinear:     buildPipeline(opts, advisor, tracker, model, pricingProvider, instanceTypes, stages.NewSingleInstanceExecutor(instances, opts.ReadyTimeout), clk),
		core.ModeKubernetes: buildPipeline(opts, advisor, tracker, model, pricingProvider, instanceTypes, newKubeExecutor(ctx, opts, instances, clk), clk),
	}

	var interruptionFeed *feed.Consumer
	if opts.InterruptionQueueName != "" {
		interruptionFeed = feed.NewConsumer(sqs.NewFromConfig(awsCfg), opts.InterruptionQueueName, store, tracker, coordinator)
	}

	srv := server.New(store, writer, tracker, coordinator, deciders, clk, opts.AccountID)

	op := &Operator{
		Options:       opts,
		Store:         store,
		Redis:         redisClient,
		KV:            kv,
		Pricing:       pricingProvider,
		InstanceTypes: instanceTypes,
		SpotAdvisor:   advisor,
		Instances:     instances,
		Tracker:       tracker,
		Writer:        writer,
		Reconciler:    reconciler,
		Coordinator:   coordinator,
		Feed:          interruptionFeed,
		Server:        srv,
		clock:         clk,
	}
	op.Scheduler = scheduler.New(clk, op.jobs()...)
	return op, nil
}

// newKubeExecutor wires the atomic switch when a cluster is reachable.
// Without one, KUBERNETES verdicts degrade to log-only instead of failing
// registration for every agent in that mode.
func newKubeExecutor(ctx context.Context, opts *options.ServerOptions, instances instance.Provider, clk clock.Clock) stages.Executor {
	cfg, err := kubeRestConfig(opts.KubeconfigPath)
	if err != nil {
		logging.FromContext(ctx).Warnf("no kubernetes environment, cluster verdicts will be log-only, %s", err)
		return stages.NewLogExecutor()
	}
	kube, err := client.New(cfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		logging.FromContext(ctx).Warnf("building kubernetes client, cluster verdicts will be log-only, %s", err)
		return stages.NewLogExecutor()
	}
	return stages.NewKubernetesExecutor(switcher.New(kube, instances, clk, opts.ReadyTimeout, opts.DrainTimeout))
}

func kubeRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{}).ClientConfig()
}

// buildPipeline assembles the canonical stage order. The sequence is fixed;
// reproducibility of verdicts depends on it.
func buildPipeline(opts *options.ServerOptions, advisor spotadvisor.Provider, tracker *risk.Tracker, model riskmodel.Model, pricingProvider pricing.Provider, instanceTypes instancetype.Provider, executor stages.Executor, clk clock.Clock) *pipeline.Pipeline {
	if opts.ShadowMode {
		executor = stages.NewLogExecutor()
	}
	return pipeline.New(clk,
		stages.NewInput(pricingProvider, instanceTypes),
		stages.NewHardware(),
		stages.NewAdvisor(advisor, opts.MaxHistoricInterruptRate),
		stages.NewRightsizing(opts.RightsizeMultiplier),
		stages.NewGlobalRisk(tracker),
		stages.NewRiskModel(model),
		stages.NewSafetyGate(opts.MaxCrashProbability),
		stages.NewBinPacking(),
		stages.NewYield(),
		stages.NewOverride(stages.NoSignal, opts.MaxCrashProbability),
		stages.NewActuator(executor),
	)
}

// jobs is the periodic work of the control plane.
func (o *Operator) jobs() []scheduler.Job {
	jobs := []scheduler.Job{
		{
			Name:       "price-scrape",
			Interval:   5 * time.Minute,
			Jitter:     30 * time.Second,
			InitialRun: true,
			Run:        o.Pricing.UpdatePricing,
		},
		{
			Name:       "instance-type-discovery",
			Interval:   30 * time.Minute,
			InitialRun: true,
			Run: func(ctx context.Context) error {
				if err := o.InstanceTypes.UpdateInstanceTypes(ctx); err != nil {
					return err
				}
				return o.InstanceTypes.UpdateInstanceTypeOfferings(ctx)
			},
		},
		{
			Name:     "pricing-reconcile",
			Interval: 5 * time.Minute,
			Jitter:   time.Minute,
			Run:      o.Reconciler.Reconcile,
		},
		{
			Name:     "risk-cleanup",
			Interval: 24 * time.Hour,
			Jitter:   time.Hour,
			Run:      o.Tracker.Cleanup,
		},
		{
			Name:       "risk-mirror-refresh",
			Interval:   10 * time.Minute,
			InitialRun: true,
			Run:        o.Tracker.RefreshMirror,
		},
		{
			Name:     "coordinator-tick",
			Interval: replica.TickInterval,
			Run:      o.Coordinator.Tick,
		},
		{
			Name:     "agent-liveness-sweep",
			Interval: o.Options.HeartbeatInterval,
			Run:      o.sweepStaleAgents,
		},
		{
			Name:     "command-expiry",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := o.Store.Commands.ExpireStale(ctx, o.clock.Now())
				return err
			},
		},
	}
	if o.Feed != nil {
		jobs = append(jobs, scheduler.Job{
			// the receive call long-polls for 20s; a short interval keeps
			// the queue drained without overlapping
			Name:     "interruption-feed",
			Interval: time.Second,
			Run:      o.Feed.Poll,
		})
	}
	return jobs
}

// sweepStaleAgents flips agents OFFLINE after three missed heartbeats.
func (o *Operator) sweepStaleAgents(ctx context.Context) error {
	cutoff := o.clock.Now().Add(-agentLivenessMisses * o.Options.HeartbeatInterval)
	flipped, err := o.Store.Agents.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	if flipped > 0 {
		logging.FromContext(ctx).With("agent-count", flipped).Infof("flipped stale agents offline")
	}
	return nil
}

// Start runs the scheduler and HTTP server until ctx cancels.
func (o *Operator) Start(ctx context.Context) error {
	o.Scheduler.Start(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return o.Server.Serve(ctx, o.Options.HTTPAddr)
	})
	err := group.Wait()
	o.Scheduler.Wait()
	o.close(ctx)
	return err
}

func (o *Operator) close(ctx context.Context) {
	logger := logging.FromContext(ctx)
	if err := o.Redis.Close(); err != nil {
		logger.Errorf("closing redis, %s", err)
	}
	if err := o.Store.Close(); err != nil {
		logger.Errorf("closing database, %s", err)
	}
}
