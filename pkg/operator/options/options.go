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

// Package options holds the process configuration of both binaries. Flags
// override environment variables override defaults.
package options

import (
	"flag"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"

	"github.com/spotherd/spotherd/pkg/utils/env"
)

// ServerOptions configures the control plane process.
type ServerOptions struct {
	*flag.FlagSet

	HTTPAddr         string
	DatabaseURL      string
	DatabasePoolSize int
	RedisURL         string

	AWSRegion             string
	InterruptionQueueName string
	PricingEndpointRegion string

	AccountID string

	MaxCrashProbability      float64
	MaxHistoricInterruptRate float64
	RightsizeMultiplier      float64
	ReplicaPromoteFloor      float64

	DrainTimeout      time.Duration
	ReadyTimeout      time.Duration
	CloudAPITimeout   time.Duration
	HeartbeatInterval time.Duration

	RiskModelEndpoint string
	RiskModelID       string

	KubeconfigPath string

	ShadowMode bool
}

func NewServerOptions() *ServerOptions {
	opts := &ServerOptions{}
	f := flag.NewFlagSet("spotherd-server", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.HTTPAddr, "http-addr", env.WithDefaultString("HTTP_ADDR", ":8080"), "Address the API and metrics endpoints bind to")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "PostgreSQL connection string")
	f.IntVar(&opts.DatabasePoolSize, "database-pool-size", env.WithDefaultInt("DATABASE_POOL_SIZE", 20), "Maximum open database connections")
	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379"), "Redis connection string for the shared price and poison caches")
	f.StringVar(&opts.AWSRegion, "aws-region", env.WithDefaultString("AWS_REGION", ""), "Region the control plane manages")
	f.StringVar(&opts.InterruptionQueueName, "interruption-queue", env.WithDefaultString("INTERRUPTION_QUEUE", ""), "SQS queue receiving EventBridge interruption notices; empty disables the feed")
	f.StringVar(&opts.PricingEndpointRegion, "pricing-endpoint-region", env.WithDefaultString("PRICING_ENDPOINT_REGION", ""), "Override for the pricing API region routing")
	f.StringVar(&opts.AccountID, "account-id", env.WithDefaultString("ACCOUNT_ID", ""), "Account registrations are attached to")
	f.Float64Var(&opts.MaxCrashProbability, "max-crash-probability", env.WithDefaultFloat64("MAX_CRASH_PROBABILITY", 0.85), "Safety gate on predicted crash probability; strictly above fails")
	f.Float64Var(&opts.MaxHistoricInterruptRate, "max-historic-interrupt-rate", env.WithDefaultFloat64("MAX_HISTORIC_INTERRUPT_RATE", 0.20), "Advisor filter on historic interruption rate; at or above fails")
	f.Float64Var(&opts.RightsizeMultiplier, "rightsize-multiplier", env.WithDefaultFloat64("RIGHTSIZE_MULTIPLIER", 2.0), "Upper bound on upsize candidates relative to the requested vCPU")
	f.Float64Var(&opts.ReplicaPromoteFloor, "replica-ready-promote-floor", env.WithDefaultFloat64("REPLICA_READY_PROMOTE_FLOOR", 0.5), "Minimum sync progress for promoting a SYNCING standby")
	f.DurationVar(&opts.DrainTimeout, "drain-timeout", env.WithDefaultDuration("DRAIN_TIMEOUT", 5*time.Minute), "Budget for draining a node during an atomic switch")
	f.DurationVar(&opts.ReadyTimeout, "ready-timeout", env.WithDefaultDuration("READY_TIMEOUT", 5*time.Minute), "Budget for a replacement node to report Ready")
	f.DurationVar(&opts.CloudAPITimeout, "cloud-api-timeout", env.WithDefaultDuration("CLOUD_API_TIMEOUT", 10*time.Second), "Per-call timeout against cloud APIs")
	f.DurationVar(&opts.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("HEARTBEAT_INTERVAL", 30*time.Second), "Expected agent heartbeat cadence; the liveness sweep runs at this interval and flips agents offline after three missed beats")
	f.StringVar(&opts.RiskModelEndpoint, "risk-model-endpoint", env.WithDefaultString("RISK_MODEL_ENDPOINT", ""), "Inference service base URL; empty selects the static model")
	f.StringVar(&opts.RiskModelID, "risk-model-id", env.WithDefaultString("RISK_MODEL_ID", "default"), "Model identifier sent with prediction requests")
	f.StringVar(&opts.KubeconfigPath, "kubeconfig", env.WithDefaultString("KUBECONFIG", ""), "Path to a kubeconfig; empty tries in-cluster config, then the default loading rules")
	f.BoolVar(&opts.ShadowMode, "shadow-mode", env.WithDefaultBool("SHADOW_MODE", false), "Record verdicts without executing them")
	return opts
}

// MustParse reads flags, environment and defaults, and panics on invalid
// configuration. Server startup failure is the only fatal path.
func (o *ServerOptions) MustParse(args []string) *ServerOptions {
	if err := o.Parse(args); err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o ServerOptions) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if o.AWSRegion == "" {
		err = multierr.Append(err, fmt.Errorf("AWS_REGION is required"))
	}
	if o.AccountID == "" {
		err = multierr.Append(err, fmt.Errorf("ACCOUNT_ID is required"))
	}
	err = multierr.Append(err, validateUnit("max-crash-probability", o.MaxCrashProbability))
	err = multierr.Append(err, validateUnit("max-historic-interrupt-rate", o.MaxHistoricInterruptRate))
	err = multierr.Append(err, validateUnit("replica-ready-promote-floor", o.ReplicaPromoteFloor))
	if o.HeartbeatInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat-interval must be positive, got %s", o.HeartbeatInterval))
	}
	if o.RightsizeMultiplier < 1 {
		err = multierr.Append(err, fmt.Errorf("rightsize-multiplier must be at least 1, got %g", o.RightsizeMultiplier))
	}
	if o.RiskModelEndpoint != "" {
		if endpoint, parseErr := url.Parse(o.RiskModelEndpoint); parseErr != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
			err = multierr.Append(err, fmt.Errorf("%q is not a valid RISK_MODEL_ENDPOINT URL", o.RiskModelEndpoint))
		}
	}
	return err
}

// AgentOptions configures the on-host agent process.
type AgentOptions struct {
	*flag.FlagSet

	ServerURL   string
	ClientToken string

	HeartbeatInterval     time.Duration
	PricingReportInterval time.Duration
	CommandPollInterval   time.Duration
	SignalPollInterval    time.Duration

	Mode    string
	Version string
}

func NewAgentOptions() *AgentOptions {
	opts := &AgentOptions{}
	f := flag.NewFlagSet("spotherd-agent", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ServerURL, "server-url", env.WithDefaultString("SERVER_URL", ""), "Control plane base URL")
	f.StringVar(&opts.ClientToken, "client-token", env.WithDefaultString("CLIENT_TOKEN", ""), "Pre-provisioned bearer token")
	f.DurationVar(&opts.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("HEARTBEAT_INTERVAL", 30*time.Second), "Heartbeat cadence")
	f.DurationVar(&opts.PricingReportInterval, "pricing-report-interval", env.WithDefaultDuration("PRICING_REPORT_INTERVAL", 5*time.Minute), "Pricing report cadence")
	f.DurationVar(&opts.CommandPollInterval, "command-poll-interval", env.WithDefaultDuration("COMMAND_POLL_INTERVAL", 0), "Command poll cadence; zero follows the heartbeat interval")
	f.DurationVar(&opts.SignalPollInterval, "signal-poll-interval", env.WithDefaultDuration("SIGNAL_POLL_INTERVAL", 5*time.Second), "Metadata reclaim-signal poll cadence")
	f.StringVar(&opts.Mode, "mode", env.WithDefaultString("MODE", "LINEAR"), "Pipeline mode reported at registration: LINEAR, CLUSTER or KUBERNETES")
	f.StringVar(&opts.Version, "agent-version", env.WithDefaultString("AGENT_VERSION", ""), "Agent build version reported at registration")
	return opts
}

func (o AgentOptions) Validate() (err error) {
	if o.ServerURL == "" {
		err = multierr.Append(err, fmt.Errorf("SERVER_URL is required"))
	} else if endpoint, parseErr := url.Parse(o.ServerURL); parseErr != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		err = multierr.Append(err, fmt.Errorf("%q is not a valid SERVER_URL", o.ServerURL))
	}
	if o.ClientToken == "" {
		err = multierr.Append(err, fmt.Errorf("CLIENT_TOKEN is required"))
	}
	switch o.Mode {
	case "LINEAR", "CLUSTER", "KUBERNETES":
	default:
		err = multierr.Append(err, fmt.Errorf("mode may only be LINEAR, CLUSTER or KUBERNETES, got %q", o.Mode))
	}
	for name, d := range map[string]time.Duration{
		"heartbeat-interval":      o.HeartbeatInterval,
		"pricing-report-interval": o.PricingReportInterval,
		"signal-poll-interval":    o.SignalPollInterval,
	} {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	return err
}

// EffectiveCommandPollInterval resolves the follow-the-heartbeat default.
func (o AgentOptions) EffectiveCommandPollInterval() time.Duration {
	if o.CommandPollInterval > 0 {
		return o.CommandPollInterval
	}
	return o.HeartbeatInterval
}

func validateUnit(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s must be within [0,1], got %g", name, value)
	}
	return nil
}
