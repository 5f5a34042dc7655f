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

package options_test

import (
	"time"

	"github.com/spotherd/spotherd/pkg/operator/options"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ServerOptions", func() {
	var opts *options.ServerOptions

	validArgs := []string{
		"--database-url", "postgres://localhost:5432/spotherd",
		"--aws-region", "us-east-1",
		"--account-id", "account-1",
	}

	BeforeEach(func() {
		opts = options.NewServerOptions()
	})

	It("should accept a minimal valid configuration with defaults", func() {
		Expect(opts.Parse(validArgs)).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.HTTPAddr).To(Equal(":8080"))
		Expect(opts.MaxCrashProbability).To(Equal(0.85))
		Expect(opts.RightsizeMultiplier).To(Equal(2.0))
		Expect(opts.DrainTimeout).To(Equal(5 * time.Minute))
		Expect(opts.HeartbeatInterval).To(Equal(30 * time.Second))
	})

	It("should reject a non-positive heartbeat interval", func() {
		Expect(opts.Parse(append(validArgs, "--heartbeat-interval", "0s"))).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("heartbeat-interval must be positive"))
	})

	It("should require the database url, region and account", func() {
		Expect(opts.Parse(nil)).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("DATABASE_URL is required"))
		Expect(err.Error()).To(ContainSubstring("AWS_REGION is required"))
		Expect(err.Error()).To(ContainSubstring("ACCOUNT_ID is required"))
	})

	It("should reject probabilities outside the unit interval", func() {
		Expect(opts.Parse(append(validArgs, "--max-crash-probability", "1.5"))).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("max-crash-probability must be within [0,1]"))
	})

	It("should reject a promote floor below zero", func() {
		Expect(opts.Parse(append(validArgs, "--replica-ready-promote-floor", "-0.1"))).To(Succeed())
		Expect(opts.Validate()).ToNot(Succeed())
	})

	It("should reject a rightsize multiplier below one", func() {
		Expect(opts.Parse(append(validArgs, "--rightsize-multiplier", "0.5"))).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("rightsize-multiplier must be at least 1"))
	})

	It("should reject a relative risk model endpoint", func() {
		Expect(opts.Parse(append(validArgs, "--risk-model-endpoint", "not a url"))).To(Succeed())
		Expect(opts.Validate()).ToNot(Succeed())
	})

	It("should accept an absolute risk model endpoint", func() {
		Expect(opts.Parse(append(validArgs, "--risk-model-endpoint", "https://risk.internal:8443"))).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
	})
})

var _ = Describe("AgentOptions", func() {
	var opts *options.AgentOptions

	validArgs := []string{
		"--server-url", "https://spotherd.internal",
		"--client-token", "tok-1",
	}

	BeforeEach(func() {
		opts = options.NewAgentOptions()
	})

	It("should accept a minimal valid configuration with defaults", func() {
		Expect(opts.Parse(validArgs)).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.HeartbeatInterval).To(Equal(30 * time.Second))
		Expect(opts.SignalPollInterval).To(Equal(5 * time.Second))
		Expect(opts.Mode).To(Equal("LINEAR"))
	})

	It("should require the server url and client token", func() {
		Expect(opts.Parse(nil)).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("SERVER_URL is required"))
		Expect(err.Error()).To(ContainSubstring("CLIENT_TOKEN is required"))
	})

	It("should reject a server url without a scheme", func() {
		Expect(opts.Parse([]string{"--server-url", "spotherd.internal", "--client-token", "tok-1"})).To(Succeed())
		Expect(opts.Validate()).ToNot(Succeed())
	})

	It("should reject an unknown mode", func() {
		Expect(opts.Parse(append(validArgs, "--mode", "HYBRID"))).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(`got "HYBRID"`))
	})

	It("should reject non-positive intervals", func() {
		Expect(opts.Parse(append(validArgs, "--heartbeat-interval", "0s"))).To(Succeed())
		err := opts.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("heartbeat-interval must be positive"))
	})

	It("should follow the heartbeat when no command poll interval is set", func() {
		Expect(opts.Parse(append(validArgs, "--heartbeat-interval", "45s"))).To(Succeed())
		Expect(opts.EffectiveCommandPollInterval()).To(Equal(45 * time.Second))
	})

	It("should honor an explicit command poll interval", func() {
		Expect(opts.Parse(append(validArgs, "--command-poll-interval", "12s"))).To(Succeed())
		Expect(opts.EffectiveCommandPollInterval()).To(Equal(12 * time.Second))
	})
})
