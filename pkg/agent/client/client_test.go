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

package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/spotherd/spotherd/pkg/agent/client"
	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
	)

	BeforeEach(func() {
		handler = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			handler(w, req)
		}))
		DeferCleanup(server.Close)
	})

	registerRequest := func() api.RegisterRequest {
		return api.RegisterRequest{
			Hostname:        "web-42",
			CloudInstanceID: "i-0abc123def4567890",
			InstanceType:    "c5.large",
			Region:          "us-east-1",
			Zone:            "us-east-1a",
		}
	}

	It("should register and route agent calls under the returned id", func() {
		var paths []string
		handler = func(w http.ResponseWriter, req *http.Request) {
			paths = append(paths, req.URL.Path)
			Expect(req.Header.Get("Authorization")).To(Equal("Bearer tok-1"))
			w.Header().Set("Content-Type", "application/json")
			if req.URL.Path == "/agents/register" {
				w.WriteHeader(http.StatusCreated)
				Expect(json.NewEncoder(w).Encode(api.RegisterResponse{AgentID: "agent-1"})).To(Succeed())
				return
			}
			w.WriteHeader(http.StatusOK)
		}

		c := client.New(server.URL, "tok-1")
		agentID, err := c.Register(ctx, registerRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(agentID).To(Equal("agent-1"))
		Expect(c.AgentID()).To(Equal("agent-1"))

		Expect(c.Heartbeat(ctx, api.HeartbeatRequest{Status: "online", CloudInstanceID: "i-0abc123def4567890"})).To(Succeed())
		Expect(paths).To(Equal([]string{"/agents/register", "/agents/agent-1/heartbeat"}))
	})

	It("should surface a 401 as a terminal auth error without retrying", func() {
		var calls atomic.Int32
		handler = func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unknown client token", Kind: "auth"})
		}

		c := client.New(server.URL, "bogus")
		_, err := c.Register(ctx, registerRequest())
		Expect(errors.IsAuth(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("unknown client token"))
		Expect(calls.Load()).To(BeEquivalentTo(1))
	})

	It("should retry a 5xx and succeed", func() {
		var calls atomic.Int32
		handler = func(w http.ResponseWriter, req *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(api.RegisterResponse{AgentID: "agent-1"})
		}

		c := client.New(server.URL, "tok-1")
		agentID, err := c.Register(ctx, registerRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(agentID).To(Equal("agent-1"))
		Expect(calls.Load()).To(BeEquivalentTo(2))
	})

	It("should map a 409 to a conflict", func() {
		handler = func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "token already bound to another instance", Kind: "conflict"})
		}

		c := client.New(server.URL, "tok-1")
		_, err := c.Register(ctx, registerRequest())
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should decode polled command envelopes", func() {
		handler = func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if req.URL.Path == "/agents/register" {
				_ = json.NewEncoder(w).Encode(api.RegisterResponse{AgentID: "agent-1"})
				return
			}
			Expect(req.URL.Path).To(Equal("/agents/agent-1/commands"))
			_, _ = w.Write([]byte(`[{"id":"cmd-1","kind":"switch","payload":{"target-pool-id":"us-east-1b:m5.large"},"expires-at":"2026-08-26T12:00:00Z"}]`))
		}

		c := client.New(server.URL, "tok-1")
		_, err := c.Register(ctx, registerRequest())
		Expect(err).ToNot(HaveOccurred())

		commands, err := c.PollCommands(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(commands).To(HaveLen(1))
		Expect(commands[0].ID).To(Equal("cmd-1"))
		Expect(string(commands[0].Payload)).To(ContainSubstring("us-east-1b:m5.large"))
	})
})
