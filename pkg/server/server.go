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

// Package server is the control plane's HTTP surface: agent registration,
// heartbeats, pricing reports, the command queue, interruption signals,
// replica management and on-demand decision runs. JSON over HTTPS with
// bearer client-tokens; 4xx is terminal for the caller, 5xx is retriable.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/metrics"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/storage"
)

// Decider runs the decision pipeline for one input.
type Decider interface {
	Run(ctx context.Context, input pipeline.Input) core.Decision
}

// EventRegistrar is the fire-and-forget side of the global risk tracker.
type EventRegistrar interface {
	RegisterEvent(ctx context.Context, pool core.Pool, kind core.RiskEventKind, sourceTenant string, environment core.Environment, metadata map[string]string)
}

// Coordinator is the replica side the protocol handlers drive.
type Coordinator interface {
	HandleRebalance(ctx context.Context, agentID string) error
	HandleTermination(ctx context.Context, agentID string) error
	CreateReplica(ctx context.Context, agentID, poolID, createdBy string) (*core.Replica, error)
	Promote(ctx context.Context, agent *core.Agent, replicaID string) error
}

// Sink lands pricing observations.
type Sink interface {
	Ingest(ctx context.Context, snapshots []core.PricingSnapshot) error
}

// Server holds the wired collaborators of the HTTP surface.
type Server struct {
	store       *storage.Client
	sink        Sink
	tracker     EventRegistrar
	coordinator Coordinator
	deciders    map[core.PipelineMode]Decider
	validate    *validator.Validate
	clock       clock.Clock

	// accountID backs registrations until a provisioning surface exists;
	// client tokens are minted against it out of band.
	accountID string
}

func New(store *storage.Client, sink Sink, tracker EventRegistrar, coordinator Coordinator, deciders map[core.PipelineMode]Decider, clk clock.Clock, accountID string) *Server {
	return &Server{
		store:       store,
		sink:        sink,
		tracker:     tracker,
		coordinator: coordinator,
		deciders:    deciders,
		validate:    validator.New(),
		clock:       clk,
		accountID:   accountID,
	}
}

// Router assembles the chi routing tree. Registration sits outside the auth
// group; everything under /agents/{agent} checks token ownership.
func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogger(ctx))
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Post("/agents/register", s.handleRegister)
	r.Route("/agents/{agent}", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/pricing-report", s.handlePricingReport)
		r.Get("/commands", s.handleCommandsPoll)
		r.Post("/commands/{command}/executed", s.handleCommandExecuted)
		r.Post("/rebalance", s.handleRebalance)
		r.Post("/termination", s.handleTermination)
		r.Get("/replicas", s.handleReplicasList)
		r.Post("/replicas", s.handleReplicaCreate)
		r.Post("/replicas/{replica}/promote", s.handleReplicaPromote)
		r.Post("/decision", s.handleDecision)
	})
	return r
}

// withLogger carries the process logger into every request context.
func (s *Server) withLogger(root context.Context) func(http.Handler) http.Handler {
	logger := logging.FromContext(root)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logging.WithLogger(req.Context(), logger.With("request-id", middleware.GetReqID(req.Context())))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		route := chi.RouteContext(req.Context()).RoutePattern()
		RequestDuration.WithLabelValues(req.Method, route).Observe(s.clock.Since(start).Seconds())
		Requests.WithLabelValues(req.Method, route, http.StatusText(ww.Status())).Inc()
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if err := s.store.Healthy(req.Context()); err != nil {
		s.respondError(req.Context(), w, errors.TransientUpstream("database unavailable, %s", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// bearerToken strips the scheme off the Authorization header.
func bearerToken(req *http.Request) string {
	value := req.Header.Get(api.ClientTokenHeader)
	return strings.TrimSpace(strings.TrimPrefix(value, "Bearer"))
}

type contextKey string

const agentKey contextKey = "agent"

// authenticate resolves the bearer token to an agent and checks it owns the
// agent-id in the path. Failures are uniform 401s; the caller learns nothing
// about which half failed.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		if token == "" {
			s.respondError(req.Context(), w, errors.Auth("missing client token"))
			return
		}
		agent, err := s.store.Agents.GetByToken(req.Context(), token)
		if err != nil {
			s.respondError(req.Context(), w, errors.Auth("unknown client token"))
			return
		}
		if agent.ID != chi.URLParam(req, "agent") {
			s.respondError(req.Context(), w, errors.Auth("token does not own agent"))
			return
		}
		ctx := context.WithValue(req.Context(), agentKey, agent)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("agent-id", agent.ID))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func agentFrom(ctx context.Context) *core.Agent {
	agent, _ := ctx.Value(agentKey).(*core.Agent)
	return agent
}

// decode unmarshals and validates a request body.
func (s *Server) decode(req *http.Request, into interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return errors.Validation("malformed request body, %s", err)
	}
	if err := s.validate.Struct(into); err != nil {
		return errors.Validation("invalid request, %s", err)
	}
	return nil
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromContext(ctx).Errorf("encoding response, %s", err)
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Errorf("request failed, %s", err)
	} else {
		logging.FromContext(ctx).Debugf("request rejected, %s", err)
	}
	s.respond(ctx, w, status, api.ErrorResponse{
		Error: err.Error(),
		Kind:  errors.KindOf(err).String(),
	})
}

// Serve runs the HTTP server until ctx cancels, then drains with a grace
// period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()
	logging.FromContext(ctx).With("addr", addr).Infof("serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return <-done
}
