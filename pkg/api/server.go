package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/pipeline"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

// maxWebhookBody bounds the size of a webhook delivery
const maxWebhookBody = 1 << 20

// Engine is the part of the release engine the API exposes
type Engine interface {
	Start(ctx context.Context, req deploy.Request) (string, <-chan *types.Outcome, error)
	Get(id string) (*types.Deployment, error)
	Active() []*types.Deployment
	Approve(id string) error
	Rollback(id, reason string) error
}

// Pipelines is the part of the pipeline coordinator the API exposes
type Pipelines interface {
	Pipelines() []string
	VerifyWebhook(ctx context.Context, name string, body []byte, signature string) (types.SourceEvent, error)
	TriggerPipeline(ctx context.Context, name string, ev types.SourceEvent) (*types.PipelineRun, error)
	Get(id string) (*types.PipelineRun, error)
	Runs(name string) ([]*types.PipelineRun, error)
}

// Listeners reports the router's bindings
type Listeners interface {
	Listeners() []types.Listener
}

// Services reads service records
type Services interface {
	GetService(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
}

// Config wires the API server
type Config struct {
	Addr      string
	Engine    Engine
	Pipelines Pipelines
	Listeners Listeners
	Services  Services

	// Leadership is set when state is replicated with raft; only the leader
	// accepts writes
	Leadership Leadership

	// Guard protects the webhook endpoint; nil accepts every caller
	Guard *WebhookGuard

	// Events feeds GET /events; nil disables the stream
	Events *events.Broker
}

// Server is the HTTP control plane: releases, approvals, rollbacks,
// pipeline webhooks, health and metrics
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	logger zerolog.Logger

	// background work outlives the request that started it
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the API server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("api server requires a release engine")
	}
	if cfg.Services == nil {
		return nil, fmt.Errorf("api server requires a service store")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	health := NewHealthServer(s.cfg.Leadership, s.cfg.Services)
	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", health.readyHandler)
	s.mux.Handle("GET /livez", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("GET /services", s.instrument("ListServices", s.listServices))
	s.mux.Handle("GET /services/{name}", s.instrument("GetService", s.getService))
	s.mux.Handle("POST /services/{name}/release", s.instrument("Release", s.writes(s.release)))

	s.mux.Handle("GET /deployments", s.instrument("ListDeployments", s.listDeployments))
	s.mux.Handle("GET /deployments/{id}", s.instrument("GetDeployment", s.getDeployment))
	s.mux.Handle("POST /deployments/{id}/approve", s.instrument("Approve", s.writes(s.approve)))
	s.mux.Handle("POST /deployments/{id}/rollback", s.instrument("Rollback", s.writes(s.rollback)))

	s.mux.Handle("GET /listeners", s.instrument("ListListeners", s.listListeners))
	s.mux.Handle("GET /events", s.instrument("StreamEvents", s.streamEvents))

	s.mux.Handle("GET /pipelines", s.instrument("ListPipelines", s.listPipelines))
	s.mux.Handle("GET /pipelines/{name}/runs", s.instrument("ListRuns", s.listRuns))
	s.mux.Handle("POST /pipelines/{name}/trigger", s.instrument("Trigger", s.writes(s.trigger)))
	s.mux.Handle("GET /runs/{id}", s.instrument("GetRun", s.getRun))

	var webhook http.Handler = s.writes(s.webhook)
	if s.cfg.Guard != nil {
		webhook = s.cfg.Guard.Wrap(webhook)
	}
	s.mux.Handle("POST /webhooks/{pipeline}", s.instrument("Webhook", webhook.ServeHTTP))
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on Addr until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // release?wait=true blocks for the whole release
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("API server listening")
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and cancels background work started by
// the API. It waits for that work until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Background work still running at shutdown")
	}
	return err
}

// instrument records request metrics under method
func (s *Server) instrument(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
	})
}

// writes rejects state changes on a follower
func (s *Server) writes(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l := s.cfg.Leadership; l != nil && !l.IsLeader() {
			msg := "not the leader"
			if addr := l.LeaderAddr(); addr != "" {
				msg = fmt.Sprintf("not the leader, leader is %s", addr)
			}
			writeError(w, http.StatusServiceUnavailable, msg)
			return
		}
		h(w, r)
	}
}

// ReleaseRequest is the body of POST /services/{name}/release. Image
// replaces the image of the live task spec when TaskSpec is omitted.
type ReleaseRequest struct {
	Image    string               `json:"image,omitempty"`
	TaskSpec *types.TaskSpec      `json:"taskSpec,omitempty"`
	Strategy types.Strategy       `json:"strategy,omitempty"`
	Config   *types.ReleaseConfig `json:"config,omitempty"`
}

// ReleaseResponse reports an accepted or finished release
type ReleaseResponse struct {
	DeploymentID string                 `json:"deploymentId"`
	Service      string                 `json:"service"`
	Status       types.DeploymentStatus `json:"status,omitempty"`
	Phase        types.Phase            `json:"phase,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// RollbackRequest is the optional body of POST /deployments/{id}/rollback
type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerResponse reports an accepted pipeline trigger
type TriggerResponse struct {
	Pipeline string            `json:"pipeline"`
	Event    types.SourceEvent `json:"event"`
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req ReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	spec := req.TaskSpec
	if spec == nil {
		if req.Image == "" {
			writeError(w, http.StatusBadRequest, "image or taskSpec is required")
			return
		}
		service, err := s.cfg.Services.GetService(name)
		if err != nil {
			writeStoreError(w, err, "service "+name)
			return
		}
		spec = service.TaskSpec.Clone()
		spec.Image = req.Image
	}

	id, done, err := s.cfg.Engine.Start(s.baseCtx, deploy.Request{
		Service:  name,
		TaskSpec: spec,
		Strategy: req.Strategy,
		Config:   req.Config,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	s.logger.Info().Str("service", name).Str("deployment_id", id).Str("image", spec.Image).Msg("Release accepted")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case outcome := <-done:
			writeJSON(w, http.StatusOK, outcomeResponse(outcome))
		case <-r.Context().Done():
		}
		return
	}

	writeJSON(w, http.StatusAccepted, ReleaseResponse{
		DeploymentID: id,
		Service:      name,
		Status:       types.DeploymentInProgress,
	})
}

func outcomeResponse(o *types.Outcome) ReleaseResponse {
	resp := ReleaseResponse{
		DeploymentID: o.DeploymentID,
		Service:      o.Service,
		Status:       o.Status,
		Phase:        o.Phase,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.cfg.Services.ListServices()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	service, err := s.cfg.Services.GetService(name)
	if err != nil {
		writeStoreError(w, err, "service "+name)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.Active())
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Engine.Approve(id); err != nil {
		writeErr(w, err)
		return
	}
	s.writeDeployment(w, id)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req RollbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Engine.Rollback(id, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	s.writeDeployment(w, id)
}

func (s *Server) writeDeployment(w http.ResponseWriter, id string) {
	d, err := s.cfg.Engine.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) listListeners(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Listeners == nil {
		writeJSON(w, http.StatusOK, []types.Listener{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Listeners.Listeners())
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pipelines == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pipelines.Pipelines())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.pipelinesConfigured(w) {
		return
	}
	runs, err := s.cfg.Pipelines.Runs(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if !s.pipelinesConfigured(w) {
		return
	}
	run, err := s.cfg.Pipelines.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// trigger runs a pipeline for an explicit source event without a signature
func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	if !s.pipelinesConfigured(w) {
		return
	}
	name := r.PathValue("name")

	var ev types.SourceEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runPipeline(w, name, ev)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if !s.pipelinesConfigured(w) {
		return
	}
	name := r.PathValue("pipeline")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}

	ev, err := s.cfg.Pipelines.VerifyWebhook(r.Context(), name, body, r.Header.Get(pipeline.SignatureHeader))
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSignature) {
			metrics.WebhooksRejected.WithLabelValues("signature").Inc()
		}
		writeErr(w, err)
		return
	}
	s.runPipeline(w, name, ev)
}

// runPipeline starts a run in the background. Runs of one pipeline queue
// behind each other inside the coordinator.
func (s *Server) runPipeline(w http.ResponseWriter, name string, ev types.SourceEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.cfg.Pipelines.TriggerPipeline(s.baseCtx, name, ev); err != nil && !errors.Is(err, pipeline.ErrStageFailed) {
			s.logger.Error().Err(err).Str("pipeline", name).Msg("Pipeline run could not start")
		}
	}()

	writeJSON(w, http.StatusAccepted, TriggerResponse{Pipeline: name, Event: ev})
}

// streamEvents sends events as server-sent events until the client goes
// away. ?type= keeps only events whose type starts with the given prefix.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	prefix := r.URL.Query().Get("type")

	sub := s.cfg.Events.Subscribe()
	defer s.cfg.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(string(ev.Type), prefix) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) pipelinesConfigured(w http.ResponseWriter) bool {
	if s.cfg.Pipelines == nil {
		writeError(w, http.StatusNotFound, "no pipelines configured")
		return false
	}
	return true
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var specErr *deploy.SpecError
	switch {
	case errors.Is(err, deploy.ErrDeploymentNotFound),
		errors.Is(err, deploy.ErrServiceNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, pipeline.ErrRunNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrDeploymentInProgress),
		errors.Is(err, deploy.ErrInvalidState):
		return http.StatusConflict
	case errors.As(err, &specErr),
		errors.Is(err, deploy.ErrInvalidSpec),
		errors.Is(err, pipeline.ErrInvalidArtifact),
		errors.Is(err, pipeline.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrInvalidSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	writeErr(w, err)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
