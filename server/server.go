package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxproj/flux/config"
	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/store"
	"github.com/fluxproj/flux/vault"
)

// Server is the Flux coordinator process: REST + SSE surface, catalog,
// worker registry, execution manager, and dispatcher.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	store      store.Store
	vault      *vault.Vault
	registry   *Registry
	manager    *Manager
	dispatcher *Dispatcher
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithVault supplies the secrets vault.
func WithVault(v *vault.Vault) Option {
	return func(s *Server) { s.vault = v }
}

// New assembles a coordinator over the given store. The prometheus registry
// receives the coordinator metrics and backs the /metrics endpoint.
func New(cfg config.Config, st store.Store, logger *zap.Logger, opts ...Option) *Server {
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		metrics:    metrics,
		gatherer:   promReg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewRegistry(st, 30*time.Second, logger, metrics)
	s.manager = NewManager(st, s.vault, logger, metrics)
	s.dispatcher = NewDispatcher(st, s.registry, logger, metrics)
	s.manager.SetDispatcher(s.dispatcher)
	s.registry.SetEvictionHook(func(_ string, _ []string) {
		s.dispatcher.DispatchPending(context.Background())
	})

	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// ConnectedWorkers returns the names of workers with a live control stream.
func (s *Server) ConnectedWorkers() []string { return s.registry.Connected() }

// Run serves HTTP and the background loops (worker eviction, dispatch
// sweep) until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Core.ServerHost, s.cfg.Core.ServerPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.registry.RunEviction(ctx)
		return nil
	})
	g.Go(func() error {
		s.dispatcher.RunSweep(ctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.logger.Info("flux server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleUploadWorkflows)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{name}", s.handleGetWorkflow)
		r.Post("/{name}/run/{mode}", s.handleRun)
		r.Post("/{name}/resume/{executionID}/{mode}", s.handleResume)
		r.Get("/{name}/status/{executionID}", s.handleStatus)
		r.Get("/{name}/cancel/{executionID}", s.handleCancel)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Post("/register", s.handleWorkerRegister)
		r.Get("/{name}/connect", s.handleWorkerConnect)
		r.Post("/{name}/claim/{executionID}", s.handleWorkerClaim)
		r.Post("/{name}/checkpoint/{executionID}", s.handleWorkerCheckpoint)
	})

	r.Route("/admin/secrets", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleListSecrets)
		r.Post("/", s.handleSetSecret)
		r.Get("/{name}", s.handleGetSecret)
		r.Delete("/{name}", s.handleDeleteSecret)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// --- catalog ---

func (s *Server) handleUploadWorkflows(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart body expected: %w", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file part: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	manifests, err := parseManifests(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var registered []RegisteredWorkflow
	for _, man := range manifests {
		version, err := s.store.SaveWorkflow(r.Context(), &store.Workflow{
			Name:           man.Name,
			Body:           body,
			SecretRequests: man.SecretRequests,
			Resources:      man.Resources,
			OutputStorage:  man.OutputStorage,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		registered = append(registered, RegisteredWorkflow{Name: man.Name, Version: version})
		s.logger.Info("workflow registered",
			zap.String("workflow", man.Name), zap.Int("version", version))
	}
	writeJSON(w, http.StatusOK, registered)
}

// parseManifests accepts a single manifest object or an array of them.
func parseManifests(body []byte) ([]WorkflowManifest, error) {
	var many []WorkflowManifest
	if err := json.Unmarshal(body, &many); err == nil {
		return validManifests(many)
	}
	var one WorkflowManifest
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("workflow upload is neither a manifest nor a manifest list: %w", err)
	}
	return validManifests([]WorkflowManifest{one})
}

func validManifests(manifests []WorkflowManifest) ([]WorkflowManifest, error) {
	if len(manifests) == 0 {
		return nil, errors.New("no workflows in upload")
	}
	for _, m := range manifests {
		if m.Name == "" {
			return nil, errors.New("workflow manifest missing name")
		}
	}
	return manifests, nil
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	infos := make([]WorkflowInfo, 0, len(workflows))
	for _, wf := range workflows {
		infos = append(infos, workflowInfo(wf))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.LatestWorkflow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowInfo(wf))
}

func workflowInfo(wf *store.Workflow) WorkflowInfo {
	return WorkflowInfo{
		Name:           wf.Name,
		Version:        wf.Version,
		SecretRequests: wf.SecretRequests,
		Resources:      wf.Resources,
		OutputStorage:  wf.OutputStorage,
	}
}

// --- executions ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mode := chi.URLParam(r, "mode")

	input, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(input) == 0 {
		input = []byte("null")
	}
	if !json.Valid(input) {
		writeError(w, http.StatusBadRequest, errors.New("input is not valid JSON"))
		return
	}

	exec, err := s.manager.CreateExecution(r.Context(), name, input)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.respondByMode(w, r, exec, mode)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	mode := chi.URLParam(r, "mode")

	input, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(input) == 0 {
		input = []byte("null")
	}
	if !json.Valid(input) {
		writeError(w, http.StatusBadRequest, errors.New("resume input is not valid JSON"))
		return
	}

	exec, err := s.manager.Resume(r.Context(), execID, input)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.respondByMode(w, r, exec, mode)
}

func (s *Server) respondByMode(w http.ResponseWriter, r *http.Request, exec *flux.Execution, mode string) {
	switch mode {
	case "async":
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": exec.ID})

	case "sync":
		final, err := s.manager.Wait(r.Context(), exec.ID, s.cfg.Executor.DefaultTimeout.Std(), func(st flux.ExecutionState) bool {
			return st.Terminal() || st == flux.StatePaused
		})
		if err != nil && final == nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse(final))

	case "stream":
		s.streamExecution(w, r, exec.ID)

	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown run mode %q", mode))
	}
}

func runResponse(exec *flux.Execution) RunResponse {
	return RunResponse{
		ExecutionID: exec.ID,
		State:       exec.State,
		Output:      json.RawMessage(exec.Output),
		Error:       exec.Error,
	}
}

// streamExecution serves the client-facing SSE stream of execution state.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, execID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	ch := s.manager.Subscribe(execID)
	defer s.manager.Unsubscribe(execID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Deliver the current state first so late subscribers see something.
	if exec, err := s.manager.Get(r.Context(), execID); err == nil {
		update := StatusUpdate{
			ExecutionID: execID,
			State:       exec.State,
			Output:      json.RawMessage(exec.Output),
			Error:       exec.Error,
			Timestamp:   time.Now().UTC(),
		}
		writeSSE(w, flusher, StreamEventName(exec.State), update)
		if exec.State.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update := <-ch:
			writeSSE(w, flusher, StreamEventName(update.State), update)
			if update.State.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	exec, err := s.manager.Get(r.Context(), execID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := StatusResponse{
		ExecutionID:  exec.ID,
		WorkflowName: exec.WorkflowName,
		WorkflowID:   exec.WorkflowID,
		State:        exec.State,
		Worker:       exec.Worker,
		Output:       json.RawMessage(exec.Output),
		Error:        exec.Error,
		CreatedAt:    exec.CreatedAt,
		UpdatedAt:    exec.UpdatedAt,
	}
	if r.URL.Query().Get("detailed") == "true" {
		resp.Events = exec.Events
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	state, err := s.manager.Cancel(r.Context(), execID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if r.URL.Query().Get("mode") == "sync" && !state.Terminal() {
		final, err := s.manager.Wait(r.Context(), execID, s.cfg.Executor.DefaultTimeout.Std(), func(st flux.ExecutionState) bool {
			return st.Terminal()
		})
		if err == nil && final != nil {
			state = final.State
		}
	}
	writeJSON(w, http.StatusOK, map[string]flux.ExecutionState{"state": state})
}

// --- worker control plane ---

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Workers.BootstrapToken != "" && bearerToken(r) != s.cfg.Workers.BootstrapToken {
		writeError(w, http.StatusUnauthorized, errors.New("invalid bootstrap token"))
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("worker name required"))
		return
	}
	token, err := s.registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// A fresh worker may unblock pending executions.
	go s.dispatcher.DispatchPending(context.Background())
	writeJSON(w, http.StatusOK, RegisterResponse{SessionToken: token})
}

func (s *Server) authWorker(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Authenticate(r.Context(), name, bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return "", false
	}
	return name, true
}

func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authWorker(w, r)
	if !ok {
		return
	}
	flusher, okF := w.(http.Flusher)
	if !okF {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	conn := s.registry.Connect(r.Context(), name)
	defer s.registry.Disconnect(name, conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go s.dispatcher.DispatchPending(context.Background())

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.closed:
			return
		case <-heartbeat.C:
			// Comment frames keep intermediaries from timing the stream out
			// and double as liveness for the registry.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			_ = s.store.TouchWorker(r.Context(), name, time.Now().UTC())
		case frame := <-conn.frames:
			writeSSE(w, flusher, frame.Event, frame.Data)
		}
	}
}

func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authWorker(w, r)
	if !ok {
		return
	}
	resp, err := s.manager.Claim(r.Context(), name, chi.URLParam(r, "executionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkerCheckpoint(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authWorker(w, r)
	if !ok {
		return
	}
	var req CheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.Checkpoint(r.Context(), name, chi.URLParam(r, "executionID"), req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- admin secrets ---

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Workers.BootstrapToken != "" && bearerToken(r) != s.cfg.Workers.BootstrapToken {
			writeError(w, http.StatusUnauthorized, errors.New("admin token required"))
			return
		}
		if s.vault == nil {
			writeError(w, http.StatusServiceUnavailable, vault.ErrNoKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.vault.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"secrets": names})
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {name, value}"))
		return
	}
	if err := s.vault.Set(r.Context(), req.Name, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, err := s.vault.Get(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- helpers ---

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeStoreError maps the repository taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrBadToken):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// writeSSE writes one server-sent event frame and flushes it.
func writeSSE(w io.Writer, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
