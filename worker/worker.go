package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"github.com/fluxproj/flux/codec"
	"github.com/fluxproj/flux/config"
	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/flux/emit"
	"github.com/fluxproj/flux/server"
)

// Worker hosts registered workflow code and runs executions under server
// coordination. Many executions run concurrently, each on its own
// goroutine; within one execution the workflow runs cooperatively.
type Worker struct {
	name      string
	cfg       config.Config
	logger    *zap.Logger
	client    *Client
	codec     codec.Codec
	cache     flux.TaskCache
	blobs     flux.BlobStore
	emitter   emit.Emitter
	runtime   *flux.Runtime
	resources flux.WorkerResources

	mu        sync.Mutex
	workflows map[string]*flux.WorkflowDef
	running   map[string]context.CancelFunc
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the structured logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithCache sets the worker-local task-output cache.
func WithCache(cache flux.TaskCache) WorkerOption {
	return func(w *Worker) { w.cache = cache }
}

// WithBlobStore sets the store backing external task-output storage.
func WithBlobStore(blobs flux.BlobStore) WorkerOption {
	return func(w *Worker) { w.blobs = blobs }
}

// WithEmitter mirrors every journaled event to an observability emitter
// (e.g. emit.NewLogEmitter or emit.NewOTelEmitter).
func WithEmitter(em emit.Emitter) WorkerOption {
	return func(w *Worker) { w.emitter = em }
}

// WithResources overrides the auto-detected resource report.
func WithResources(res flux.WorkerResources) WorkerOption {
	return func(w *Worker) { w.resources = res }
}

// WithCodec sets the value codec (default follows cfg.Core.Serializer).
func WithCodec(c codec.Codec) WorkerOption {
	return func(w *Worker) { w.codec = c }
}

// New builds a worker named name against the configured server.
func New(name string, cfg config.Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:      name,
		cfg:       cfg,
		logger:    zap.NewNop(),
		client:    NewClient(cfg.Workers.ServerURL, cfg.Workers.BootstrapToken),
		codec:     codec.JSONCodec{},
		workflows: make(map[string]*flux.WorkflowDef),
		running:   make(map[string]context.CancelFunc),
		resources: detectResources(),
	}
	if c, err := codec.ByName(cfg.Core.Serializer); err == nil {
		w.codec = c
	}
	for _, opt := range opts {
		opt(w)
	}
	w.runtime = flux.NewRuntime(flux.WithRuntimeLogger(w.logger))
	return w
}

// RegisterWorkflow adds a workflow definition to the worker's registry.
// Workflows are registered code in the worker binary, addressed by name.
func (w *Worker) RegisterWorkflow(def *flux.WorkflowDef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workflows[def.Name] = def
}

// workflowNames returns the names this worker hosts.
func (w *Worker) workflowNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.workflows))
	for name := range w.workflows {
		names = append(names, name)
	}
	return names
}

// Run registers with the server, subscribes to the control stream, and
// serves offers until ctx is cancelled. Network loss reconnects with
// exponential backoff; a rejected session token re-registers.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A gracefully-closed stream (err == nil) reconnects like a lost one.

		delay := reconnectDelay(w.cfg.Workers, attempt)
		attempt++
		w.logger.Warn("control stream lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
			zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session performs one register + subscribe cycle.
func (w *Worker) session(ctx context.Context) error {
	err := w.client.Register(ctx, server.RegisterRequest{
		Name:      w.name,
		Resources: w.resources,
		Workflows: w.workflowNames(),
	})
	if err != nil {
		return err
	}
	w.logger.Info("worker registered", zap.String("worker", w.name))

	sseClient := sse.NewClient(w.client.ConnectURL(w.name))
	sseClient.Headers["Authorization"] = "Bearer " + w.client.SessionToken()
	// The session loop owns reconnection (with re-registration); the SSE
	// client must fail fast instead of silently retrying a stale token.
	sseClient.ReconnectStrategy = &backoff.StopBackOff{}

	return sseClient.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		w.handleFrame(ctx, string(msg.Event), msg.Data)
	})
}

func (w *Worker) handleFrame(ctx context.Context, event string, data []byte) {
	switch event {
	case server.SSEExecutionScheduled:
		var frame server.ScheduledFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("bad scheduled frame", zap.Error(err))
			return
		}
		w.tryClaim(ctx, frame.ExecutionID, frame.WorkflowName)

	case server.SSEExecutionResumed:
		var frame server.ResumedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("bad resumed frame", zap.Error(err))
			return
		}
		w.tryClaim(ctx, frame.ExecutionID, "")

	case server.SSEExecutionCancelled:
		var frame server.CancelledFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("bad cancelled frame", zap.Error(err))
			return
		}
		w.cancelExecution(frame.ExecutionID)
	}
}

// tryClaim races for the lease and, on success, drives the execution on its
// own goroutine. A lost claim is a dropped offer, nothing more.
func (w *Worker) tryClaim(ctx context.Context, executionID, workflowName string) {
	if workflowName != "" {
		w.mu.Lock()
		_, hosted := w.workflows[workflowName]
		w.mu.Unlock()
		if !hosted {
			w.logger.Debug("offer for unhosted workflow ignored",
				zap.String("workflow", workflowName),
				zap.String("execution_id", executionID))
			return
		}
	}

	claim, err := w.client.Claim(ctx, w.name, executionID)
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			w.logger.Debug("claim lost", zap.String("execution_id", executionID))
			return
		}
		w.logger.Warn("claim failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}

	go w.execute(ctx, claim)
}

// cancelExecution raises the cooperative cancellation flag for a running
// claim. Frames for executions this worker does not own are ignored.
func (w *Worker) cancelExecution(executionID string) {
	w.mu.Lock()
	cancel, ok := w.running[executionID]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Info("cancellation requested", zap.String("execution_id", executionID))
	cancel()
}

// execute drives one claimed execution to a resting point, checkpointing
// every journaled event.
func (w *Worker) execute(ctx context.Context, claim *server.ClaimResponse) {
	exec := claim.Execution

	w.mu.Lock()
	def, ok := w.workflows[exec.WorkflowName]
	w.mu.Unlock()
	if !ok {
		w.logger.Error("claimed execution for unhosted workflow",
			zap.String("workflow", exec.WorkflowName),
			zap.String("execution_id", exec.ID))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[exec.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.running, exec.ID)
		w.mu.Unlock()
	}()

	checkpoint := func(cpCtx context.Context, ev flux.Event, _ flux.ExecutionState) error {
		return w.client.Checkpoint(cpCtx, w.name, exec.ID, server.CheckpointRequest{
			CheckpointSeq: ev.Seq - 1,
			Events:        []flux.Event{ev},
		})
	}

	ctxOpts := []flux.ContextOption{
		flux.WithCodec(w.codec),
		flux.WithEvents(exec.Events),
		flux.WithCheckpoint(checkpoint),
		flux.WithTaskCache(w.cache),
		flux.WithSecretSource(staticSecrets(claim.Secrets)),
		flux.WithLogger(w.logger),
	}
	if w.blobs != nil {
		ctxOpts = append(ctxOpts, flux.WithBlobStore(w.blobs))
	}
	if w.emitter != nil {
		ctxOpts = append(ctxOpts, flux.WithEmitter(w.emitter))
	}
	wc := flux.NewContext(exec.ID, exec.WorkflowName, exec.Input, ctxOpts...)

	var resume *flux.Resume
	if len(claim.ResumeInput) > 0 && wc.IsPaused() {
		var input any
		if err := json.Unmarshal(claim.ResumeInput, &input); err != nil {
			w.logger.Error("undecodable resume input",
				zap.String("execution_id", exec.ID), zap.Error(err))
			return
		}
		resume = &flux.Resume{Input: input}
	}

	w.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow", exec.WorkflowName),
		zap.Int("journaled_events", len(exec.Events)))

	state, err := w.runtime.Execute(runCtx, def, wc, resume)
	if err != nil {
		// Checkpoint rejections land here; the server state is
		// authoritative, so the claim is abandoned and the execution will
		// be re-dispatched if it is still live.
		w.logger.Error("execution drive aborted",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	w.logger.Info("execution rested",
		zap.String("execution_id", exec.ID),
		zap.String("state", string(state)))
}

// staticSecrets serves the secrets materialized with the claim.
type staticSecrets map[string]string

// GetSecret implements flux.SecretSource.
func (s staticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", errors.New("secret not declared by workflow: " + name)
	}
	return value, nil
}

// reconnectDelay grows geometrically from the configured retry delay,
// capped at one minute.
func reconnectDelay(cfg config.Workers, attempt int) time.Duration {
	base := cfg.RetryDelay.Std()
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.RetryBackoff
	if factor < 1 {
		factor = 2
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func detectResources() flux.WorkerResources {
	return flux.WorkerResources{
		CPUCount: runtime.NumCPU(),
	}
}
