package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/store"
)

// ErrBadToken is returned when a worker presents an unknown or mismatched
// session token.
var ErrBadToken = errors.New("invalid session token")

// sseFrame is one control-plane frame queued for a worker's stream.
type sseFrame struct {
	Event string
	Data  any
}

// workerConn is a live control stream to one worker.
type workerConn struct {
	name   string
	frames chan sseFrame
	closed chan struct{}
	once   sync.Once
}

func (c *workerConn) close() {
	c.once.Do(func() { close(c.closed) })
}

// Registry tracks registered workers, their session tokens, and their live
// control streams. Workers whose stream closes and does not reconnect
// within the grace period are evicted and their claimed executions revert
// to SCHEDULED for re-dispatch.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	grace  time.Duration

	mu    sync.Mutex
	conns map[string]*workerConn

	// onEvict is called after a dead worker's executions are released, so
	// the dispatcher can re-offer them.
	onEvict func(workerName string, released []string)

	metrics *Metrics
}

// NewRegistry creates a worker registry with the given liveness grace
// period.
func NewRegistry(st store.Store, grace time.Duration, logger *zap.Logger, metrics *Metrics) *Registry {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Registry{
		store:   st,
		logger:  logger,
		grace:   grace,
		conns:   make(map[string]*workerConn),
		metrics: metrics,
	}
}

// Register upserts the worker's registration and issues a fresh session
// token. The token is returned once; only its SHA-256 hash is stored.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	err := r.store.SaveWorker(ctx, &store.Worker{
		Name:             req.Name,
		SessionTokenHash: hashToken(token),
		Resources:        req.Resources,
		Workflows:        req.Workflows,
		LastSeen:         time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("worker registered",
		zap.String("worker", req.Name),
		zap.Int("cpu", req.Resources.CPUCount),
		zap.Int("workflows", len(req.Workflows)))
	return token, nil
}

// Authenticate verifies a worker's session token.
func (r *Registry) Authenticate(ctx context.Context, name, token string) error {
	w, err := r.store.GetWorker(ctx, name)
	if err != nil {
		return ErrBadToken
	}
	if subtle.ConstantTimeCompare([]byte(w.SessionTokenHash), []byte(hashToken(token))) != 1 {
		return ErrBadToken
	}
	return nil
}

// Connect attaches a live control stream for the worker, replacing any
// previous one. The returned connection delivers frames until Disconnect.
func (r *Registry) Connect(ctx context.Context, name string) *workerConn {
	conn := &workerConn{
		name:   name,
		frames: make(chan sseFrame, 64),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	if prev, ok := r.conns[name]; ok {
		prev.close()
	} else {
		r.metrics.workerConnected(1)
	}
	r.conns[name] = conn
	r.mu.Unlock()

	_ = r.store.TouchWorker(ctx, name, time.Now().UTC())
	r.logger.Info("worker connected", zap.String("worker", name))
	return conn
}

// Disconnect detaches the worker's stream. The registration survives until
// the grace period expires; a reconnecting worker resumes where it was.
func (r *Registry) Disconnect(name string, conn *workerConn) {
	r.mu.Lock()
	if current, ok := r.conns[name]; ok && current == conn {
		delete(r.conns, name)
		r.metrics.workerConnected(-1)
	}
	r.mu.Unlock()
	conn.close()
	_ = r.store.TouchWorker(context.Background(), name, time.Now().UTC())
	r.logger.Info("worker disconnected", zap.String("worker", name))
}

// Send queues a frame on the worker's live stream. Returns false when the
// worker has no live stream or its queue is full.
func (r *Registry) Send(name string, frame sseFrame) bool {
	r.mu.Lock()
	conn, ok := r.conns[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case conn.frames <- frame:
		return true
	default:
		r.logger.Warn("worker stream backlogged, frame dropped",
			zap.String("worker", name), zap.String("event", frame.Event))
		return false
	}
}

// Connected returns the names of workers with a live stream.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}

// IsConnected reports whether the worker has a live stream.
func (r *Registry) IsConnected(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[name]
	return ok
}

// SetEvictionHook installs the callback invoked with the executions
// released by an evicted worker.
func (r *Registry) SetEvictionHook(hook func(workerName string, released []string)) {
	r.onEvict = hook
}

// RunEviction loops until ctx is done, evicting workers that have neither a
// live stream nor a recent last-seen timestamp.
func (r *Registry) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(r.grace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictDead(ctx)
		}
	}
}

func (r *Registry) evictDead(ctx context.Context) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.logger.Warn("eviction sweep failed", zap.Error(err))
		return
	}
	cutoff := time.Now().UTC().Add(-r.grace)
	for _, w := range workers {
		if r.IsConnected(w.Name) || w.LastSeen.After(cutoff) {
			continue
		}
		released, err := r.store.ReleaseExecutions(ctx, w.Name)
		if err != nil {
			r.logger.Error("failed to release executions of dead worker",
				zap.String("worker", w.Name), zap.Error(err))
			continue
		}
		if err := r.store.DeleteWorker(ctx, w.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("failed to evict worker", zap.String("worker", w.Name), zap.Error(err))
			continue
		}
		r.logger.Info("worker evicted",
			zap.String("worker", w.Name),
			zap.Time("last_seen", w.LastSeen),
			zap.Strings("released", released))
		if r.onEvict != nil {
			r.onEvict(w.Name, released)
		}
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
