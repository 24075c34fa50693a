// Package store provides durable persistence for executions, events,
// workflows, workers, secrets, and cached task outputs.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fluxproj/flux/flux"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on optimistic-concurrency failures: a stale
// checkpoint_seq CAS or a claim against an execution that is no longer
// SCHEDULED.
var ErrConflict = errors.New("conflict")

// ErrUnavailable is returned on transient backend failures. The server
// reports it as HTTP 503; neither the store nor its callers retry.
var ErrUnavailable = errors.New("store unavailable")

// Workflow is a registered workflow version: identity, opaque encoded body,
// and declared metadata. Versions are append-only and immutable.
type Workflow struct {
	Name           string
	Version        int
	Body           []byte
	SecretRequests []string
	Resources      flux.ResourceRequirements
	OutputStorage  string
	CreatedAt      time.Time
}

// ID returns the workflow's version key.
func (w *Workflow) ID() string {
	return w.Name + ":v" + strconv.Itoa(w.Version)
}

// Worker is a registered worker: its hashed session token, reported
// resources, and the workflow names it hosts.
type Worker struct {
	Name             string
	SessionTokenHash string
	Resources        flux.WorkerResources
	Workflows        []string
	LastSeen         time.Time
}

// ExecutionUpdate describes the mutable execution-record fields applied
// alongside an event append or a state transition. Nil pointers leave the
// corresponding column unchanged.
type ExecutionUpdate struct {
	State  *flux.ExecutionState
	Worker *string // pointer to empty string clears the lease
	Output []byte
	Error  *flux.WireError
}

// Store is the transactional repository. All mutations are ACID against a
// single execution; the dispatcher-facing queries (pending executions, live
// workers) are bounded and indexed.
type Store interface {
	// SaveWorkflow appends a new version for the workflow's name and
	// returns the assigned version number.
	SaveWorkflow(ctx context.Context, wf *Workflow) (int, error)

	// GetWorkflow loads one workflow version. ErrNotFound if absent.
	GetWorkflow(ctx context.Context, name string, version int) (*Workflow, error)

	// LatestWorkflow loads the highest version registered under name.
	LatestWorkflow(ctx context.Context, name string) (*Workflow, error)

	// ListWorkflows returns the latest version of every workflow.
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, exec *flux.Execution) error

	// GetExecution loads an execution including its ordered event list.
	GetExecution(ctx context.Context, id string) (*flux.Execution, error)

	// AppendEvents atomically appends events and applies the update iff the
	// stored checkpoint_seq equals expectSeq; otherwise ErrConflict and
	// nothing is appended. The stored seq advances by len(events).
	AppendEvents(ctx context.Context, id string, expectSeq int64, events []flux.Event, update ExecutionUpdate) error

	// UpdateExecution applies a server-side state transition without
	// touching the event log.
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// ClaimExecution is the at-most-one claim CAS: it succeeds only when
	// the execution is currently SCHEDULED, transitioning it to CLAIMED and
	// recording the worker's lease. Losers get ErrConflict.
	ClaimExecution(ctx context.Context, id, worker string) error

	// ReleaseExecutions reverts every execution leased by the worker in a
	// non-terminal transport state back to SCHEDULED and returns their IDs.
	// Used when a worker is declared dead.
	ReleaseExecutions(ctx context.Context, worker string) ([]string, error)

	// ListExecutionsByState returns up to limit executions in the state,
	// oldest first, without their event lists.
	ListExecutionsByState(ctx context.Context, state flux.ExecutionState, limit int) ([]*flux.Execution, error)

	// SaveWorker upserts a worker registration.
	SaveWorker(ctx context.Context, w *Worker) error

	// GetWorker loads a worker by name.
	GetWorker(ctx context.Context, name string) (*Worker, error)

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// DeleteWorker removes a worker registration.
	DeleteWorker(ctx context.Context, name string) error

	// TouchWorker updates a worker's last-seen timestamp.
	TouchWorker(ctx context.Context, name string, at time.Time) error

	// SetSecret stores ciphertext under a name. Values are always
	// ciphertext; the store never sees plaintext.
	SetSecret(ctx context.Context, name string, ciphertext []byte) error

	// GetSecret loads a secret's ciphertext.
	GetSecret(ctx context.Context, name string) ([]byte, error)

	// ListSecrets returns secret names, never values.
	ListSecrets(ctx context.Context) ([]string, error)

	// DeleteSecret removes a secret.
	DeleteSecret(ctx context.Context, name string) error

	// CacheGet probes the task-output cache. A hit refreshes the entry's
	// recency; entries past their TTL read as misses.
	CacheGet(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error)

	// CachePut stores a task output. Once written an entry is immutable;
	// writing an existing key is a no-op. The store evicts
	// least-recently-used entries beyond its configured capacity.
	CachePut(ctx context.Context, taskName, fingerprint string, value []byte) error

	// Close releases backend resources.
	Close() error
}

// CachePolicy bounds the task-output cache. The reference eviction policy
// is LRU by entry count with an optional TTL.
type CachePolicy struct {
	// MaxEntries caps the cache size; 0 means the default (10000).
	MaxEntries int

	// TTL expires entries after the given age; 0 disables expiry.
	TTL time.Duration
}

func (p CachePolicy) maxEntries() int {
	if p.MaxEntries <= 0 {
		return 10000
	}
	return p.MaxEntries
}
