package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fluxproj/flux/flux"
)

// sqlStore is the shared relational implementation behind SQLiteStore and
// MySQLStore. Both drivers take ? placeholders, so the query text is common;
// only the DDL and the row-locking suffix differ.
type sqlStore struct {
	db          *sqlx.DB
	cachePolicy CachePolicy

	// lockSuffix is appended to the seq read inside AppendEvents
	// (" FOR UPDATE" on MySQL, empty on SQLite's single-writer pool).
	lockSuffix string
}

type workflowRow struct {
	Name      string    `db:"name"`
	Version   int       `db:"version"`
	Body      []byte    `db:"body"`
	Meta      string    `db:"meta"`
	CreatedAt time.Time `db:"created_at"`
}

type workflowMeta struct {
	SecretRequests []string                  `json:"secret_requests,omitempty"`
	Resources      flux.ResourceRequirements `json:"resource_requirements"`
	OutputStorage  string                    `json:"output_storage,omitempty"`
}

type executionRow struct {
	ID            string         `db:"execution_id"`
	WorkflowName  string         `db:"workflow_name"`
	WorkflowID    string         `db:"workflow_id"`
	Input         []byte         `db:"input"`
	State         string         `db:"state"`
	Worker        sql.NullString `db:"worker"`
	Output        []byte         `db:"output"`
	Error         sql.NullString `db:"error"`
	CheckpointSeq int64          `db:"checkpoint_seq"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type eventRow struct {
	ExecutionID string    `db:"execution_id"`
	Seq         int64     `db:"seq"`
	Type        string    `db:"type"`
	SourceID    string    `db:"source_id"`
	Name        string    `db:"name"`
	Value       []byte    `db:"value"`
	Timestamp   time.Time `db:"timestamp"`
}

type workerRow struct {
	Name             string    `db:"name"`
	SessionTokenHash string    `db:"session_token_hash"`
	Resources        string    `db:"resources"`
	Workflows        string    `db:"workflows"`
	LastSeen         time.Time `db:"last_seen"`
}

// wrapErr maps driver errors to the store's sentinel taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *sqlStore) SaveWorkflow(ctx context.Context, wf *Workflow) (int, error) {
	meta, err := json.Marshal(workflowMeta{
		SecretRequests: wf.SecretRequests,
		Resources:      wf.Resources,
		OutputStorage:  wf.OutputStorage,
	})
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.GetContext(ctx, &version,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE name = ?"+s.lockSuffix, wf.Name)
	if err != nil {
		return 0, wrapErr(err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO workflows (name, version, body, meta, created_at) VALUES (?, ?, ?, ?, ?)",
		wf.Name, version, wf.Body, string(meta), time.Now().UTC())
	if err != nil {
		return 0, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr(err)
	}
	return version, nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, name string, version int) (*Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		"SELECT name, version, body, meta, created_at FROM workflows WHERE name = ? AND version = ?",
		name, version)
	if err != nil {
		return nil, wrapErr(err)
	}
	return rowToWorkflow(&row)
}

func (s *sqlStore) LatestWorkflow(ctx context.Context, name string) (*Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		"SELECT name, version, body, meta, created_at FROM workflows WHERE name = ? ORDER BY version DESC LIMIT 1",
		name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return rowToWorkflow(&row)
}

func (s *sqlStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT w.name, w.version, w.body, w.meta, w.created_at
		 FROM workflows w
		 JOIN (SELECT name, MAX(version) AS version FROM workflows GROUP BY name) latest
		   ON w.name = latest.name AND w.version = latest.version
		 ORDER BY w.name`)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rowToWorkflow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func rowToWorkflow(row *workflowRow) (*Workflow, error) {
	var meta workflowMeta
	if row.Meta != "" {
		if err := json.Unmarshal([]byte(row.Meta), &meta); err != nil {
			return nil, fmt.Errorf("workflow %s v%d: corrupt meta: %w", row.Name, row.Version, err)
		}
	}
	return &Workflow{
		Name:           row.Name,
		Version:        row.Version,
		Body:           row.Body,
		SecretRequests: meta.SecretRequests,
		Resources:      meta.Resources,
		OutputStorage:  meta.OutputStorage,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *sqlStore) CreateExecution(ctx context.Context, exec *flux.Execution) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions
		 (execution_id, workflow_name, workflow_id, input, state, worker, output, error, checkpoint_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, 0, ?, ?)`,
		exec.ID, exec.WorkflowName, exec.WorkflowID, exec.Input, string(exec.State), now, now)
	return wrapErr(err)
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (*flux.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT execution_id, workflow_name, workflow_id, input, state, worker, output, error, checkpoint_seq, created_at, updated_at
		 FROM executions WHERE execution_id = ?`, id)
	if err != nil {
		return nil, wrapErr(err)
	}

	var eventRows []eventRow
	err = s.db.SelectContext(ctx, &eventRows,
		`SELECT execution_id, seq, type, source_id, name, value, timestamp
		 FROM execution_events WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, wrapErr(err)
	}

	exec, err := rowToExecution(&row)
	if err != nil {
		return nil, err
	}
	exec.Events = make([]flux.Event, 0, len(eventRows))
	for _, er := range eventRows {
		exec.Events = append(exec.Events, flux.Event{
			Seq:      er.Seq,
			Type:     flux.EventType(er.Type),
			SourceID: er.SourceID,
			Name:     er.Name,
			Value:    er.Value,
			Time:     er.Timestamp,
		})
	}
	return exec, nil
}

func rowToExecution(row *executionRow) (*flux.Execution, error) {
	exec := &flux.Execution{
		ID:            row.ID,
		WorkflowName:  row.WorkflowName,
		WorkflowID:    row.WorkflowID,
		Input:         row.Input,
		State:         flux.ExecutionState(row.State),
		Worker:        row.Worker.String,
		Output:        row.Output,
		CheckpointSeq: row.CheckpointSeq,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.Error.Valid && row.Error.String != "" {
		var we flux.WireError
		if err := json.Unmarshal([]byte(row.Error.String), &we); err != nil {
			return nil, fmt.Errorf("execution %s: corrupt error column: %w", row.ID, err)
		}
		exec.Error = &we
	}
	return exec, nil
}

func (s *sqlStore) AppendEvents(ctx context.Context, id string, expectSeq int64, events []flux.Event, update ExecutionUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedSeq int64
	err = tx.GetContext(ctx, &storedSeq,
		"SELECT checkpoint_seq FROM executions WHERE execution_id = ?"+s.lockSuffix, id)
	if err != nil {
		return wrapErr(err)
	}
	if storedSeq != expectSeq {
		return ErrConflict
	}

	for _, ev := range events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_events (execution_id, seq, type, source_id, name, value, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Seq, string(ev.Type), ev.SourceID, ev.Name, ev.Value, ev.Time)
		if err != nil {
			return wrapErr(err)
		}
	}

	query, args, err := buildExecutionUpdate(id, expectSeq+int64(len(events)), update)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

func buildExecutionUpdate(id string, newSeq int64, update ExecutionUpdate) (string, []any, error) {
	query := "UPDATE executions SET checkpoint_seq = ?, updated_at = ?"
	args := []any{newSeq, time.Now().UTC()}
	if update.State != nil {
		query += ", state = ?"
		args = append(args, string(*update.State))
	}
	if update.Worker != nil {
		if *update.Worker == "" {
			query += ", worker = NULL"
		} else {
			query += ", worker = ?"
			args = append(args, *update.Worker)
		}
	}
	if update.Output != nil {
		query += ", output = ?"
		args = append(args, update.Output)
	}
	if update.Error != nil {
		errJSON, err := json.Marshal(update.Error)
		if err != nil {
			return "", nil, err
		}
		query += ", error = ?"
		args = append(args, string(errJSON))
	}
	query += " WHERE execution_id = ?"
	args = append(args, id)
	return query, args, nil
}

func (s *sqlStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var current int64
	if err := s.db.GetContext(ctx, &current,
		"SELECT checkpoint_seq FROM executions WHERE execution_id = ?", id); err != nil {
		return wrapErr(err)
	}
	query, args, err := buildExecutionUpdate(id, current, update)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return wrapErr(err)
}

func (s *sqlStore) ClaimExecution(ctx context.Context, id, worker string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET state = ?, worker = ?, updated_at = ? WHERE execution_id = ? AND state = ?",
		string(flux.StateClaimed), worker, time.Now().UTC(), id, string(flux.StateScheduled))
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		// Either the execution does not exist or someone claimed it first.
		var exists int
		if err := s.db.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM executions WHERE execution_id = ?", id); err != nil {
			return wrapErr(err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) ReleaseExecutions(ctx context.Context, worker string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT execution_id FROM executions WHERE worker = ? AND state IN (?, ?, ?) ORDER BY execution_id",
		worker, string(flux.StateClaimed), string(flux.StateRunning), string(flux.StateCancelling))
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE executions SET state = ?, worker = NULL, updated_at = ? WHERE worker = ? AND state IN (?, ?, ?)",
		string(flux.StateScheduled), time.Now().UTC(), worker,
		string(flux.StateClaimed), string(flux.StateRunning), string(flux.StateCancelling))
	if err != nil {
		return nil, wrapErr(err)
	}
	return ids, nil
}

func (s *sqlStore) ListExecutionsByState(ctx context.Context, state flux.ExecutionState, limit int) ([]*flux.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT execution_id, workflow_name, workflow_id, input, state, worker, output, error, checkpoint_seq, created_at, updated_at
		 FROM executions WHERE state = ? ORDER BY created_at LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*flux.Execution, 0, len(rows))
	for i := range rows {
		exec, err := rowToExecution(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *sqlStore) SaveWorker(ctx context.Context, w *Worker) error {
	resources, err := json.Marshal(w.Resources)
	if err != nil {
		return err
	}
	workflows, err := json.Marshal(w.Workflows)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO workers (name, session_token_hash, resources, workflows, last_seen)
		 VALUES (?, ?, ?, ?, ?)`,
		w.Name, w.SessionTokenHash, string(resources), string(workflows), w.LastSeen.UTC())
	return wrapErr(err)
}

func (s *sqlStore) GetWorker(ctx context.Context, name string) (*Worker, error) {
	var row workerRow
	err := s.db.GetContext(ctx, &row,
		"SELECT name, session_token_hash, resources, workflows, last_seen FROM workers WHERE name = ?", name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return rowToWorker(&row)
}

func (s *sqlStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	var rows []workerRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT name, session_token_hash, resources, workflows, last_seen FROM workers ORDER BY name")
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*Worker, 0, len(rows))
	for i := range rows {
		w, err := rowToWorker(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func rowToWorker(row *workerRow) (*Worker, error) {
	w := &Worker{
		Name:             row.Name,
		SessionTokenHash: row.SessionTokenHash,
		LastSeen:         row.LastSeen,
	}
	if err := json.Unmarshal([]byte(row.Resources), &w.Resources); err != nil {
		return nil, fmt.Errorf("worker %s: corrupt resources: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.Workflows), &w.Workflows); err != nil {
		return nil, fmt.Errorf("worker %s: corrupt workflows: %w", row.Name, err)
	}
	return w, nil
}

func (s *sqlStore) DeleteWorker(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE name = ?", name)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) TouchWorker(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET last_seen = ? WHERE name = ?", at.UTC(), name)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetSecret(ctx context.Context, name string, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx,
		"REPLACE INTO secrets (name, ciphertext, updated_at) VALUES (?, ?, ?)",
		name, ciphertext, time.Now().UTC())
	return wrapErr(err)
}

func (s *sqlStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var ct []byte
	err := s.db.GetContext(ctx, &ct, "SELECT ciphertext FROM secrets WHERE name = ?", name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return ct, nil
}

func (s *sqlStore) ListSecrets(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, "SELECT name FROM secrets ORDER BY name")
	if err != nil {
		return nil, wrapErr(err)
	}
	return names, nil
}

func (s *sqlStore) DeleteSecret(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", name)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CacheGet(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	var row struct {
		Value     []byte    `db:"value"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT value, created_at FROM task_cache WHERE task_name = ? AND fingerprint = ?",
		taskName, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	if ttl := s.cachePolicy.TTL; ttl > 0 && time.Since(row.CreatedAt) > ttl {
		_, _ = s.db.ExecContext(ctx,
			"DELETE FROM task_cache WHERE task_name = ? AND fingerprint = ?", taskName, fingerprint)
		return nil, false, nil
	}
	_, _ = s.db.ExecContext(ctx,
		"UPDATE task_cache SET last_used_at = ? WHERE task_name = ? AND fingerprint = ?",
		time.Now().UTC(), taskName, fingerprint)
	return row.Value, true, nil
}

func (s *sqlStore) CachePut(ctx context.Context, taskName, fingerprint string, value []byte) error {
	var exists int
	if err := s.db.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM task_cache WHERE task_name = ? AND fingerprint = ?",
		taskName, fingerprint); err != nil {
		return wrapErr(err)
	}
	if exists > 0 {
		// Entries are immutable once written.
		return nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_cache (task_name, fingerprint, value, created_at, last_used_at) VALUES (?, ?, ?, ?, ?)",
		taskName, fingerprint, value, now, now)
	if err != nil {
		return wrapErr(err)
	}
	return s.evictCache(ctx)
}

// evictCache drops least-recently-used rows beyond the configured capacity.
func (s *sqlStore) evictCache(ctx context.Context) error {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM task_cache"); err != nil {
		return wrapErr(err)
	}
	excess := count - s.cachePolicy.maxEntries()
	if excess <= 0 {
		return nil
	}
	var victims []struct {
		TaskName    string `db:"task_name"`
		Fingerprint string `db:"fingerprint"`
	}
	err := s.db.SelectContext(ctx, &victims,
		"SELECT task_name, fingerprint FROM task_cache ORDER BY last_used_at LIMIT ?", excess)
	if err != nil {
		return wrapErr(err)
	}
	for _, v := range victims {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM task_cache WHERE task_name = ? AND fingerprint = ?",
			v.TaskName, v.Fingerprint); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
