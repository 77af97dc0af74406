// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/cascade/internal/run"
	"github.com/tombee/cascade/pkg/errors"
)

// Retry policy for transient SQLITE_BUSY contention.
const (
	busyAttempts = 5
	busyBaseWait = 50 * time.Millisecond
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path
	Path string

	// EncryptionKey, when non-empty, enables encryption of secret inputs.
	// Must be at least 16 bytes.
	EncryptionKey string

	// WAL enables write-ahead logging for concurrent readers
	WAL bool
}

// SQLiteStore persists runs one row each, composites as JSON text, dates as
// RFC 3339 UTC. Secret inputs are encrypted at rest when a key is set.
type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher

	mu        sync.RWMutex
	secrets   map[string][]string
	walPragma bool

	// RetryHook, when set, is called once per busy retry. Used for
	// metrics.
	RetryHook func(op string)
}

// NewSQLiteStore opens the database and prepares the cipher. Call Init to
// apply pragmas and migrations.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	var c *Cipher
	if cfg.EncryptionKey != "" {
		var err error
		c, err = NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "open", Cause: err}
	}
	// SQLite serializes writes; one connection avoids lock thrash.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{
		db:        db,
		cipher:    c,
		secrets:   make(map[string][]string),
		walPragma: cfg.WAL,
	}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &errors.PersistenceError{Op: "ping", Cause: err}
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	if s.walPragma {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return &errors.PersistenceError{Op: "pragma", Cause: err}
		}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT NOT NULL,
			step_results TEXT NOT NULL,
			current_step_id TEXT,
			suspended_data TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return &errors.PersistenceError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r *run.Run) error {
	return s.upsert(ctx, "save", r, `
		INSERT INTO runs (run_id, workflow_id, status, inputs, step_results,
			current_step_id, suspended_data, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status=excluded.status, inputs=excluded.inputs,
			step_results=excluded.step_results,
			current_step_id=excluded.current_step_id,
			suspended_data=excluded.suspended_data,
			completed_at=excluded.completed_at, error=excluded.error`)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *run.Run) error {
	if _, err := s.LoadRun(ctx, r.ID); err != nil {
		return err
	}
	return s.SaveRun(ctx, r)
}

func (s *SQLiteStore) upsert(ctx context.Context, op string, r *run.Run, query string) error {
	inputs, err := s.cipher.EncryptInputs(r.Inputs, s.workflowSecrets(r.WorkflowID))
	if err != nil {
		return err
	}

	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return &errors.PersistenceError{Op: op, Cause: err}
	}
	resultsJSON, err := json.Marshal(r.StepResults)
	if err != nil {
		return &errors.PersistenceError{Op: op, Cause: err}
	}

	var suspendedJSON interface{}
	if r.SuspendedData != nil {
		data, err := json.Marshal(r.SuspendedData)
		if err != nil {
			return &errors.PersistenceError{Op: op, Cause: err}
		}
		suspendedJSON = string(data)
	}

	var completedAt interface{}
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	return s.execRetry(ctx, op, query,
		r.ID, r.WorkflowID, string(r.Status),
		string(inputsJSON), string(resultsJSON),
		nullable(r.CurrentStepID), suspendedJSON,
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
		nullable(r.Error),
	)
}

func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, status, inputs, step_results,
			current_step_id, suspended_data, started_at, completed_at, error
		FROM runs WHERE run_id = ?`, runID)

	r, err := s.scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return r, err
}

func (s *SQLiteStore) LoadAllRuns(ctx context.Context, workflowID string) ([]*run.Run, error) {
	query := `
		SELECT run_id, workflow_id, status, inputs, step_results,
			current_step_id, suspended_data, started_at, completed_at, error
		FROM runs`
	args := []interface{}{}
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY started_at"

	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) LoadActiveRuns(ctx context.Context) ([]*run.Run, error) {
	return s.queryRuns(ctx, `
		SELECT run_id, workflow_id, status, inputs, step_results,
			current_step_id, suspended_data, started_at, completed_at, error
		FROM runs WHERE status IN (?, ?, ?) ORDER BY started_at`,
		string(run.StatusPending), string(run.StatusRunning), string(run.StatusSuspended))
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "query", Cause: err}
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := s.scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.PersistenceError{Op: "query", Cause: err}
	}
	return out, nil
}

func (s *SQLiteStore) scanRun(scan func(...interface{}) error) (*run.Run, error) {
	var (
		r             run.Run
		status        string
		inputsJSON    string
		resultsJSON   string
		currentStep   sql.NullString
		suspendedJSON sql.NullString
		startedAt     string
		completedAt   sql.NullString
		runError      sql.NullString
	)

	err := scan(&r.ID, &r.WorkflowID, &status, &inputsJSON, &resultsJSON,
		&currentStep, &suspendedJSON, &startedAt, &completedAt, &runError)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.PersistenceError{Op: "scan", Cause: err}
	}

	r.Status = run.Status(status)
	r.CurrentStepID = currentStep.String
	r.Error = runError.String

	var inputs map[string]interface{}
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return nil, &errors.PersistenceError{Op: "scan", Cause: err}
	}
	inputs, err = s.cipher.DecryptInputs(inputs)
	if err != nil {
		return nil, err
	}
	r.Inputs = inputs

	if err := json.Unmarshal([]byte(resultsJSON), &r.StepResults); err != nil {
		return nil, &errors.PersistenceError{Op: "scan", Cause: err}
	}
	if r.StepResults == nil {
		r.StepResults = map[string]run.StepRecord{}
	}

	if suspendedJSON.Valid {
		if err := json.Unmarshal([]byte(suspendedJSON.String), &r.SuspendedData); err != nil {
			return nil, &errors.PersistenceError{Op: "scan", Cause: err}
		}
	}

	r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "scan", Cause: err}
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, &errors.PersistenceError{Op: "scan", Cause: err}
		}
		r.CompletedAt = &t
	}

	return &r, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	return s.execRetry(ctx, "delete", "DELETE FROM runs WHERE run_id = ?", runID)
}

func (s *SQLiteStore) SetWorkflowSecrets(workflowID string, names []string) {
	s.mu.Lock()
	s.secrets[workflowID] = append([]string(nil), names...)
	s.mu.Unlock()
}

func (s *SQLiteStore) workflowSecrets(workflowID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[workflowID]
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execRetry runs a write, retrying transient busy errors with bounded
// exponential backoff and jitter.
func (s *SQLiteStore) execRetry(ctx context.Context, op, query string, args ...interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return &errors.PersistenceError{Op: op, Attempts: attempt, Cause: err}
		}
		if s.RetryHook != nil {
			s.RetryHook(op)
		}

		backoff := busyBaseWait << (attempt - 1)
		backoff += time.Duration(rand.Int63n(int64(busyBaseWait)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &errors.PersistenceError{Op: op, Attempts: busyAttempts, Cause: lastErr}
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ run.Store = (*SQLiteStore)(nil)
