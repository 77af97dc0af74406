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

package run

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/handler"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/secrets"
	"github.com/tombee/cascade/pkg/workflow"
)

// Config wires the coordinator's collaborators and policies.
type Config struct {
	// Registry holds the compiled workflows runs are submitted against
	Registry *workflow.Registry

	// Store persists run records. Required.
	Store Store

	// Environment is the tool/agent/llm port handlers execute against
	Environment handler.Environment

	// Logger is the base logger; each run wraps it with its masker
	Logger *slog.Logger

	// Handlers configures the step executor (process tracker, guards,
	// sandbox)
	Handlers handler.Config

	// Env is the environment mapping exposed to env.* interpolation.
	// Defaults to the process environment.
	Env map[string]string

	// Metrics is optional; nil disables collection
	Metrics *metrics.Collector

	// RetentionCap bounds terminal runs kept in memory (default 1000).
	// Evicted runs remain readable through the store.
	RetentionCap int

	// RunTimeout is the global per-run deadline; 0 means none. On expiry
	// the run is cancelled.
	RunTimeout time.Duration

	// CleanupTimeout bounds finally execution after cancellation
	// (default 30s)
	CleanupTimeout time.Duration

	// ThrowOnPersistenceError makes store failures fatal to the run.
	// Default is to log and continue on the in-memory state.
	ThrowOnPersistenceError bool
}

// DefaultConfig returns the coordinator defaults. Registry, Store, and
// Environment still have to be supplied.
func DefaultConfig() Config {
	return Config{
		RetentionCap:   1000,
		CleanupTimeout: 30 * time.Second,
	}
}

// FromEnv layers environment overrides onto DefaultConfig:
// CASCADE_RUN_RETENTION (count) and CASCADE_RUN_TIMEOUT (seconds).
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("CASCADE_RUN_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionCap = n
		}
	}
	if v := os.Getenv("CASCADE_RUN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RunTimeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// task is the in-memory handle of a driving goroutine.
type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Coordinator owns the run lifecycle: submission, background drive,
// suspension, resume, cancellation, and cleanup dispatch.
type Coordinator struct {
	cfg      Config
	registry *workflow.Registry
	store    Store
	executor *handler.Executor
	logger   *slog.Logger
	env      map[string]string

	mu        sync.Mutex
	tasks     map[string]*task
	snapshots map[string]*Run
	terminal  []string
}

// NewCoordinator builds a coordinator. The store must already be Init'ed.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, &errors.ValidationError{Field: "store", Message: "a run store is required"}
	}
	if cfg.Registry == nil {
		cfg.Registry = workflow.NewRegistry()
	}
	if cfg.Environment == nil {
		cfg.Environment = handler.NewMapEnvironment()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetentionCap <= 0 {
		cfg.RetentionCap = 1000
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.Env == nil {
		cfg.Env = environMap()
	}

	return &Coordinator{
		cfg:       cfg,
		registry:  cfg.Registry,
		store:     cfg.Store,
		executor:  handler.NewExecutor(cfg.Handlers),
		logger:    log.WithComponent(cfg.Logger, "coordinator"),
		env:       cfg.Env,
		tasks:     make(map[string]*task),
		snapshots: make(map[string]*Run),
	}, nil
}

// Registry returns the workflow registry the coordinator submits against.
func (c *Coordinator) Registry() *workflow.Registry {
	return c.registry
}

// Submit validates inputs against the workflow's declared schema, creates
// and persists the run record, and starts the background driver. Missing
// inputs fail synchronously and never reach the driver.
func (c *Coordinator) Submit(ctx context.Context, workflowID string, inputs map[string]interface{}) (string, error) {
	compiled, err := c.registry.Get(workflowID)
	if err != nil {
		return "", err
	}

	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	if missing := compiled.MissingInputs(inputs); len(missing) > 0 {
		sort.Strings(missing)
		merr := &errors.MissingInputsError{WorkflowID: workflowID}
		for _, name := range missing {
			merr.Missing = append(merr.Missing, errors.MissingInput{
				Name: name,
				Type: string(compiled.Definition.Inputs[name]),
			})
		}
		return "", merr
	}

	c.store.SetWorkflowSecrets(workflowID, compiled.Definition.Secrets)

	r := &Run{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      StatusPending,
		Inputs:      workflow.CloneMap(normalizeInputs(inputs)),
		StepResults: make(map[string]StepRecord),
		StartedAt:   time.Now().UTC(),
	}

	if err := c.persist(ctx, r, "save"); err != nil {
		return "", err
	}

	c.start(compiled, r, nil)
	return r.ID, nil
}

// Resume re-enters a suspended run, recreating the driver after a restart
// if necessary. The stored stepResults hydrate the step scope; resumeData
// is delivered to the suspended step.
func (c *Coordinator) Resume(ctx context.Context, runID string, resumeData map[string]interface{}) error {
	r, err := c.load(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != StatusSuspended {
		return &errors.ValidationError{
			Field:   "status",
			Message: "run " + runID + " is " + string(r.Status) + ", only suspended runs can be resumed",
		}
	}

	compiled, err := c.registry.Get(r.WorkflowID)
	if err != nil {
		return err
	}

	payload := &resumePayload{StepID: r.CurrentStepID, Data: resumeData}
	r.CurrentStepID = ""
	r.SuspendedData = nil

	c.start(compiled, r, payload)
	return nil
}

// Cancel stops a pending, running, or suspended run. The finally block
// still executes, under the shorter cleanup deadline.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	t, running := c.tasks[runID]
	c.mu.Unlock()

	if running {
		t.cancel(&errors.CancelledError{RunID: runID})
		return nil
	}

	// No live driver: the run is either suspended (cancel directly) or
	// already terminal.
	r, err := c.load(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Status.Active() {
		return &errors.ValidationError{
			Field:   "status",
			Message: "run " + runID + " is already " + string(r.Status),
		}
	}

	now := time.Now().UTC()
	r.Status = StatusCancelled
	r.CompletedAt = &now
	r.Error = (&errors.CancelledError{RunID: runID}).Error()
	r.CurrentStepID = ""
	r.SuspendedData = nil

	if compiled, err := c.registry.Get(r.WorkflowID); err == nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
		defer cancel()
		c.runCleanup(cleanupCtx, compiled, r, c.newMasker(compiled, r), nil)
	}

	if err := c.persist(ctx, r, "update"); err != nil {
		return err
	}
	c.cfg.Metrics.RunFinished(r.WorkflowID, string(r.Status))
	return nil
}

// Status returns a snapshot of the run: the in-memory copy when retained,
// the stored row otherwise.
func (c *Coordinator) Status(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	snap, ok := c.snapshots[runID]
	c.mu.Unlock()
	if ok {
		return snap.Clone(), nil
	}
	return c.store.LoadRun(ctx, runID)
}

// ListRuns returns stored runs, optionally filtered by workflow.
func (c *Coordinator) ListRuns(ctx context.Context, workflowID string) ([]*Run, error) {
	return c.store.LoadAllRuns(ctx, workflowID)
}

// Wait blocks until the run's driver goroutine exits (terminal state or
// suspension) and returns the resulting snapshot. Intended for embedding
// callers and tests; Submit itself never blocks on the drive.
func (c *Coordinator) Wait(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	t, ok := c.tasks[runID]
	c.mu.Unlock()

	if ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Status(ctx, runID)
}

// Shutdown cancels every in-flight run, waits for the drivers to exit, and
// terminates tracked shell process trees.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]*task, 0, len(c.tasks))
	for runID, t := range c.tasks {
		t.cancel(&errors.CancelledError{RunID: runID})
		pending = append(pending, t)
	}
	c.mu.Unlock()

	for _, t := range pending {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.cfg.Handlers.Procs != nil {
		c.cfg.Handlers.Procs.Shutdown()
	}
	return nil
}

// start launches the driver goroutine and records its handle.
func (c *Coordinator) start(compiled *workflow.Compiled, r *Run, resume *resumePayload) {
	base := context.Background()
	var cancelTimeout context.CancelFunc
	if c.cfg.RunTimeout > 0 {
		base, cancelTimeout = context.WithTimeout(base, c.cfg.RunTimeout)
	}
	runCtx, cancel := context.WithCancelCause(base)

	t := &task{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.tasks[r.ID] = t
	c.snapshots[r.ID] = r.Clone()
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel(nil)
			if cancelTimeout != nil {
				cancelTimeout()
			}
			c.mu.Lock()
			delete(c.tasks, r.ID)
			c.mu.Unlock()
			close(t.done)
		}()
		c.drive(runCtx, compiled, r, resume)
	}()
}

// load returns the live snapshot when present, otherwise the stored row.
func (c *Coordinator) load(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	snap, ok := c.snapshots[runID]
	c.mu.Unlock()
	if ok {
		return snap.Clone(), nil
	}
	return c.store.LoadRun(ctx, runID)
}

// persist writes the run and publishes a snapshot. Store failures follow
// the ThrowOnPersistenceError policy.
func (c *Coordinator) persist(ctx context.Context, r *Run, op string) error {
	var err error
	switch op {
	case "update":
		err = c.store.UpdateRun(ctx, r)
	default:
		err = c.store.SaveRun(ctx, r)
	}
	if err != nil {
		if c.cfg.ThrowOnPersistenceError {
			return err
		}
		c.logger.Error("persistence failed, continuing on in-memory state",
			log.RunIDKey, r.ID, "op", op, "error", err)
	}

	c.publish(r)
	return nil
}

// publish stores a deep-copy snapshot for readers and applies the
// terminal-run retention cap.
func (c *Coordinator) publish(r *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[r.ID] = r.Clone()

	if r.Status.Terminal() && !containsID(c.terminal, r.ID) {
		c.terminal = append(c.terminal, r.ID)
		for len(c.terminal) > c.cfg.RetentionCap {
			evicted := c.terminal[0]
			c.terminal = c.terminal[1:]
			delete(c.snapshots, evicted)
		}
	}
}

// newMasker seeds a masker with the run's declared secret input values.
func (c *Coordinator) newMasker(compiled *workflow.Compiled, r *Run) *secrets.Masker {
	masker := secrets.NewMasker()
	for name := range compiled.SecretNames {
		if v, ok := r.Inputs[name]; ok {
			masker.Add(workflow.FormatValue(v))
		}
	}
	return masker
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func normalizeInputs(inputs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs))
	for name, v := range inputs {
		out[name] = workflow.NormalizeValue(v)
	}
	return out
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
