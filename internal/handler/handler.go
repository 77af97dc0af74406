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

// Package handler implements the step executor pool: one handler per step
// kind behind a uniform Execute contract, plus the wrapper that applies
// idempotent skip and condition gating before any handler runs.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/cascade/internal/procgroup"
	"github.com/tombee/cascade/internal/sandbox"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/security"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// Handler executes one step kind. The returned map is the step's output in
// the engine's JSON vocabulary.
type Handler interface {
	Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error)
}

// ExecContext carries the per-step execution scope. Scope holds the
// interpolation context (inputs, prior outputs, env, run metadata, secret
// set); Env is the environment port for tool/agent/llm lookups.
type ExecContext struct {
	Scope  *interp.Context
	Env    Environment
	Logger *slog.Logger

	// ResumeStepID and ResumeData are set when re-entering a suspended
	// run: the suspend handler with the matching ID consumes the payload
	// instead of signalling suspension again.
	ResumeStepID string
	ResumeData   map[string]interface{}
}

// SuspendSignal is returned as the error from a suspend step to hand
// control back to the coordinator. It is a control-flow value, not a
// failure.
type SuspendSignal struct {
	StepID       string
	Message      string
	ResumeSchema []string
}

func (s *SuspendSignal) Error() string {
	if s.Message != "" {
		return fmt.Sprintf("step %s suspended: %s", s.StepID, s.Message)
	}
	return fmt.Sprintf("step %s suspended", s.StepID)
}

// Config wires the shared services handlers depend on.
type Config struct {
	Procs     *procgroup.Tracker
	HTTPGuard *security.HTTPGuardConfig
	PathGuard *security.PathGuardConfig
	Sandbox   *sandbox.Engine
}

// Executor dispatches a step to its kind's handler after the uniform
// pre-checks.
type Executor struct {
	handlers map[workflow.StepType]Handler
}

// NewExecutor builds the dispatch table for all nine step kinds.
func NewExecutor(cfg Config) *Executor {
	if cfg.Procs == nil {
		cfg.Procs = procgroup.NewTracker()
	}
	if cfg.HTTPGuard == nil {
		cfg.HTTPGuard = security.DefaultHTTPGuardConfig()
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.New()
	}

	return &Executor{
		handlers: map[workflow.StepType]Handler{
			workflow.StepTypeShell:    &shellHandler{procs: cfg.Procs},
			workflow.StepTypeHTTP:     &httpHandler{guard: cfg.HTTPGuard},
			workflow.StepTypeFile:     &fileHandler{guard: cfg.PathGuard},
			workflow.StepTypeTool:     &toolHandler{},
			workflow.StepTypeAgent:    &agentHandler{},
			workflow.StepTypeSuspend:  &suspendHandler{},
			workflow.StepTypeWait:     &waitHandler{},
			workflow.StepTypeIterator: nil, // set below, needs the executor itself
			workflow.StepTypeEval:     &evalHandler{engine: cfg.Sandbox},
		},
	}
}

// init-time wiring for the iterator's recursive dispatch.
func (e *Executor) ensureIterator() {
	if e.handlers[workflow.StepTypeIterator] == nil {
		e.handlers[workflow.StepTypeIterator] = &iteratorHandler{executor: e}
	}
}

// Execute runs one step. Order of pre-checks: idempotent skip (a stored
// entry is returned verbatim, no side effects), then the condition gate,
// then per-step timeout, then the kind handler.
func (e *Executor) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	e.ensureIterator()

	if prior, ok := ec.Scope.Steps[step.ID]; ok {
		if m, isMap := prior.(map[string]interface{}); isMap {
			return m, nil
		}
		return map[string]interface{}{"result": prior}, nil
	}

	if step.Condition != "" {
		res, err := interp.ResolveString(step.Condition, ec.Scope)
		if err != nil {
			return nil, &errors.StepError{
				StepID:  step.ID,
				Kind:    string(step.Type),
				Message: fmt.Sprintf("condition failed to resolve: %v", err),
				Cause:   err,
			}
		}
		switch strings.TrimSpace(res.Value) {
		case "false", "0", "":
			if ec.Logger != nil {
				ec.Logger.Debug("step skipped by condition", "step_id", step.ID, "condition", res.Masked)
			}
			output := zeroOutput(step)
			output["skipped"] = true
			return output, nil
		}
	}

	parent := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		defer cancel()
	}

	h, ok := e.handlers[step.Type]
	if !ok {
		return nil, &errors.StepError{
			StepID:  step.ID,
			Kind:    string(step.Type),
			Message: fmt.Sprintf("no handler for step type %q", step.Type),
		}
	}

	output, err := h.Execute(ctx, step, ec)
	if err != nil {
		// A per-step timeout is soft under failOnError=false: the partial
		// output (or the kind's zero fields) stands in and the run
		// proceeds. The parent check keeps run-level deadlines hard.
		if timedOut(err) && !step.FailFast() && parent.Err() == nil {
			if output == nil {
				output = zeroOutput(step)
			}
			return output, nil
		}
		return nil, err
	}
	return output, nil
}

// timedOut reports whether the handler error is a deadline expiry rather
// than a cancellation or a genuine failure.
func timedOut(err error) bool {
	var terr *errors.TimeoutError
	return errors.As(err, &terr) || errors.Is(err, context.DeadlineExceeded)
}

// zeroOutput returns the kind's zero-value output fields, used when a step
// is skipped or its timeout is tolerated so downstream interpolations
// against the step's fields still resolve.
func zeroOutput(step *workflow.StepDefinition) map[string]interface{} {
	switch step.Type {
	case workflow.StepTypeShell:
		return map[string]interface{}{"stdout": "", "stderr": "", "exitCode": float64(0)}
	case workflow.StepTypeHTTP:
		return map[string]interface{}{
			"status":  float64(0),
			"body":    nil,
			"text":    "",
			"headers": map[string]interface{}{},
		}
	case workflow.StepTypeFile:
		if step.Action == "read" {
			return map[string]interface{}{"content": ""}
		}
		return map[string]interface{}{"success": false}
	case workflow.StepTypeTool, workflow.StepTypeEval:
		return map[string]interface{}{"result": nil}
	case workflow.StepTypeAgent:
		return map[string]interface{}{"response": ""}
	case workflow.StepTypeWait:
		return map[string]interface{}{"completed": false, "durationMs": float64(0)}
	case workflow.StepTypeIterator:
		return map[string]interface{}{"results": []interface{}{}, "count": float64(0)}
	default:
		return map[string]interface{}{}
	}
}

// resolveOptionalString interpolates a field that may be empty.
func resolveOptionalString(field string, ec *ExecContext) (string, error) {
	if field == "" {
		return "", nil
	}
	res, err := interp.ResolveString(field, ec.Scope)
	if err != nil {
		return "", err
	}
	return res.Value, nil
}
