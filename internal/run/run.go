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

// Package run owns the run lifecycle: the coordinator that submits, drives,
// suspends, resumes, and cancels runs; the run record; and the persistent
// store port the coordinator writes through.
package run

import (
	"context"
	"time"

	"github.com/tombee/cascade/pkg/workflow"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a run in this status may still make progress.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusSuspended
}

// StepStatus is the outcome of one step within a run.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepRecord is the persisted result of one step execution.
type StepRecord struct {
	Status      StepStatus             `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt time.Time              `json:"completedAt"`
}

// Run is one invocation of a compiled workflow. The driving goroutine owns
// the record exclusively while the run is active; readers get snapshots.
type Run struct {
	ID            string                 `json:"runId"`
	WorkflowID    string                 `json:"workflowId"`
	Status        Status                 `json:"status"`
	Inputs        map[string]interface{} `json:"inputs"`
	StepResults   map[string]StepRecord  `json:"stepResults"`
	CurrentStepID string                 `json:"currentStepId,omitempty"`
	SuspendedData interface{}            `json:"suspendedData,omitempty"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Clone returns a deep copy of the run for readers outside the driver.
func (r *Run) Clone() *Run {
	out := *r
	out.Inputs = workflow.CloneMap(r.Inputs)
	out.StepResults = make(map[string]StepRecord, len(r.StepResults))
	for id, rec := range r.StepResults {
		recCopy := rec
		recCopy.Output = workflow.CloneMap(rec.Output)
		out.StepResults[id] = recCopy
	}
	out.SuspendedData = workflow.CloneValue(r.SuspendedData)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// StepOutputs projects stepResults into the steps interpolation scope:
// step id to output value, skipped and failed steps included as stored.
func (r *Run) StepOutputs() map[string]interface{} {
	outputs := make(map[string]interface{}, len(r.StepResults))
	for id, rec := range r.StepResults {
		if rec.Output != nil {
			outputs[id] = workflow.CloneMap(rec.Output)
		}
	}
	return outputs
}

// Store is the persistent store port required by the coordinator. A run is
// one row; updates are atomic per run. Implementations must be safe for
// concurrent use across runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run *Run) error
	LoadRun(ctx context.Context, runID string) (*Run, error)
	LoadAllRuns(ctx context.Context, workflowID string) ([]*Run, error)
	LoadActiveRuns(ctx context.Context) ([]*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	DeleteRun(ctx context.Context, runID string) error

	// SetWorkflowSecrets records which inputs of a workflow are secret so
	// encrypting stores can protect them at rest. It is called before the
	// first SaveRun for the workflow and must not fail: an implementation
	// that cannot record the set would silently persist those inputs in
	// the clear on every subsequent save.
	SetWorkflowSecrets(workflowID string, names []string)

	Close() error
}
