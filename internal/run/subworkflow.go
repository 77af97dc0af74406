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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/workflow"
)

// bridgeSubWorkflows scans the finished plan for an eval output carrying a
// generated workflow and drives it as a child run inside the parent's
// termination path. The parent completes only after the child reaches a
// terminal state; child cleanup runs before parent cleanup.
func (c *Coordinator) bridgeSubWorkflows(ctx context.Context, compiled *workflow.Compiled, r *Run,
	logger *slog.Logger, stepsScope map[string]interface{}) error {

	for _, layer := range compiled.Plan.Layers {
		for _, stepID := range layer {
			rec, ok := r.StepResults[stepID]
			if !ok || rec.Status != StepSuccess {
				continue
			}
			payload, ok := rec.Output["workflow"]
			if !ok || payload == nil {
				continue
			}

			childID, err := c.runChild(ctx, r, logger, stepID, payload)
			if err != nil {
				return err
			}

			// Surface the child's identity on the originating step so
			// later readers can follow the parent/child relation.
			output := workflow.CloneMap(rec.Output)
			output["childRunId"] = childID
			rec.Output = output
			r.StepResults[stepID] = rec
			stepsScope[stepID] = output
		}
	}
	return nil
}

// runChild compiles the generated definition and drives it synchronously.
func (c *Coordinator) runChild(ctx context.Context, parent *Run,
	logger *slog.Logger, originStepID string, payload interface{}) (string, error) {

	def, err := workflow.ParseDefinitionValue(payload)
	if err != nil {
		return "", err
	}
	childCompiled, err := workflow.Compile(def)
	if err != nil {
		return "", err
	}

	// The child inherits the parent inputs it declares.
	inputs := make(map[string]interface{}, len(def.Inputs))
	for name := range def.Inputs {
		if v, ok := parent.Inputs[name]; ok {
			inputs[name] = workflow.CloneValue(v)
		}
	}

	c.store.SetWorkflowSecrets(def.ID, def.Secrets)
	child := &Run{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Status:      StatusPending,
		Inputs:      inputs,
		StepResults: make(map[string]StepRecord),
		StartedAt:   time.Now().UTC(),
	}
	if err := c.persist(ctx, child, "save"); err != nil {
		return "", err
	}

	logger.Info("driving generated sub-workflow",
		log.StepIDKey, originStepID, "child_run_id", child.ID, "child_workflow", def.ID)

	// Synchronous drive: the parent's termination waits on the child, and
	// the child's cleanup has already run when control returns here.
	c.drive(ctx, childCompiled, child, nil)

	switch child.Status {
	case StatusCompleted:
		return child.ID, nil
	case StatusSuspended:
		return "", fmt.Errorf("sub-workflow %s suspended; suspension is not supported inside the bridge", child.ID)
	default:
		return "", fmt.Errorf("sub-workflow %s %s: %s", child.ID, child.Status, child.Error)
	}
}
