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
	"time"

	"github.com/tombee/cascade/internal/handler"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/secrets"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// failureInfo is the error substructure injected into cleanup inputs when
// the run terminated failed.
type failureInfo struct {
	Message string
	StepID  string
}

// runCleanup executes the workflow's cleanup blocks sequentially: onFailure
// only for failed runs, finally on every terminal state. Cleanup results
// are recorded under "cleanup:<id>"; a cleanup failure is logged and
// recorded but never masks the primary run error.
func (c *Coordinator) runCleanup(ctx context.Context, compiled *workflow.Compiled, r *Run,
	masker *secrets.Masker, failure *failureInfo) {

	def := compiled.Definition
	var steps []workflow.StepDefinition
	if failure != nil {
		steps = append(steps, def.OnFailure...)
	}
	steps = append(steps, def.Finally...)
	if len(steps) == 0 {
		return
	}

	logger := log.WithRunContext(maskedLogger(c.cfg.Logger, masker), r.ID, r.WorkflowID)

	inputs := workflow.CloneMap(r.Inputs)
	if failure != nil {
		inputs["error"] = map[string]interface{}{
			"message": failure.Message,
			"stepId":  failure.StepID,
		}
	}

	// Cleanup sees the main plan's accumulated outputs plus the outputs of
	// earlier cleanup steps under their plain ids.
	stepsScope := r.StepOutputs()

	for i := range steps {
		step := &steps[i]
		recordID := "cleanup:" + step.ID
		if _, done := r.StepResults[recordID]; done {
			continue
		}

		stepLogger := log.WithStepContext(logger, r.ID, recordID)
		scope := &interp.Context{
			Inputs:       workflow.CloneMap(inputs),
			Steps:        workflow.CloneMap(stepsScope),
			Env:          c.env,
			Run:          interp.RunMeta{ID: r.ID, WorkflowID: r.WorkflowID, StartedAt: r.StartedAt},
			SecretInputs: compiled.SecretNames,
			Masker:       masker,
			Logger:       stepLogger,
		}
		ec := &handler.ExecContext{Scope: scope, Env: c.cfg.Environment, Logger: stepLogger}

		started := time.Now().UTC()
		output, err := c.executor.Execute(ctx, step, ec)
		ended := time.Now().UTC()
		c.cfg.Metrics.ObserveStep(string(step.Type), outcomeOf(output, err), ended.Sub(started))

		if err != nil {
			stepLogger.Error("cleanup step failed", "error", masker.Mask(err.Error()))
			r.StepResults[recordID] = StepRecord{
				Status:      StepFailed,
				Error:       masker.Mask(err.Error()),
				StartedAt:   started,
				CompletedAt: ended,
			}
			continue
		}

		stepsScope[step.ID] = output
		rec := StepRecord{
			Status:      StepSuccess,
			Output:      output,
			StartedAt:   started,
			CompletedAt: ended,
		}
		if skipped, ok := output["skipped"].(bool); ok && skipped {
			rec.Status = StepSkipped
		}
		r.StepResults[recordID] = rec
	}
}
