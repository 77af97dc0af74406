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

package handler

import (
	"context"
	"fmt"

	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// iteratorHandler executes inner steps once per element of a resolved
// collection. Items run sequentially; inner outputs accumulate in a local
// steps scope visible only within the iteration.
type iteratorHandler struct {
	executor *Executor
}

func (h *iteratorHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	resolved, err := interp.ResolveValue(step.Items, ec.Scope)
	if err != nil {
		return nil, stepError(step, "items failed to resolve", err)
	}
	items, ok := resolved.([]interface{})
	if !ok {
		if resolved == nil {
			items = nil
		} else {
			return nil, stepError(step, fmt.Sprintf("items must resolve to a sequence, got %T", resolved), nil)
		}
	}

	inner := step.RunSteps
	single := step.RunStep != nil
	if single {
		inner = []workflow.StepDefinition{*step.RunStep}
	}

	results := make([]interface{}, 0, len(items))
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		itemInputs := workflow.CloneMap(ec.Scope.Inputs)
		itemInputs["item"] = workflow.CloneValue(item)
		itemInputs["index"] = float64(index)

		localSteps := workflow.CloneMap(ec.Scope.Steps)
		itemScope := &interp.Context{
			Inputs:       itemInputs,
			Steps:        localSteps,
			Env:          ec.Scope.Env,
			Run:          ec.Scope.Run,
			SecretInputs: ec.Scope.SecretInputs,
			Masker:       ec.Scope.Masker,
			Logger:       ec.Scope.Logger,
		}
		itemCtx := &ExecContext{
			Scope:  itemScope,
			Env:    ec.Env,
			Logger: ec.Logger,
		}

		iterationOutputs := make(map[string]interface{}, len(inner))
		for i := range inner {
			innerStep := &inner[i]
			output, err := h.executor.Execute(ctx, innerStep, itemCtx)
			if err != nil {
				return nil, stepError(step,
					fmt.Sprintf("item %d: step %s failed: %v", index, innerStep.ID, err), err)
			}
			localSteps[innerStep.ID] = output
			iterationOutputs[innerStep.ID] = output
		}

		if single {
			results = append(results, iterationOutputs[step.RunStep.ID])
		} else {
			results = append(results, iterationOutputs)
		}
	}

	return map[string]interface{}{
		"results": results,
		"count":   float64(len(results)),
	}, nil
}
