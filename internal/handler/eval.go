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
	"time"

	"github.com/tombee/cascade/internal/sandbox"
	"github.com/tombee/cascade/pkg/workflow"
)

// defaultScriptTimeout applies when the step declares no scriptTimeout.
const defaultScriptTimeout = 30 * time.Second

// evalHandler runs the step's script in the sandbox. A map result holding a
// "workflow" key is validated as a workflow description and surfaced for the
// sub-workflow bridge.
type evalHandler struct {
	engine *sandbox.Engine
}

func (h *evalHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	timeout := defaultScriptTimeout
	if step.ScriptTimeout > 0 {
		timeout = time.Duration(step.ScriptTimeout) * time.Second
	}

	scope := &sandbox.Scope{
		Inputs: ec.Scope.Inputs,
		Steps:  ec.Scope.Steps,
		Env:    ec.Scope.Env,
		Logger: ec.Logger,
	}

	value, err := h.engine.Run(ctx, step.Script, scope, timeout)
	if err != nil {
		return nil, err
	}

	if m, ok := value.(map[string]interface{}); ok {
		if spec, hasWorkflow := m["workflow"]; hasWorkflow {
			def, err := workflow.ParseDefinitionValue(spec)
			if err != nil {
				return nil, stepError(step, "generated workflow is invalid", err)
			}
			if err := workflow.Validate(def); err != nil {
				return nil, stepError(step, "generated workflow is invalid", err)
			}
			return map[string]interface{}{"workflow": workflow.NormalizeValue(spec)}, nil
		}
	}

	return map[string]interface{}{"result": value}, nil
}
