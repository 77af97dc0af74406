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
	"strings"

	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// toolHandler invokes a named tool from the environment port.
type toolHandler struct{}

func (h *toolHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	name, err := resolveOptionalString(step.Tool, ec)
	if err != nil {
		return nil, stepError(step, "tool name failed to resolve", err)
	}

	if ec.Env == nil {
		return nil, stepError(step, "no environment configured for tool execution", nil)
	}
	tool, ok := ec.Env.Tool(name)
	if !ok {
		available := ec.Env.ToolNames()
		return nil, stepError(step,
			fmt.Sprintf("tool %q not found (available: %s)", name, strings.Join(available, ", ")), nil)
	}

	rawArgs, ok := step.ToolArgs()
	if !ok {
		return nil, stepError(step, "args must be a mapping", nil)
	}
	if rawArgs == nil {
		rawArgs = map[string]interface{}{}
	}
	resolved, _, err := interp.ResolveDeep(rawArgs, ec.Scope)
	if err != nil {
		return nil, stepError(step, "args failed to resolve", err)
	}
	args, _ := resolved.(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stepError(step, fmt.Sprintf("tool %q failed: %v", name, err), err)
	}

	return map[string]interface{}{"result": workflow.NormalizeValue(result)}, nil
}
