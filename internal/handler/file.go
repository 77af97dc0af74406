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
	"os"
	"path/filepath"

	"github.com/tombee/cascade/pkg/security"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// fileHandler reads, writes, or deletes a file under the guard's allowed
// roots. Every path is normalized and checked before any I/O.
type fileHandler struct {
	guard *security.PathGuardConfig
}

func (h *fileHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	pathRes, err := interp.ResolveString(step.Path, ec.Scope)
	if err != nil {
		return nil, stepError(step, "path failed to resolve", err)
	}

	guard := h.guard
	if guard == nil {
		wd, err := os.Getwd()
		if err != nil {
			return nil, stepError(step, fmt.Sprintf("cannot determine working directory: %v", err), err)
		}
		guard = security.DefaultPathGuardConfig(wd)
	}

	path, err := guard.ResolvePath(pathRes.Value)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch step.Action {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, stepError(step, fmt.Sprintf("read failed: %v", err), err)
		}
		return map[string]interface{}{"content": string(data)}, nil

	case "write":
		content, err := h.renderContent(step, ec)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, stepError(step, fmt.Sprintf("write failed: %v", err), err)
		}
		if err := os.WriteFile(path, []byte(content), 0640); err != nil {
			return nil, stepError(step, fmt.Sprintf("write failed: %v", err), err)
		}
		return map[string]interface{}{"success": true}, nil

	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, stepError(step, fmt.Sprintf("delete failed: %v", err), err)
		}
		return map[string]interface{}{"success": true}, nil

	default:
		return nil, stepError(step, fmt.Sprintf("unknown file action %q", step.Action), nil)
	}
}

// renderContent interpolates the content field. Non-string resolved values
// are written as indented JSON.
func (h *fileHandler) renderContent(step *workflow.StepDefinition, ec *ExecContext) (string, error) {
	switch content := step.Content.(type) {
	case nil:
		return "", nil
	case string:
		value, err := interp.ResolveValue(content, ec.Scope)
		if err != nil {
			return "", stepError(step, "content failed to resolve", err)
		}
		if s, ok := value.(string); ok {
			return s, nil
		}
		return workflow.StringifyIndent(value), nil
	default:
		resolved, _, err := interp.ResolveDeep(content, ec.Scope)
		if err != nil {
			return "", stepError(step, "content failed to resolve", err)
		}
		return workflow.StringifyIndent(resolved), nil
	}
}
