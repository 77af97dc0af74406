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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/security"
	"github.com/tombee/cascade/pkg/workflow"
)

func fileExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	return NewExecutor(Config{PathGuard: security.DefaultPathGuardConfig(root)}), root
}

func TestFileWriteReadDelete(t *testing.T) {
	e, root := fileExecutor(t)
	ctx := context.Background()

	write := &workflow.StepDefinition{
		ID: "w", Type: workflow.StepTypeFile,
		Action: "write", Path: "out/report.txt",
		Content: "run {{inputs.label}}",
	}
	ec := newExecCtx(map[string]interface{}{"label": "nightly"}, nil)

	output, err := e.Execute(ctx, write, ec)
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])

	data, err := os.ReadFile(filepath.Join(root, "out", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "run nightly", string(data))

	read := &workflow.StepDefinition{
		ID: "r", Type: workflow.StepTypeFile,
		Action: "read", Path: "out/report.txt",
	}
	output, err = e.Execute(ctx, read, newExecCtx(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "run nightly", output["content"])

	del := &workflow.StepDefinition{
		ID: "d", Type: workflow.StepTypeFile,
		Action: "delete", Path: "out/report.txt",
	}
	output, err = e.Execute(ctx, del, newExecCtx(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
	_, err = os.Stat(filepath.Join(root, "out", "report.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileWriteCompositeContent(t *testing.T) {
	e, root := fileExecutor(t)

	step := &workflow.StepDefinition{
		ID: "w", Type: workflow.StepTypeFile,
		Action: "write", Path: "data.json",
		Content: map[string]interface{}{"value": "{{inputs.count}}"},
	}
	ec := newExecCtx(map[string]interface{}{"count": 7.0}, nil)

	_, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "data.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value": 7}`, string(data))
	// Indented output, not compact.
	assert.Contains(t, string(data), "\n")
}

func TestFileTraversalRejectedBeforeIO(t *testing.T) {
	e, root := fileExecutor(t)

	outside := filepath.Join(filepath.Dir(root), "escape.txt")
	step := &workflow.StepDefinition{
		ID: "w", Type: workflow.StepTypeFile,
		Action: "write", Path: "../escape.txt",
		Content: "nope",
	}

	_, err := e.Execute(context.Background(), step, newExecCtx(nil, nil))
	require.Error(t, err)
	var serr *errors.SecurityError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, errors.PolicyPathTraversal, serr.Policy)

	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileReadMissing(t *testing.T) {
	e, _ := fileExecutor(t)

	step := &workflow.StepDefinition{
		ID: "r", Type: workflow.StepTypeFile,
		Action: "read", Path: "missing.txt",
	}
	_, err := e.Execute(context.Background(), step, newExecCtx(nil, nil))
	require.Error(t, err)
	var serr *errors.StepError
	assert.True(t, errors.As(err, &serr))
}

func TestFileDeleteMissingIsSuccess(t *testing.T) {
	e, _ := fileExecutor(t)

	step := &workflow.StepDefinition{
		ID: "d", Type: workflow.StepTypeFile,
		Action: "delete", Path: "missing.txt",
	}
	output, err := e.Execute(context.Background(), step, newExecCtx(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, true, output["success"])
}
