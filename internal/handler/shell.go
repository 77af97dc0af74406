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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tombee/cascade/internal/procgroup"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/security"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// shellHandler runs a command either through the platform shell or, in safe
// mode, as a literal argument vector with no shell in between. The child's
// whole process tree is tracked so cancellation and timeout can reach
// grandchildren.
type shellHandler struct {
	procs *procgroup.Tracker
}

func (h *shellHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	res, err := interp.ResolveString(step.Command, ec.Scope)
	if err != nil {
		return nil, stepError(step, "command failed to resolve", err)
	}

	h.warnOnInjection(step, res.Value, ec)
	if ec.Logger != nil {
		ec.Logger.Debug("executing command", "command", res.Masked)
	}

	var cmd *exec.Cmd
	if step.Safe {
		rawArgs, ok := step.ShellArgs()
		if !ok {
			return nil, stepError(step, "safe mode requires args to be a string list", nil)
		}
		argv := make([]string, len(rawArgs))
		for i, raw := range rawArgs {
			value, err := interp.ResolveValue(raw, ec.Scope)
			if err != nil {
				return nil, stepError(step, fmt.Sprintf("arg %d failed to resolve", i), err)
			}
			argv[i] = workflow.FormatValue(value)
		}
		cmd = exec.Command(res.Value, argv...)
	} else {
		cmd = exec.Command("sh", "-c", res.Value)
	}

	if step.Cwd != "" {
		cwd, err := resolveOptionalString(step.Cwd, ec)
		if err != nil {
			return nil, stepError(step, "cwd failed to resolve", err)
		}
		cmd.Dir = cwd
	}

	env := os.Environ()
	for key, raw := range step.Env {
		value, err := resolveOptionalString(raw, ec)
		if err != nil {
			return nil, stepError(step, fmt.Sprintf("env %s failed to resolve", key), err)
		}
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.procs.Configure(cmd)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, stepError(step, fmt.Sprintf("failed to start: %v", err), err)
	}
	h.procs.Track(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
		h.procs.Release(cmd)
	case <-ctx.Done():
		h.procs.Kill(cmd)
		<-done
		if ctx.Err() == context.DeadlineExceeded {
			// Partial output accompanies the error so a tolerated timeout
			// still exposes what the command printed before the kill.
			partial := map[string]interface{}{
				"stdout":   strings.TrimSpace(stdout.String()),
				"stderr":   strings.TrimSpace(stderr.String()),
				"exitCode": float64(-1),
			}
			return partial, &errors.TimeoutError{
				Operation: fmt.Sprintf("shell step %s", step.ID),
				Duration:  time.Since(started),
				Cause:     ctx.Err(),
			}
		}
		return nil, ctx.Err()
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, stepError(step, fmt.Sprintf("command failed: %v", waitErr), waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	output := map[string]interface{}{
		"stdout":   strings.TrimSpace(stdout.String()),
		"stderr":   strings.TrimSpace(stderr.String()),
		"exitCode": float64(exitCode),
	}

	if exitCode != 0 && step.FailFast() {
		return nil, &errors.StepError{
			StepID:      step.ID,
			Kind:        string(step.Type),
			Message:     fmt.Sprintf("command failed with exit code %d: %s", exitCode, strings.TrimSpace(stderr.String())),
			FailOnError: true,
		}
	}
	return output, nil
}

// warnOnInjection logs an advisory for interpolated values that introduce
// shell metacharacters. Execution proceeds regardless.
func (h *shellHandler) warnOnInjection(step *workflow.StepDefinition, command string, ec *ExecContext) {
	if ec.Logger == nil {
		return
	}
	var substituted []string
	for _, expr := range interp.ExtractVariables(step.Command) {
		if value, _, ok := ec.Scope.Resolve(expr); ok {
			substituted = append(substituted, workflow.FormatValue(value))
		}
	}
	for _, warning := range security.ShellWarnings(command, substituted) {
		ec.Logger.Warn("shell safety advisory", "step_id", step.ID, "detail", warning)
	}
}

func stepError(step *workflow.StepDefinition, message string, cause error) error {
	return &errors.StepError{
		StepID:      step.ID,
		Kind:        string(step.Type),
		Message:     message,
		FailOnError: step.FailFast(),
		Cause:       cause,
	}
}
