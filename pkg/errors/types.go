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

// Package errors defines the typed error taxonomy used across the
// orchestrator core. Callers match on concrete types with errors.As
// rather than parsing messages.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a workflow definition or user input that fails
// schema or referential-integrity checks (unknown predecessor, cycle,
// conflicting iterator fields, bad field values).
type ValidationError struct {
	// Field identifies which field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "tool")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// MissingInput names a declared workflow input that a submission omitted,
// together with its declared type so callers can prompt for it.
type MissingInput struct {
	Name string
	Type string
}

// MissingInputsError is raised synchronously at submission when one or more
// declared inputs are absent or empty. It never reaches the run driver.
type MissingInputsError struct {
	// WorkflowID is the workflow the submission targeted
	WorkflowID string

	// Missing lists the omitted inputs with their declared types
	Missing []MissingInput
}

// Error implements the error interface.
func (e *MissingInputsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = fmt.Sprintf("%s (%s)", m.Name, m.Type)
	}
	return fmt.Sprintf("workflow %s missing required inputs: %s", e.WorkflowID, strings.Join(names, ", "))
}

// StepError represents a step handler failure. It carries the step identity
// and the kind-specific diagnostic (exit code, HTTP status, script message).
type StepError struct {
	// StepID is the step that failed
	StepID string

	// Kind is the step type (shell, http, file, ...)
	Kind string

	// Message is the kind-specific diagnostic
	Message string

	// FailOnError records whether the step's failOnError policy was in effect
	FailOnError bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %s", e.StepID, e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// SandboxError represents an eval script that touched a blocked facility,
// failed to compile or run, or exceeded its timeout.
type SandboxError struct {
	// StepID is the eval step whose script failed
	StepID string

	// Reason is the underlying script diagnostic
	Reason string

	// Timeout is true when the script exceeded its wall-time budget
	Timeout bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SandboxError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("script in step %s timed out: %s", e.StepID, e.Reason)
	}
	return fmt.Sprintf("script in step %s failed: %s", e.StepID, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SandboxError) Unwrap() error {
	return e.Cause
}

// Security policy identifiers used by SecurityError.
const (
	PolicySSRF          = "ssrf"
	PolicyPathTraversal = "path_traversal"
	PolicyWeakKey       = "weak_encryption_key"
)

// SecurityError represents a rejected operation: an SSRF target, a path
// escaping the allow-list, or a weak encryption key.
type SecurityError struct {
	// Policy is one of the Policy* constants
	Policy string

	// Detail describes what was rejected
	Detail string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("security policy %s violated: %s", e.Policy, e.Detail)
}

// PersistenceError represents a store operation that failed after retries.
type PersistenceError struct {
	// Op is the store operation that failed (e.g., "save_run", "update_run")
	Op string

	// Attempts is the number of attempts made before giving up
	Attempts int

	// Cause is the underlying store error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("persistence %s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a per-step or per-run timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step http_fetch", "run")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancelledError represents a run that was cancelled by a caller.
type CancelledError struct {
	// RunID is the cancelled run
	RunID string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}
