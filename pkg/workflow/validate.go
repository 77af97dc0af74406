package workflow

import (
	"fmt"

	"github.com/tombee/cascade/pkg/errors"
)

// stepScope describes where a step definition appears, since some variants
// are forbidden in nested or cleanup positions.
type stepScope int

const (
	scopeMain stepScope = iota
	scopeIterator
	scopeCleanup
)

// Validate checks a definition for schema and referential integrity:
// unique step IDs, resolvable predecessors, per-variant required fields,
// and the nesting restrictions on iterator, suspend, and eval.
// Cycle detection lives in BuildPlan.
func Validate(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition is nil"}
	}
	if def.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "workflow id is required",
			Suggestion: "set a unique id for the workflow",
		}
	}
	if len(def.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "add at least one step",
		}
	}

	for name, typ := range def.Inputs {
		if !validInputTypes[typ] {
			return &errors.ValidationError{
				Field:      "inputs." + name,
				Message:    fmt.Sprintf("unknown input type %q", typ),
				Suggestion: "use one of: string, number, boolean, object, array",
			}
		}
	}

	for _, name := range def.Secrets {
		if _, ok := def.Inputs[name]; !ok {
			return &errors.ValidationError{
				Field:      "secrets",
				Message:    fmt.Sprintf("secret %q is not a declared input", name),
				Suggestion: "every entry in secrets must name a declared input",
			}
		}
	}

	ids := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if err := validateStep(step, scopeMain); err != nil {
			return err
		}
		if ids[step.ID] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		ids[step.ID] = true
	}

	for i := range def.Steps {
		for _, dep := range def.Steps[i].After {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:      "after",
					Message:    fmt.Sprintf("step %q depends on unknown step %q", def.Steps[i].ID, dep),
					Suggestion: "after entries must name existing step ids",
				}
			}
		}
	}

	if err := validateCleanupBlock(def.OnFailure, "onFailure"); err != nil {
		return err
	}
	if err := validateCleanupBlock(def.Finally, "finally"); err != nil {
		return err
	}

	return nil
}

// validateCleanupBlock validates onFailure/finally inner steps. Cleanup
// steps run sequentially and may not suspend, iterate, or eval.
func validateCleanupBlock(steps []StepDefinition, field string) error {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		if err := validateStep(step, scopeCleanup); err != nil {
			return err
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate cleanup step id %q", step.ID),
			}
		}
		seen[step.ID] = true
		if len(step.After) > 0 {
			return &errors.ValidationError{
				Field:      field,
				Message:    fmt.Sprintf("cleanup step %q may not declare after", step.ID),
				Suggestion: "cleanup steps execute sequentially in declaration order",
			}
		}
	}
	return nil
}

// validateStep checks a single step's variant fields and scope restrictions.
func validateStep(step *StepDefinition, scope stepScope) error {
	if step.ID == "" {
		return &errors.ValidationError{Field: "steps", Message: "step id is required"}
	}
	if !validStepTypes[step.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type),
			Suggestion: "use one of: shell, http, file, tool, agent, suspend, wait, iterator, eval",
		}
	}

	switch step.Type {
	case StepTypeShell:
		if step.Command == "" {
			return requiredField(step, "command")
		}
		if _, ok := step.ShellArgs(); !ok {
			return &errors.ValidationError{
				Field:   "args",
				Message: fmt.Sprintf("step %q args must be a list of strings", step.ID),
			}
		}

	case StepTypeHTTP:
		if step.URL == "" {
			return requiredField(step, "url")
		}

	case StepTypeFile:
		switch step.Action {
		case "read", "write", "delete":
		default:
			return &errors.ValidationError{
				Field:      "action",
				Message:    fmt.Sprintf("step %q has invalid file action %q", step.ID, step.Action),
				Suggestion: "use one of: read, write, delete",
			}
		}
		if step.Path == "" {
			return requiredField(step, "path")
		}

	case StepTypeTool:
		if step.Tool == "" {
			return requiredField(step, "tool")
		}
		if _, ok := step.ToolArgs(); !ok {
			return &errors.ValidationError{
				Field:   "args",
				Message: fmt.Sprintf("step %q args must be a mapping", step.ID),
			}
		}

	case StepTypeAgent:
		if step.Prompt == "" {
			return requiredField(step, "prompt")
		}

	case StepTypeSuspend:
		if scope == scopeIterator {
			return &errors.ValidationError{
				Field:   "runSteps",
				Message: fmt.Sprintf("suspend step %q is not allowed inside an iterator", step.ID),
			}
		}
		if scope == scopeCleanup {
			return &errors.ValidationError{
				Field:   "type",
				Message: fmt.Sprintf("suspend step %q is not allowed in cleanup blocks", step.ID),
			}
		}

	case StepTypeWait:
		if step.DurationMs <= 0 {
			return &errors.ValidationError{
				Field:   "durationMs",
				Message: fmt.Sprintf("step %q requires a positive durationMs", step.ID),
			}
		}

	case StepTypeIterator:
		if scope != scopeMain {
			return &errors.ValidationError{
				Field:   "type",
				Message: fmt.Sprintf("iterator step %q may not be nested or used in cleanup blocks", step.ID),
			}
		}
		if step.Items == "" {
			return requiredField(step, "items")
		}
		hasOne := step.RunStep != nil
		hasMany := len(step.RunSteps) > 0
		if hasOne == hasMany {
			return &errors.ValidationError{
				Field:      "runStep",
				Message:    fmt.Sprintf("iterator %q requires exactly one of runStep or runSteps", step.ID),
				Suggestion: "set runStep for a single inner step or runSteps for a sequence",
			}
		}
		if hasOne {
			if err := validateStep(step.RunStep, scopeIterator); err != nil {
				return err
			}
		}
		innerIDs := make(map[string]bool, len(step.RunSteps))
		for i := range step.RunSteps {
			inner := &step.RunSteps[i]
			if err := validateStep(inner, scopeIterator); err != nil {
				return err
			}
			if innerIDs[inner.ID] {
				return &errors.ValidationError{
					Field:   "runSteps",
					Message: fmt.Sprintf("iterator %q has duplicate inner step id %q", step.ID, inner.ID),
				}
			}
			innerIDs[inner.ID] = true
		}

	case StepTypeEval:
		if scope != scopeMain {
			return &errors.ValidationError{
				Field:   "type",
				Message: fmt.Sprintf("eval step %q is not allowed inside iterators or cleanup blocks", step.ID),
			}
		}
		if step.Script == "" {
			return requiredField(step, "script")
		}
	}

	return nil
}

func requiredField(step *StepDefinition, field string) error {
	return &errors.ValidationError{
		Field:      field,
		Message:    fmt.Sprintf("step %q (%s) requires %s", step.ID, step.Type, field),
		Suggestion: fmt.Sprintf("add the %s field to the step definition", field),
	}
}
