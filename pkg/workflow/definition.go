package workflow

import (
	"gopkg.in/yaml.v3"

	"github.com/tombee/cascade/pkg/errors"
)

// InputType is the declared primitive type tag of a workflow input.
type InputType string

const (
	InputTypeString  InputType = "string"
	InputTypeNumber  InputType = "number"
	InputTypeBoolean InputType = "boolean"
	InputTypeObject  InputType = "object"
	InputTypeArray   InputType = "array"
)

// validInputTypes is the closed set of declarable input types.
var validInputTypes = map[InputType]bool{
	InputTypeString:  true,
	InputTypeNumber:  true,
	InputTypeBoolean: true,
	InputTypeObject:  true,
	InputTypeArray:   true,
}

// StepType is the discriminator of the step variant.
type StepType string

const (
	StepTypeShell    StepType = "shell"
	StepTypeHTTP     StepType = "http"
	StepTypeFile     StepType = "file"
	StepTypeTool     StepType = "tool"
	StepTypeAgent    StepType = "agent"
	StepTypeSuspend  StepType = "suspend"
	StepTypeWait     StepType = "wait"
	StepTypeIterator StepType = "iterator"
	StepTypeEval     StepType = "eval"
)

// validStepTypes is the closed step vocabulary.
var validStepTypes = map[StepType]bool{
	StepTypeShell:    true,
	StepTypeHTTP:     true,
	StepTypeFile:     true,
	StepTypeTool:     true,
	StepTypeAgent:    true,
	StepTypeSuspend:  true,
	StepTypeWait:     true,
	StepTypeIterator: true,
	StepTypeEval:     true,
}

// TriggerDefinition describes how runs of this workflow are initiated.
// It is carried through compilation but never interpreted by the core;
// schedulers and watchers live behind the submission API.
type TriggerDefinition struct {
	// Schedule is a cron-style schedule expression
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Event is an event pattern for event-driven triggers
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
}

// Definition is the author-authored declarative workflow document.
// The core consumes it already parsed; ParseDefinition is a convenience
// for YAML/JSON bytes.
type Definition struct {
	// ID uniquely identifies the workflow within a registry
	ID string `yaml:"id" json:"id"`

	// Description is optional human-readable documentation
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs maps input names to declared type tags
	Inputs map[string]InputType `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Secrets lists the input names whose values are secret
	Secrets []string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Steps is the ordered main plan
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// OnFailure steps run only when the run terminates failed
	OnFailure []StepDefinition `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`

	// Finally steps run on every terminal state
	Finally []StepDefinition `yaml:"finally,omitempty" json:"finally,omitempty"`

	// Trigger is carried through but not interpreted by the core
	Trigger *TriggerDefinition `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// StepDefinition is the closed tagged variant for a single step. Type is
// the discriminator; the remaining fields are per-variant and validated by
// Validate. Fields marked interpolated accept {{...}} expressions.
type StepDefinition struct {
	// ID is unique within the workflow
	ID string `yaml:"id" json:"id"`

	// Type discriminates the variant
	Type StepType `yaml:"type" json:"type"`

	// After lists explicit predecessor step IDs
	After []string `yaml:"after,omitempty" json:"after,omitempty"`

	// Condition is a template string evaluated at step entry; the literal
	// results "false", "0" and "" skip the step
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Timeout is the per-step soft timeout in seconds (0 = kind default)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Description is optional documentation
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// shell fields
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Cwd         string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	FailOnError *bool             `yaml:"failOnError,omitempty" json:"failOnError,omitempty"`
	Safe        bool              `yaml:"safe,omitempty" json:"safe,omitempty"`

	// Args is shared by shell (literal argv vector in safe mode) and tool
	// (argument mapping). ShellArgs and ToolArgs give the typed views.
	Args interface{} `yaml:"args,omitempty" json:"args,omitempty"`

	// http fields
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    interface{}       `yaml:"body,omitempty" json:"body,omitempty"`

	// file fields
	Action  string      `yaml:"action,omitempty" json:"action,omitempty"`
	Path    string      `yaml:"path,omitempty" json:"path,omitempty"`
	Content interface{} `yaml:"content,omitempty" json:"content,omitempty"`

	// tool fields
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// agent fields
	Prompt    string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	System    string `yaml:"system,omitempty" json:"system,omitempty"`
	Agent     string `yaml:"agent,omitempty" json:"agent,omitempty"`
	MaxTokens int    `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`

	// suspend fields
	Message      string   `yaml:"message,omitempty" json:"message,omitempty"`
	ResumeSchema []string `yaml:"resumeSchema,omitempty" json:"resumeSchema,omitempty"`

	// wait fields
	DurationMs int64 `yaml:"durationMs,omitempty" json:"durationMs,omitempty"`

	// iterator fields
	Items    string           `yaml:"items,omitempty" json:"items,omitempty"`
	RunStep  *StepDefinition  `yaml:"runStep,omitempty" json:"runStep,omitempty"`
	RunSteps []StepDefinition `yaml:"runSteps,omitempty" json:"runSteps,omitempty"`

	// eval fields
	Script        string `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptTimeout int    `yaml:"scriptTimeout,omitempty" json:"scriptTimeout,omitempty"`
}

// FailFast reports whether a non-zero exit / non-2xx status should fail the
// step. Defaults to true when failOnError is unset.
func (s *StepDefinition) FailFast() bool {
	if s.FailOnError == nil {
		return true
	}
	return *s.FailOnError
}

// ShellArgs returns the args field as the literal argv vector used by
// safe-mode shell steps. Returns (nil, true) when args is absent.
func (s *StepDefinition) ShellArgs() ([]string, bool) {
	if s.Args == nil {
		return nil, true
	}
	switch v := s.Args.(type) {
	case []string:
		return v, true
	case []interface{}:
		args := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			args[i] = str
		}
		return args, true
	default:
		return nil, false
	}
}

// ToolArgs returns the args field as the argument mapping passed to a tool.
// Returns (empty, true) when args is absent.
func (s *StepDefinition) ToolArgs() (map[string]interface{}, bool) {
	if s.Args == nil {
		return map[string]interface{}{}, true
	}
	m, ok := s.Args.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return m, true
}

// ParseDefinition unmarshals a workflow definition from YAML or JSON bytes.
// YAML is a superset of JSON, so a single decoder covers both. File
// discovery stays outside the core.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "definition",
			Message:    "failed to parse workflow definition: " + err.Error(),
			Suggestion: "check YAML/JSON syntax",
		}
	}
	normalizeDefinition(&def)
	return &def, nil
}

// ParseDefinitionValue builds a Definition from an already-decoded JSON
// value, as produced by an eval script returning {workflow: ...}.
func ParseDefinitionValue(value interface{}) (*Definition, error) {
	data, err := yaml.Marshal(NormalizeValue(value))
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: "dynamic workflow payload is not serializable: " + err.Error(),
		}
	}
	return ParseDefinition(data)
}

// normalizeDefinition canonicalizes decoded values (YAML ints to float64
// and interface-keyed maps to string-keyed) in interpolatable fields.
func normalizeDefinition(def *Definition) {
	for i := range def.Steps {
		normalizeStep(&def.Steps[i])
	}
	for i := range def.OnFailure {
		normalizeStep(&def.OnFailure[i])
	}
	for i := range def.Finally {
		normalizeStep(&def.Finally[i])
	}
}

func normalizeStep(step *StepDefinition) {
	if step.Body != nil {
		step.Body = NormalizeValue(step.Body)
	}
	if step.Content != nil {
		step.Content = NormalizeValue(step.Content)
	}
	if step.Args != nil {
		step.Args = NormalizeValue(step.Args)
	}
	if step.RunStep != nil {
		normalizeStep(step.RunStep)
	}
	for i := range step.RunSteps {
		normalizeStep(&step.RunSteps[i])
	}
}
