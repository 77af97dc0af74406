package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID: "test",
		Inputs: map[string]InputType{
			"name":     InputTypeString,
			"password": InputTypeString,
		},
		Secrets: []string{"password"},
		Steps: []StepDefinition{
			{ID: "greet", Type: StepTypeShell, Command: "echo {{inputs.name}}"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validDefinition()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		substr string
	}{
		{
			name:   "missing id",
			mutate: func(d *Definition) { d.ID = "" },
			substr: "workflow id",
		},
		{
			name:   "no steps",
			mutate: func(d *Definition) { d.Steps = nil },
			substr: "no steps",
		},
		{
			name:   "unknown input type",
			mutate: func(d *Definition) { d.Inputs["name"] = "tuple" },
			substr: "unknown input type",
		},
		{
			name:   "secret names undeclared input",
			mutate: func(d *Definition) { d.Secrets = []string{"token"} },
			substr: "not a declared input",
		},
		{
			name: "duplicate step id",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, StepDefinition{ID: "greet", Type: StepTypeShell, Command: "echo"})
			},
			substr: "duplicate step id",
		},
		{
			name: "unknown after reference",
			mutate: func(d *Definition) {
				d.Steps[0].After = []string{"missing"}
			},
			substr: "unknown step",
		},
		{
			name: "unknown step type",
			mutate: func(d *Definition) {
				d.Steps[0].Type = "teleport"
			},
			substr: "unknown type",
		},
		{
			name: "shell without command",
			mutate: func(d *Definition) {
				d.Steps[0] = StepDefinition{ID: "s", Type: StepTypeShell}
			},
			substr: "requires command",
		},
		{
			name: "http without url",
			mutate: func(d *Definition) {
				d.Steps[0] = StepDefinition{ID: "s", Type: StepTypeHTTP, Method: "GET"}
			},
			substr: "requires url",
		},
		{
			name: "file with bad action",
			mutate: func(d *Definition) {
				d.Steps[0] = StepDefinition{ID: "s", Type: StepTypeFile, Action: "append", Path: "x"}
			},
			substr: "invalid file action",
		},
		{
			name: "wait without duration",
			mutate: func(d *Definition) {
				d.Steps[0] = StepDefinition{ID: "s", Type: StepTypeWait}
			},
			substr: "durationMs",
		},
		{
			name: "iterator with both runStep and runSteps",
			mutate: func(d *Definition) {
				inner := StepDefinition{ID: "i", Type: StepTypeShell, Command: "echo"}
				d.Steps[0] = StepDefinition{
					ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}",
					RunStep:  &inner,
					RunSteps: []StepDefinition{inner},
				}
			},
			substr: "exactly one of runStep or runSteps",
		},
		{
			name: "iterator with neither runStep nor runSteps",
			mutate: func(d *Definition) {
				d.Steps[0] = StepDefinition{ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}"}
			},
			substr: "exactly one of runStep or runSteps",
		},
		{
			name: "nested iterator",
			mutate: func(d *Definition) {
				inner := StepDefinition{ID: "nested", Type: StepTypeIterator, Items: "{{inputs.list}}"}
				d.Steps[0] = StepDefinition{
					ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}",
					RunStep: &inner,
				}
			},
			substr: "may not be nested",
		},
		{
			name: "suspend inside iterator",
			mutate: func(d *Definition) {
				inner := StepDefinition{ID: "pause", Type: StepTypeSuspend}
				d.Steps[0] = StepDefinition{
					ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}",
					RunStep: &inner,
				}
			},
			substr: "not allowed inside an iterator",
		},
		{
			name: "eval inside iterator",
			mutate: func(d *Definition) {
				inner := StepDefinition{ID: "gen", Type: StepTypeEval, Script: "1"}
				d.Steps[0] = StepDefinition{
					ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}",
					RunStep: &inner,
				}
			},
			substr: "not allowed inside iterators",
		},
		{
			name: "suspend in cleanup",
			mutate: func(d *Definition) {
				d.Finally = []StepDefinition{{ID: "pause", Type: StepTypeSuspend}}
			},
			substr: "not allowed in cleanup",
		},
		{
			name: "iterator in cleanup",
			mutate: func(d *Definition) {
				inner := StepDefinition{ID: "i", Type: StepTypeShell, Command: "echo"}
				d.OnFailure = []StepDefinition{{
					ID: "it", Type: StepTypeIterator, Items: "{{inputs.list}}", RunStep: &inner,
				}}
			},
			substr: "cleanup",
		},
		{
			name: "eval in cleanup",
			mutate: func(d *Definition) {
				d.Finally = []StepDefinition{{ID: "gen", Type: StepTypeEval, Script: "1"}}
			},
			substr: "cleanup",
		},
		{
			name: "cleanup step with after",
			mutate: func(d *Definition) {
				d.Finally = []StepDefinition{{ID: "c", Type: StepTypeShell, Command: "echo", After: []string{"greet"}}}
			},
			substr: "may not declare after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := Validate(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestParseDefinition(t *testing.T) {
	data := []byte(`
id: deploy
inputs:
  target: string
  password: string
secrets: [password]
steps:
  - id: build
    type: shell
    command: make build
  - id: push
    type: http
    after: [build]
    method: POST
    url: https://registry.example.org/push
    body:
      target: "{{inputs.target}}"
      count: 3
finally:
  - id: report
    type: shell
    command: echo done
`)

	def, err := ParseDefinition(data)
	require.NoError(t, err)
	require.NoError(t, Validate(def))

	assert.Equal(t, "deploy", def.ID)
	assert.Equal(t, InputTypeString, def.Inputs["target"])
	assert.Equal(t, []string{"password"}, def.Secrets)
	assert.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"build"}, def.Steps[1].After)

	// YAML integers normalize to float64 in interpolatable fields.
	body := def.Steps[1].Body.(map[string]interface{})
	assert.Equal(t, 3.0, body["count"])
}

func TestParseDefinitionInvalid(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestShellArgs(t *testing.T) {
	s := &StepDefinition{Args: []interface{}{"ls", "-la"}}
	args, ok := s.ShellArgs()
	require.True(t, ok)
	assert.Equal(t, []string{"ls", "-la"}, args)

	s = &StepDefinition{Args: map[string]interface{}{"x": 1}}
	_, ok = s.ShellArgs()
	assert.False(t, ok)

	s = &StepDefinition{}
	args, ok = s.ShellArgs()
	require.True(t, ok)
	assert.Nil(t, args)
}

func TestToolArgs(t *testing.T) {
	s := &StepDefinition{Args: map[string]interface{}{"q": "hello"}}
	args, ok := s.ToolArgs()
	require.True(t, ok)
	assert.Equal(t, "hello", args["q"])

	s = &StepDefinition{Args: []interface{}{"a"}}
	_, ok = s.ToolArgs()
	assert.False(t, ok)
}

func TestFailFastDefault(t *testing.T) {
	s := &StepDefinition{}
	assert.True(t, s.FailFast())

	f := false
	s.FailOnError = &f
	assert.False(t, s.FailFast())
}
