package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/errors"
)

func TestCompile(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, StepDefinition{
		ID: "after", Type: StepTypeShell, Command: "echo", After: []string{"greet"},
	})

	compiled, err := Compile(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"greet"}, {"after"}}, compiled.Plan.Layers)
	assert.True(t, compiled.SecretNames["password"])
	assert.False(t, compiled.SecretNames["name"])

	s, ok := compiled.Step("greet")
	require.True(t, ok)
	assert.Equal(t, "greet", s.ID)

	_, ok = compiled.Step("ghost")
	assert.False(t, ok)
}

func TestCompileRejectsInvalid(t *testing.T) {
	def := validDefinition()
	def.ID = ""
	_, err := Compile(def)
	require.Error(t, err)

	var verr *errors.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestMissingInputs(t *testing.T) {
	compiled, err := Compile(validDefinition())
	require.NoError(t, err)

	tests := []struct {
		name   string
		inputs map[string]interface{}
		want   int
	}{
		{"all present", map[string]interface{}{"name": "x", "password": "y"}, 0},
		{"one absent", map[string]interface{}{"name": "x"}, 1},
		{"nil counts as missing", map[string]interface{}{"name": nil, "password": "y"}, 1},
		{"empty string counts as missing", map[string]interface{}{"name": "", "password": "y"}, 1},
		{"all absent", nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, compiled.MissingInputs(tt.inputs), tt.want)
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Register(validDefinition())
	require.NoError(t, err)

	other := validDefinition()
	other.ID = "another"
	_, err = reg.Register(other)
	require.NoError(t, err)

	assert.Equal(t, []string{"another", "test"}, reg.List())

	compiled, err := reg.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "test", compiled.Definition.ID)

	_, err = reg.Get("missing")
	var nf *errors.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "workflow", nf.Resource)

	require.NoError(t, reg.Remove("test"))
	assert.Error(t, reg.Remove("test"))
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()

	first := validDefinition()
	_, err := reg.Register(first)
	require.NoError(t, err)

	second := validDefinition()
	second.Description = "updated"
	_, err = reg.Register(second)
	require.NoError(t, err)

	got, err := reg.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Definition.Description)
	assert.Len(t, reg.List(), 1)
}
