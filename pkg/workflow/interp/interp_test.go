package interp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/secrets"
)

func testContext() *Context {
	return &Context{
		Inputs: map[string]interface{}{
			"name":     "world",
			"password": "hunter2secret",
			"count":    3.0,
			"enabled":  true,
			"config": map[string]interface{}{
				"nested": map[string]interface{}{"deep": "value"},
			},
			"list": []interface{}{1.0, 2.0},
		},
		Steps: map[string]interface{}{
			"fetch": map[string]interface{}{
				"status": 200.0,
				"body":   map[string]interface{}{"token": "abc"},
			},
		},
		Env: map[string]string{
			"API_KEY": "env-secret-value",
		},
		Run: RunMeta{
			ID:         "run-1",
			WorkflowID: "wf-1",
			StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		SecretInputs: map[string]bool{"password": true},
	}
}

func TestResolveScopes(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr       string
		want       interface{}
		wantSecret bool
		wantFound  bool
	}{
		{"inputs.name", "world", false, true},
		{"inputs.password", "hunter2secret", true, true},
		{"inputs.config.nested.deep", "value", false, true},
		{"inputs.missing", nil, false, false},
		{"steps.fetch.status", 200.0, false, true},
		{"steps.fetch.body.token", "abc", false, true},
		{"steps.ghost.output", nil, false, false},
		{"env.API_KEY", "env-secret-value", true, true},
		{"env.UNSET", nil, true, false},
		{"run.id", "run-1", false, true},
		{"run.workflowId", "wf-1", false, true},
		{"run.startedAt", "2026-01-02T03:04:05Z", false, true},
		{"run.unknown", nil, false, false},
		{"noscope", nil, false, false},
		{"unknown.path", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			value, secret, found := ctx.Resolve(tt.expr)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantSecret, secret)
			if tt.wantFound {
				assert.Equal(t, tt.want, value)
			}
		})
	}
}

func TestResolveBlockedSegments(t *testing.T) {
	ctx := testContext()
	ctx.Inputs["__proto__"] = "evil"

	for _, expr := range []string{
		"inputs.__proto__",
		"inputs.config.constructor",
		"steps.fetch.prototype.x",
	} {
		_, _, found := ctx.Resolve(expr)
		assert.False(t, found, expr)
	}
}

func TestResolveValueTypePreservation(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name  string
		field string
		want  interface{}
	}{
		{"number stays number", "{{inputs.count}}", 3.0},
		{"bool stays bool", "{{inputs.enabled}}", true},
		{"object stays object", "{{inputs.config.nested}}", map[string]interface{}{"deep": "value"}},
		{"array stays array", "{{inputs.list}}", []interface{}{1.0, 2.0}},
		{"whitespace tolerated", "  {{ inputs.count }}  ", 3.0},
		{"mixed text is string", "count={{inputs.count}}", "count=3"},
		{"two expressions are string", "{{inputs.count}}{{inputs.enabled}}", "3true"},
		{"undefined single expression is nil", "{{inputs.missing}}", nil},
		{"no expression passes through", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveValue(tt.field, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveString(t *testing.T) {
	ctx := testContext()

	res, err := ResolveString("hello {{inputs.name}}, status {{steps.fetch.status}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello world, status 200", res.Value)
	assert.Equal(t, res.Value, res.Masked)
	assert.False(t, res.ContainsSecrets)
}

func TestResolveStringUndefinedBecomesEmpty(t *testing.T) {
	ctx := testContext()

	res, err := ResolveString("x={{inputs.nope}}y", ctx)
	require.NoError(t, err)
	assert.Equal(t, "x=y", res.Value)
}

func TestResolveStringMasksSecrets(t *testing.T) {
	ctx := testContext()

	res, err := ResolveString("auth {{inputs.password}} via {{env.API_KEY}}", ctx)
	require.NoError(t, err)

	assert.True(t, res.ContainsSecrets)
	assert.Equal(t, "auth hunter2secret via env-secret-value", res.Value)
	assert.NotContains(t, res.Masked, "hunter2secret")
	assert.NotContains(t, res.Masked, "env-secret-value")
	assert.Contains(t, res.Masked, "***")
	assert.ElementsMatch(t, []string{"hunter2secret", "env-secret-value"}, res.SecretValues)
}

func TestResolveDeep(t *testing.T) {
	ctx := testContext()

	value := map[string]interface{}{
		"literal": "plain",
		"typed":   "{{inputs.count}}",
		"mixed":   "n={{inputs.count}}",
		"secret":  "{{inputs.password}}",
		"nested": []interface{}{
			"{{inputs.enabled}}",
			map[string]interface{}{"key": "{{env.API_KEY}}"},
		},
		"untouched": 42.0,
	}

	resolved, secretValues, err := ResolveDeep(value, ctx)
	require.NoError(t, err)

	m := resolved.(map[string]interface{})
	assert.Equal(t, "plain", m["literal"])
	assert.Equal(t, 3.0, m["typed"])
	assert.Equal(t, "n=3", m["mixed"])
	assert.Equal(t, "hunter2secret", m["secret"])
	assert.Equal(t, 42.0, m["untouched"])

	nested := m["nested"].([]interface{})
	assert.Equal(t, true, nested[0])
	assert.Equal(t, "env-secret-value", nested[1].(map[string]interface{})["key"])

	assert.ElementsMatch(t, []string{"hunter2secret", "env-secret-value"}, secretValues)
}

func TestExtractVariables(t *testing.T) {
	vars := ExtractVariables("{{inputs.a}} then {{ steps.b.out }} and {{inputs.a}} again")
	assert.Equal(t, []string{"inputs.a", "steps.b.out"}, vars)

	assert.Empty(t, ExtractVariables("no expressions here"))
}

func TestValidateReferences(t *testing.T) {
	ctx := testContext()

	undefined := ValidateReferences("{{inputs.name}} {{inputs.nope}} {{steps.ghost.x}}", ctx)
	assert.Equal(t, []string{"inputs.nope", "steps.ghost.x"}, undefined)

	assert.Empty(t, ValidateReferences("{{inputs.name}}", ctx))
}

func TestSingleExpression(t *testing.T) {
	tests := []struct {
		in     string
		expr   string
		single bool
	}{
		{"{{inputs.a}}", "inputs.a", true},
		{"  {{ inputs.a }}  ", "inputs.a", true},
		{"x{{inputs.a}}", "", false},
		{"{{inputs.a}}y", "", false},
		{"{{inputs.a}}{{inputs.b}}", "", false},
		{"plain", "", false},
	}

	for _, tt := range tests {
		expr, ok := singleExpression(tt.in)
		assert.Equal(t, tt.single, ok, tt.in)
		assert.Equal(t, tt.expr, expr, tt.in)
	}
}

func TestResolveRegistersSecretsWithMasker(t *testing.T) {
	masker := secrets.NewMasker()
	ctx := testContext()
	ctx.Masker = masker

	res, err := ResolveString("https://host/x?token={{env.API_KEY}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://host/x?token=env-secret-value", res.Value)

	// A diagnostic produced later, outside the resolution, is still
	// redacted because the value was registered at resolve time.
	masked := masker.Mask(`request failed: Get "https://host/x?token=env-secret-value": no such host`)
	assert.NotContains(t, masked, "env-secret-value")
	assert.Contains(t, masked, "e***")

	_, secretVals, err := ResolveDeep(map[string]interface{}{
		"header": "Bearer {{inputs.password}}",
	}, ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hunter2secret"}, secretVals)
	assert.NotContains(t, masker.Mask("boom: hunter2secret"), "hunter2secret")
}
