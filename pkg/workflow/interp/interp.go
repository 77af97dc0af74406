// Package interp implements the {{scope.path}} expression language that
// threads inputs, prior step outputs, environment values, and run metadata
// through step parameters, tracking which resolved values originated from
// secret sources so they can be redacted in logs.
package interp

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/cascade/pkg/secrets"
	"github.com/tombee/cascade/pkg/workflow"
)

// exprPattern matches a single {{expression}} occurrence.
var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// blockedSegments are path segments that would address the value carrier
// itself rather than data. They resolve to undefined and log a warning.
var blockedSegments = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// RunMeta is the run metadata scope: run.id, run.workflowId, run.startedAt.
type RunMeta struct {
	ID         string
	WorkflowID string
	StartedAt  time.Time
}

// Context is the resolution scope for one step execution. Steps maps step
// IDs to their output values.
type Context struct {
	Inputs map[string]interface{}
	Steps  map[string]interface{}
	Env    map[string]string
	Run    RunMeta

	// SecretInputs is the workflow's declared secret input names. Every
	// env.* reference is a secret regardless of this set.
	SecretInputs map[string]bool

	// Masker, when set, collects every resolved secret value so run-level
	// redaction covers secrets that first surface mid-run, such as env.*
	// values embedded in error diagnostics.
	Masker *secrets.Masker

	// Logger receives blocked-segment warnings. Optional.
	Logger *slog.Logger
}

// Resolution is the secret-aware result of resolving a string field. Value
// carries the real text for the handler; Masked is the only form that may
// reach a logger.
type Resolution struct {
	// Value is the fully resolved string with real secret values
	Value string

	// Masked is Value with every secret-source substring replaced
	Masked string

	// ContainsSecrets reports whether any substituted expression was secret
	ContainsSecrets bool

	// SecretValues holds the resolved text of each secret source
	SecretValues []string
}

// Resolve evaluates a single expression (without braces) against the
// context. Returns the resolved value, whether the expression is a secret
// source, and whether the reference was defined. Resolved secret values
// are registered with the context's masker.
func (c *Context) Resolve(expression string) (interface{}, bool, bool) {
	value, secret, ok := c.resolve(expression)
	if ok && secret && c.Masker != nil {
		c.Masker.Add(workflow.FormatValue(value))
	}
	return value, secret, ok
}

func (c *Context) resolve(expression string) (interface{}, bool, bool) {
	parts := strings.Split(strings.TrimSpace(expression), ".")
	if len(parts) < 2 {
		return nil, false, false
	}

	for _, segment := range parts[1:] {
		if blockedSegments[segment] {
			if c.Logger != nil {
				c.Logger.Warn("blocked path segment in expression", "expression", expression)
			}
			return nil, false, false
		}
	}

	scope, path := parts[0], parts[1:]
	switch scope {
	case "inputs":
		value, ok := walkPath(mapToValue(c.Inputs), path)
		secret := ok && c.SecretInputs[path[0]]
		return value, secret, ok

	case "steps":
		value, ok := walkPath(mapToValue(c.Steps), path)
		return value, false, ok

	case "env":
		if len(path) != 1 {
			return nil, false, false
		}
		value, ok := c.Env[path[0]]
		if !ok {
			return nil, true, false
		}
		return value, true, true

	case "run":
		if len(path) != 1 {
			return nil, false, false
		}
		switch path[0] {
		case "id":
			return c.Run.ID, false, true
		case "workflowId":
			return c.Run.WorkflowID, false, true
		case "startedAt":
			return c.Run.StartedAt.UTC().Format(time.RFC3339Nano), false, true
		default:
			return nil, false, false
		}

	default:
		return nil, false, false
	}
}

// ResolveValue resolves a field with type preservation: when the entire
// field is a single {{expression}}, the resolved value keeps its JSON type.
// Mixed literal/expression text always resolves to a string.
func ResolveValue(field string, ctx *Context) (interface{}, error) {
	if expr, ok := singleExpression(field); ok {
		value, _, found := ctx.Resolve(expr)
		if !found {
			return nil, nil
		}
		return value, nil
	}

	res, err := ResolveString(field, ctx)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// ResolveString substitutes every expression in the field and reports
// which substitutions came from secret sources.
func ResolveString(field string, ctx *Context) (*Resolution, error) {
	res := &Resolution{}

	value := exprPattern.ReplaceAllStringFunc(field, func(match string) string {
		expr := exprPattern.FindStringSubmatch(match)[1]
		resolved, secret, found := ctx.Resolve(expr)
		if !found {
			return ""
		}
		text := workflow.FormatValue(resolved)
		if secret {
			res.ContainsSecrets = true
			if text != "" {
				res.SecretValues = append(res.SecretValues, text)
			}
		}
		return text
	})

	res.Value = value
	if res.ContainsSecrets {
		masker := secrets.NewMasker()
		masker.AddAll(res.SecretValues)
		res.Masked = masker.Mask(value)
	} else {
		res.Masked = value
	}

	return res, nil
}

// ResolveDeep resolves every string inside a JSON-shaped value, preserving
// types for pure-expression strings. Secret values encountered anywhere in
// the structure are appended to the returned slice.
func ResolveDeep(value interface{}, ctx *Context) (interface{}, []string, error) {
	switch v := value.(type) {
	case string:
		if expr, ok := singleExpression(v); ok {
			resolved, secret, found := ctx.Resolve(expr)
			if !found {
				return nil, nil, nil
			}
			if secret {
				return resolved, []string{workflow.FormatValue(resolved)}, nil
			}
			return resolved, nil, nil
		}
		res, err := ResolveString(v, ctx)
		if err != nil {
			return nil, nil, err
		}
		return res.Value, res.SecretValues, nil

	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		var secretValues []string
		for k, item := range v {
			resolved, itemSecrets, err := ResolveDeep(item, ctx)
			if err != nil {
				return nil, nil, err
			}
			result[k] = resolved
			secretValues = append(secretValues, itemSecrets...)
		}
		return result, secretValues, nil

	case []interface{}:
		result := make([]interface{}, len(v))
		var secretValues []string
		for i, item := range v {
			resolved, itemSecrets, err := ResolveDeep(item, ctx)
			if err != nil {
				return nil, nil, err
			}
			result[i] = resolved
			secretValues = append(secretValues, itemSecrets...)
		}
		return result, secretValues, nil

	default:
		return value, nil, nil
	}
}

// ExtractVariables returns every expression referenced in the string, in
// order of appearance, without duplicates.
func ExtractVariables(s string) []string {
	matches := exprPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool, len(matches))
	var vars []string
	for _, match := range matches {
		expr := strings.TrimSpace(match[1])
		if !seen[expr] {
			seen[expr] = true
			vars = append(vars, expr)
		}
	}
	return vars
}

// ValidateReferences returns the expressions in s that are undefined in the
// given context. Used by the compiler to check conditional links ahead of
// execution.
func ValidateReferences(s string, ctx *Context) []string {
	var undefined []string
	for _, expr := range ExtractVariables(s) {
		if _, _, found := ctx.Resolve(expr); !found {
			undefined = append(undefined, expr)
		}
	}
	return undefined
}

// singleExpression reports whether the entire string is one {{expression}}
// and returns the inner expression.
func singleExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	match := exprPattern.FindStringSubmatchIndex(trimmed)
	if match == nil || match[0] != 0 || match[1] != len(trimmed) {
		return "", false
	}
	return strings.TrimSpace(trimmed[match[2]:match[3]]), true
}

// walkPath follows dotted segments through nested maps.
func walkPath(value interface{}, path []string) (interface{}, bool) {
	current := value
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// mapToValue widens a typed map so walkPath can descend into it.
func mapToValue(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
