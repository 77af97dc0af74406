// Package sandbox evaluates eval-step scripts against a frozen snapshot of
// the run scope. Scripts are expressions, not programs: they cannot reach the
// filesystem, the network, or the engine's own state, and every evaluation
// carries a deadline.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/workflow"
)

// DefaultTimeout bounds script evaluation when the step declares none.
const DefaultTimeout = 5 * time.Second

// Scope is the data visible to a script. Inputs and Steps are deep-copied on
// Run so a script cannot mutate engine state through shared maps.
type Scope struct {
	Inputs map[string]interface{}
	Steps  map[string]interface{}
	Env    map[string]string
	Logger *slog.Logger
}

// Engine compiles and runs sandboxed scripts, caching compiled programs
// keyed by script text.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a script engine with an empty program cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Run evaluates a script against the scope. The returned value is normalized
// to the engine's JSON vocabulary. A script exceeding the deadline yields a
// SandboxError with Timeout set; the evaluation goroutine is abandoned since
// the expression VM has no preemption point.
func (e *Engine) Run(ctx context.Context, script string, scope *Scope, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	program, err := e.compile(script)
	if err != nil {
		return nil, &errors.SandboxError{
			Reason: fmt.Sprintf("script compilation failed: %v", err),
			Cause:  err,
		}
	}

	env := e.buildEnv(scope)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := expr.Run(program, env)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, &errors.SandboxError{
				Reason: fmt.Sprintf("script failed: %v", out.err),
				Cause:  out.err,
			}
		}
		return workflow.NormalizeValue(out.value), nil

	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errors.SandboxError{
			Reason:  fmt.Sprintf("script exceeded %v deadline", timeout),
			Timeout: true,
		}
	}
}

// Validate compiles a script without running it. Used by workflow
// registration to surface syntax errors early.
func (e *Engine) Validate(script string) error {
	_, err := e.compile(script)
	if err != nil {
		return &errors.ValidationError{
			Field:      "script",
			Message:    fmt.Sprintf("script compilation failed: %v", err),
			Suggestion: "check expression syntax",
		}
	}
	return nil
}

func (e *Engine) compile(script string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[script]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(script,
		expr.Env(baseEnv()),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[script] = program
	e.mu.Unlock()
	return program, nil
}

// buildEnv assembles the runtime environment from frozen copies of the scope
// plus the helper functions.
func (e *Engine) buildEnv(scope *Scope) map[string]interface{} {
	env := baseEnv()

	envVars := make(map[string]interface{}, len(scope.Env))
	for k, v := range scope.Env {
		envVars[k] = v
	}

	env["inputs"] = workflow.CloneMap(scope.Inputs)
	env["steps"] = workflow.CloneMap(scope.Steps)
	env["env"] = envVars

	logger := scope.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env["log"] = func(args ...interface{}) interface{} {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = workflow.FormatValue(workflow.NormalizeValue(a))
		}
		logger.Info("script log", "message", joinSpace(parts))
		return nil
	}

	return env
}

// CacheSize returns the number of compiled programs held.
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
