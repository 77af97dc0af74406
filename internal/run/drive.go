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

package run

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/cascade/internal/handler"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/secrets"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

var tracer = otel.Tracer("github.com/tombee/cascade/internal/run")

// resumePayload carries resume data to the suspended step on re-entry.
type resumePayload struct {
	StepID string
	Data   map[string]interface{}
}

// stepSlot is one step's outcome within a layer.
type stepSlot struct {
	step    *workflow.StepDefinition
	output  map[string]interface{}
	suspend *handler.SuspendSignal
	err     error
	started time.Time
	ended   time.Time
}

// drive executes the layered plan to a terminal state or suspension. It
// runs on the run's own goroutine and owns the record exclusively.
func (c *Coordinator) drive(ctx context.Context, compiled *workflow.Compiled, r *Run, resume *resumePayload) {
	masker := c.newMasker(compiled, r)
	logger := log.WithRunContext(maskedLogger(c.cfg.Logger, masker), r.ID, r.WorkflowID)

	ctx, span := tracer.Start(ctx, "cascade.run", trace.WithAttributes(
		attribute.String("workflow.id", r.WorkflowID),
		attribute.String("run.id", r.ID),
	))
	defer span.End()

	r.Status = StatusRunning
	if err := c.persist(ctx, r, "update"); err != nil {
		c.finalize(ctx, compiled, r, masker, logger, StatusFailed, err.Error(), "")
		return
	}
	c.cfg.Metrics.RunStarted()
	logger.Info("run started", "steps", len(compiled.Definition.Steps))

	// Hydration: stored stepResults are the sole source of truth for what
	// already executed. The executor's idempotent skip consumes this scope.
	stepsScope := r.StepOutputs()

	for layerIdx, layer := range compiled.Plan.Layers {
		slots, err := c.runLayer(ctx, compiled, r, masker, logger, layerIdx, layer, stepsScope, resume)

		// Merge completed outputs atomically at the layer boundary.
		var suspended *stepSlot
		for _, slot := range slots {
			if slot == nil {
				continue
			}
			if slot.suspend != nil {
				if suspended == nil {
					suspended = slot
				}
				continue
			}
			if slot.output != nil {
				stepsScope[slot.step.ID] = slot.output
				r.StepResults[slot.step.ID] = recordFor(slot)
			}
		}

		if err != nil {
			c.failLayer(ctx, compiled, r, masker, logger, slots, err)
			return
		}

		if suspended != nil {
			c.suspendRun(ctx, r, logger, suspended)
			return
		}

		// Resume data is consumed by the first layer that reaches the
		// suspended step.
		if resume != nil {
			if _, done := r.StepResults[resume.StepID]; done {
				resume = nil
			}
		}
	}

	if err := c.bridgeSubWorkflows(ctx, compiled, r, logger, stepsScope); err != nil {
		c.failRun(ctx, compiled, r, masker, logger, err, "")
		return
	}

	c.finalize(ctx, compiled, r, masker, logger, StatusCompleted, "", "")
}

// runLayer starts every step of the layer concurrently against an immutable
// snapshot of the step scope and waits for all of them.
func (c *Coordinator) runLayer(ctx context.Context, compiled *workflow.Compiled, r *Run,
	masker *secrets.Masker, logger *slog.Logger, layerIdx int, layer []string,
	stepsScope map[string]interface{}, resume *resumePayload) ([]*stepSlot, error) {

	snapshot := workflow.CloneMap(stepsScope)
	slots := make([]*stepSlot, len(layer))

	g, gctx := errgroup.WithContext(ctx)
	for i, stepID := range layer {
		step, ok := compiled.Step(stepID)
		if !ok {
			continue
		}
		slot := &stepSlot{step: step}
		slots[i] = slot

		g.Go(func() error {
			stepLogger := log.WithStepContext(logger, r.ID, step.ID)
			scope := &interp.Context{
				Inputs:       workflow.CloneMap(r.Inputs),
				Steps:        workflow.CloneMap(snapshot),
				Env:          c.env,
				Run:          interp.RunMeta{ID: r.ID, WorkflowID: r.WorkflowID, StartedAt: r.StartedAt},
				SecretInputs: compiled.SecretNames,
				Masker:       masker,
				Logger:       stepLogger,
			}
			ec := &handler.ExecContext{
				Scope:  scope,
				Env:    c.cfg.Environment,
				Logger: stepLogger,
			}
			if resume != nil {
				ec.ResumeStepID = resume.StepID
				ec.ResumeData = resume.Data
			}

			stepCtx, stepSpan := tracer.Start(gctx, "cascade.step", trace.WithAttributes(
				attribute.String("step.id", step.ID),
				attribute.String("step.type", string(step.Type)),
				attribute.Int("layer", layerIdx),
			))
			slot.started = time.Now().UTC()
			output, err := c.executor.Execute(stepCtx, step, ec)
			slot.ended = time.Now().UTC()
			stepSpan.End()

			c.cfg.Metrics.ObserveStep(string(step.Type), outcomeOf(output, err), slot.ended.Sub(slot.started))

			if err != nil {
				var signal *handler.SuspendSignal
				if errors.As(err, &signal) {
					slot.suspend = signal
					stepLogger.Info("step suspended", "message", masker.Mask(signal.Message))
					return nil
				}
				slot.err = err
				stepLogger.Error("step failed", "error", masker.Mask(err.Error()))
				return err
			}

			slot.output = output
			stepLogger.Debug("step completed",
				log.DurationKey, slot.ended.Sub(slot.started).Milliseconds())
			return nil
		})
	}

	return slots, g.Wait()
}

// failLayer records the failing step, distinguishes run cancellation from
// step failure, and routes to the terminal path.
func (c *Coordinator) failLayer(ctx context.Context, compiled *workflow.Compiled, r *Run,
	masker *secrets.Masker, logger *slog.Logger, slots []*stepSlot, err error) {

	var failedStep string
	for _, slot := range slots {
		if slot == nil || slot.err == nil {
			continue
		}
		// Siblings torn down by the layer cancel are absent from
		// stepResults; only genuine failures are recorded.
		if errors.Is(slot.err, context.Canceled) && slot.err != err {
			continue
		}
		r.StepResults[slot.step.ID] = StepRecord{
			Status:      StepFailed,
			Error:       masker.Mask(slot.err.Error()),
			StartedAt:   slot.started,
			CompletedAt: slot.ended,
		}
		if failedStep == "" {
			failedStep = slot.step.ID
		}
	}

	if cause := context.Cause(ctx); ctx.Err() != nil {
		var cancelled *errors.CancelledError
		if errors.As(cause, &cancelled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.finalize(ctx, compiled, r, masker, logger, StatusCancelled, cancelErrorText(r.ID, ctx, cause), "")
			return
		}
	}

	c.failRun(ctx, compiled, r, masker, logger, err, failedStep)
}

func (c *Coordinator) failRun(ctx context.Context, compiled *workflow.Compiled, r *Run,
	masker *secrets.Masker, logger *slog.Logger, err error, failedStep string) {
	c.finalize(ctx, compiled, r, masker, logger, StatusFailed, masker.Mask(err.Error()), failedStep)
}

// suspendRun persists the suspension point and returns without cleanup.
func (c *Coordinator) suspendRun(ctx context.Context, r *Run, logger *slog.Logger, slot *stepSlot) {
	r.Status = StatusSuspended
	r.CurrentStepID = slot.suspend.StepID
	suspended := map[string]interface{}{"message": slot.suspend.Message}
	if len(slot.suspend.ResumeSchema) > 0 {
		schema := make([]interface{}, len(slot.suspend.ResumeSchema))
		for i, key := range slot.suspend.ResumeSchema {
			schema[i] = key
		}
		suspended["resumeSchema"] = schema
	}
	r.SuspendedData = suspended

	if err := c.persist(ctx, r, "update"); err != nil {
		logger.Error("failed to persist suspension", "error", err)
	}
	c.cfg.Metrics.RunSuspended()
	logger.Info("run suspended", log.StepIDKey, slot.suspend.StepID)
}

// finalize reaches a terminal state exactly once: set status, run cleanup,
// persist, report metrics.
func (c *Coordinator) finalize(ctx context.Context, compiled *workflow.Compiled, r *Run,
	masker *secrets.Masker, logger *slog.Logger, status Status, errText, failedStep string) {

	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.Error = errText

	// Cleanup runs under its own context so a cancelled run still gets its
	// finally block, on a shorter deadline.
	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
		defer cancel()
	}

	var failure *failureInfo
	if status == StatusFailed {
		failure = &failureInfo{Message: errText, StepID: failedStep}
	}
	c.runCleanup(cleanupCtx, compiled, r, masker, failure)

	if err := c.persist(cleanupCtx, r, "update"); err != nil {
		logger.Error("failed to persist terminal state", "error", err)
	}
	c.cfg.Metrics.RunFinished(r.WorkflowID, string(status))

	switch status {
	case StatusCompleted:
		logger.Info("run completed", log.DurationKey, now.Sub(r.StartedAt).Milliseconds())
	case StatusCancelled:
		logger.Warn("run cancelled")
	default:
		logger.Error("run failed", "error", errText, log.StepIDKey, failedStep)
	}
}

func recordFor(slot *stepSlot) StepRecord {
	status := StepSuccess
	if skipped, ok := slot.output["skipped"].(bool); ok && skipped {
		status = StepSkipped
	}
	return StepRecord{
		Status:      status,
		Output:      slot.output,
		StartedAt:   slot.started,
		CompletedAt: slot.ended,
	}
}

func outcomeOf(output map[string]interface{}, err error) string {
	switch {
	case err != nil:
		return "failed"
	case output != nil && output["skipped"] == true:
		return "skipped"
	default:
		return "success"
	}
}

func cancelErrorText(runID string, ctx context.Context, cause error) string {
	var cancelled *errors.CancelledError
	if errors.As(cause, &cancelled) {
		return cancelled.Error()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return (&errors.TimeoutError{Operation: "run " + runID}).Error()
	}
	return (&errors.CancelledError{RunID: runID}).Error()
}
