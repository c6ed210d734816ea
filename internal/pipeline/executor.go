// Package pipeline runs a prior authorization case through its skills in
// order, folding each step's parsed output into the case state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/paflow/internal/llm"
	"github.com/mpataki/paflow/internal/mapper"
	"github.com/mpataki/paflow/internal/models"
	"github.com/mpataki/paflow/internal/prompt"
	"github.com/mpataki/paflow/internal/tools"
)

// ErrNoSteps means no runnable skill was loaded.
var ErrNoSteps = errors.New("pipeline: no runnable steps")

// Store persists step executions.
type Store interface {
	CreateExecution(exec *models.Execution) (int64, error)
	UpdateExecution(exec *models.Execution) error
}

// Artifacts receives the per-step files of a run.
type Artifacts interface {
	WritePrompt(seq int, step, prompt string) error
	WriteOutput(seq int, step, output string) error
	WriteCaseState(state models.CaseState) error
}

type Executor struct {
	provider  llm.Provider
	registry  *tools.Registry
	store     Store
	artifacts Artifacts
	logger    *slog.Logger
	tracer    trace.Tracer
}

type Option func(*Executor)

func WithRegistry(r *tools.Registry) Option { return func(e *Executor) { e.registry = r } }
func WithStore(s Store) Option              { return func(e *Executor) { e.store = s } }
func WithArtifacts(a Artifacts) Option      { return func(e *Executor) { e.artifacts = a } }
func WithLogger(l *slog.Logger) Option      { return func(e *Executor) { e.logger = l } }
func WithTracer(t trace.Tracer) Option      { return func(e *Executor) { e.tracer = t } }

func New(provider llm.Provider, opts ...Option) *Executor {
	e := &Executor{provider: provider}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/mpataki/paflow/pipeline")
	}
	return e
}

// Run executes the plan built from skills against the documents and returns
// the case state. It never fails outright: an engine error stops the run
// and is recorded under the reserved error key next to whatever the earlier
// steps produced.
func (e *Executor) Run(ctx context.Context, runID int64, skills []*models.SkillSpec, documents string) models.CaseState {
	state := models.NewCaseState(documents)
	plan := BuildPlan(skills)

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.Int64("run.id", runID),
			attribute.StringSlice("run.steps", plan.Names()),
		),
	)
	defer span.End()

	if len(plan.Stages) == 0 {
		state.Fail(ErrNoSteps.Error())
		span.SetStatus(codes.Error, ErrNoSteps.Error())
		return state
	}
	if e.registry != nil {
		e.registry.ResetCache()
	}

	e.logger.Info("pipeline started",
		slog.Int64("run_id", runID),
		slog.Any("steps", plan.Names()),
	)

	if err := e.execute(ctx, runID, plan, state); err != nil {
		state.Fail(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("pipeline failed", slog.Int64("run_id", runID), slog.Any("error", err))
	}

	e.writeState(state)
	return state
}

func (e *Executor) execute(ctx context.Context, runID int64, plan Plan, state models.CaseState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	// every planned step is recorded as PENDING before the first one runs
	execs := make([]*models.Execution, len(plan.Stages))
	for i, stage := range plan.Stages {
		execs[i] = &models.Execution{
			RunID:       runID,
			Step:        stage.Name(),
			Status:      models.StepPending,
			SequenceNum: i + 1,
		}
		e.createExecution(execs[i])
	}

	for i, stage := range plan.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !stage.Gate.Allows(state) {
			e.skip(execs[i], stage)
			continue
		}
		if err := e.runStep(ctx, execs[i], stage, state); err != nil {
			return fmt.Errorf("step %s: %w", stage.Name(), err)
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, exec *models.Execution, stage Stage, state models.CaseState) error {
	step := stage.Name()
	runID, seq := exec.RunID, exec.SequenceNum
	ctx, span := e.tracer.Start(ctx, "step: "+step,
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.Int("step.sequence", seq),
			attribute.String("step.gate", stage.Gate.String()),
		),
	)
	defer span.End()

	now := time.Now()
	exec.Status = models.StepRunning
	exec.StartedAt = &now
	e.updateExecution(exec)
	e.logger.Info("step started", slog.Int64("run_id", runID), slog.String("step", step))

	input := mapper.Build(step, state)
	text := prompt.Build(stage.Skill, input)
	e.writeArtifact(func(a Artifacts) error { return a.WritePrompt(seq, step, text) })

	output, err := e.provider.Complete(ctx, llm.Request{
		RunID:   runID,
		Step:    step,
		Prompt:  text,
		Context: contextFor(stage, state),
	})
	if err != nil && !errors.Is(err, llm.ErrEmptyResponse) {
		e.finish(exec, models.StepFailed)
		exec.Reason = err.Error()
		e.updateExecution(exec)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.writeArtifact(func(a Artifacts) error { return a.WriteOutput(seq, step, output) })

	parsed, ok := ParseOutput(output)
	if !ok {
		e.logger.Warn("step output was not valid JSON; storing raw text",
			slog.Int64("run_id", runID),
			slog.String("step", step),
		)
	} else if models.ContainsUnverified(parsed) {
		exec.Unverified = true
		e.logger.Warn("fallback: unverified in output",
			slog.Int64("run_id", runID),
			slog.String("step", step),
		)
	}
	state.Record(step, parsed)

	exec.ParsedOK = ok
	exec.Output = parsed
	e.finish(exec, models.StepCompleted)
	e.updateExecution(exec)
	e.writeState(state)

	span.SetAttributes(
		attribute.Bool("step.parsed", ok),
		attribute.Bool("step.unverified", exec.Unverified),
	)
	e.logger.Info("step completed",
		slog.Int64("run_id", runID),
		slog.String("step", step),
		slog.Bool("parsed", ok),
		slog.Int64("duration_ms", exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds()),
	)
	return nil
}

func (e *Executor) skip(exec *models.Execution, stage Stage) {
	exec.Reason = "gate not met: " + stage.Gate.String()
	e.finish(exec, models.StepSkipped)
	e.updateExecution(exec)
	e.logger.Info("step skipped",
		slog.Int64("run_id", exec.RunID),
		slog.String("step", stage.Name()),
		slog.String("gate", stage.Gate.String()),
	)
}

// contextFor selects the prior outputs the model sees alongside the prompt.
func contextFor(stage Stage, state models.CaseState) map[string]any {
	prior := state.Prior()
	if stage.ContextSteps == nil {
		return prior
	}
	out := make(map[string]any, len(stage.ContextSteps))
	for _, s := range stage.ContextSteps {
		if v, ok := prior[s]; ok {
			out[s] = v
		}
	}
	return out
}

func (e *Executor) finish(exec *models.Execution, status models.StepStatus) {
	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
}

func (e *Executor) createExecution(exec *models.Execution) {
	if e.store == nil {
		return
	}
	id, err := e.store.CreateExecution(exec)
	if err != nil {
		e.logger.Warn("failed to create execution record", slog.String("step", exec.Step), slog.Any("error", err))
		return
	}
	exec.ID = id
}

func (e *Executor) updateExecution(exec *models.Execution) {
	if e.store == nil || exec.ID == 0 {
		return
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		e.logger.Warn("failed to update execution record", slog.String("step", exec.Step), slog.Any("error", err))
	}
}

func (e *Executor) writeArtifact(fn func(Artifacts) error) {
	if e.artifacts == nil {
		return
	}
	if err := fn(e.artifacts); err != nil {
		e.logger.Warn("failed to write run artifact", slog.Any("error", err))
	}
}

func (e *Executor) writeState(state models.CaseState) {
	e.writeArtifact(func(a Artifacts) error { return a.WriteCaseState(state) })
}

// Status derives the terminal run status from the case state.
func Status(state models.CaseState) models.RunStatus {
	switch {
	case state.Err() != "":
		return models.RunStatusFailed
	case len(state.RawSteps()) > 0:
		return models.RunStatusPartial
	default:
		return models.RunStatusComplete
	}
}
