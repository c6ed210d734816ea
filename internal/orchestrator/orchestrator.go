// Package orchestrator owns the lifecycle of a run: the database row, the
// workspace directory, and the pipeline execution between them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/paflow/internal/llm"
	paflowlog "github.com/mpataki/paflow/internal/log"
	"github.com/mpataki/paflow/internal/models"
	"github.com/mpataki/paflow/internal/pipeline"
	"github.com/mpataki/paflow/internal/storage"
	"github.com/mpataki/paflow/internal/workspace"
)

type Orchestrator struct {
	storage      *storage.Storage
	workspaceDir string
	logger       *slog.Logger
}

func New(store *storage.Storage, workspaceDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		storage:      store,
		workspaceDir: workspaceDir,
		logger:       logger,
	}
}

// StartRun records a pending run for the loaded skills and documents and
// prepares its workspace.
func (o *Orchestrator) StartRun(skillsDir, documentsDir, providerName string, skills []*models.SkillSpec) (*models.Run, error) {
	run := &models.Run{
		CaseID:       uuid.NewString(),
		SkillsDir:    skillsDir,
		DocumentsDir: documentsDir,
		Status:       models.RunStatusPending,
	}

	runID, err := o.storage.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	run.ID = runID
	run.CreatedAt = time.Now()

	ws, err := workspace.Create(o.workspaceDir, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	run.WorkspacePath = ws.Path
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("failed to update run with workspace path: %w", err)
	}

	meta := &workspace.RunMetadata{
		RunID:        run.ID,
		CaseID:       run.CaseID,
		StartedAt:    run.CreatedAt,
		Provider:     providerName,
		SkillsDir:    skillsDir,
		DocumentsDir: documentsDir,
		Steps:        pipeline.BuildPlan(skills).Names(),
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		return nil, err
	}
	if err := ws.SnapshotSkills(skills); err != nil {
		return nil, err
	}

	return run, nil
}

// Execute runs the pipeline for a started run and records the final case
// state and status. The returned error covers bookkeeping only; pipeline
// failures are reported through the case state.
func (o *Orchestrator) Execute(ctx context.Context, run *models.Run, provider llm.Provider, skills []*models.SkillSpec, documents string, opts ...pipeline.Option) (models.CaseState, error) {
	ws, err := workspace.Open(o.workspaceDir, run.ID)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatusRunning
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, err
	}

	// the executor tags its own records with the run id
	stepLogger := o.logger.With(slog.String(paflowlog.CaseIDKey, run.CaseID))
	logger := paflowlog.WithRun(o.logger, run.ID, run.CaseID)
	opts = append([]pipeline.Option{
		pipeline.WithStore(&runTracker{storage: o.storage, run: run, logger: logger}),
		pipeline.WithArtifacts(ws),
		pipeline.WithLogger(stepLogger),
	}, opts...)

	state := pipeline.New(provider, opts...).Run(ctx, run.ID, skills, documents)

	now := time.Now()
	run.Status = pipeline.Status(state)
	run.Error = state.Err()
	run.CaseState = state
	run.CompletedAt = &now
	if err := o.storage.UpdateRun(run); err != nil {
		return state, fmt.Errorf("failed to record run result: %w", err)
	}

	logger.Info("run finished", slog.String("status", string(run.Status)))
	return state, nil
}

// runTracker persists executions and keeps the run's current step in sync.
type runTracker struct {
	storage *storage.Storage
	run     *models.Run
	logger  *slog.Logger
}

func (t *runTracker) CreateExecution(exec *models.Execution) (int64, error) {
	return t.storage.CreateExecution(exec)
}

func (t *runTracker) UpdateExecution(exec *models.Execution) error {
	if err := t.storage.UpdateExecution(exec); err != nil {
		return err
	}
	if exec.Status == models.StepRunning {
		t.run.CurrentStep = exec.Step
		if err := t.storage.UpdateRun(t.run); err != nil {
			t.logger.Warn("failed to update current step", slog.Any("error", err))
		}
	}
	return nil
}

// Read methods for the TUI and CLI

func (o *Orchestrator) ListRuns(limit int) ([]*models.Run, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id int64) (*models.Run, error) {
	return o.storage.GetRun(id)
}

func (o *Orchestrator) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	return o.storage.GetExecutionsForRun(runID)
}

func (o *Orchestrator) GetToolCallsForRun(runID int64) ([]*models.ToolCallRecord, error) {
	return o.storage.GetToolCallsForRun(runID)
}

// DeleteRun removes the run's workspace and every row recorded for it.
func (o *Orchestrator) DeleteRun(runID int64) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if run.WorkspacePath != "" {
		ws := &workspace.Workspace{Path: run.WorkspacePath}
		if err := ws.Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}

	return o.storage.DeleteRun(runID)
}
