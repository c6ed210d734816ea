package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mpataki/paflow/internal/models"
)

// Workspace is the artifact directory of one run:
//
//	run-<id>/
//	  run.json
//	  case_state.json
//	  skills/           copies of the skill documents the run loaded
//	  prompts/NN-step.md
//	  outputs/NN-step.txt
type Workspace struct {
	Path string
}

type RunMetadata struct {
	RunID        int64     `json:"run_id"`
	CaseID       string    `json:"case_id"`
	StartedAt    time.Time `json:"started_at"`
	Provider     string    `json:"provider"`
	SkillsDir    string    `json:"skills_dir"`
	DocumentsDir string    `json:"documents_dir"`
	Steps        []string  `json:"steps"`
}

func runDir(baseDir string, runID int64) string {
	return filepath.Join(baseDir, fmt.Sprintf("run-%d", runID))
}

func Create(baseDir string, runID int64) (*Workspace, error) {
	w := &Workspace{Path: runDir(baseDir, runID)}

	for _, dir := range []string{w.Path, w.promptsDir(), w.outputsDir(), w.skillsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return w, nil
}

func Open(baseDir string, runID int64) (*Workspace, error) {
	path := runDir(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %d does not exist", runID)
	}

	return &Workspace{Path: path}, nil
}

func (w *Workspace) promptsDir() string { return filepath.Join(w.Path, "prompts") }
func (w *Workspace) outputsDir() string { return filepath.Join(w.Path, "outputs") }
func (w *Workspace) skillsDir() string  { return filepath.Join(w.Path, "skills") }

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	return writeJSON(filepath.Join(w.Path, "run.json"), meta)
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

func stepFile(seq int, step, ext string) string {
	return fmt.Sprintf("%02d-%s.%s", seq, step, ext)
}

func (w *Workspace) PromptPath(seq int, step string) string {
	return filepath.Join(w.promptsDir(), stepFile(seq, step, "md"))
}

func (w *Workspace) OutputPath(seq int, step string) string {
	return filepath.Join(w.outputsDir(), stepFile(seq, step, "txt"))
}

func (w *Workspace) WritePrompt(seq int, step, prompt string) error {
	if err := os.WriteFile(w.PromptPath(seq, step), []byte(prompt), 0644); err != nil {
		return fmt.Errorf("failed to write prompt for %s: %w", step, err)
	}
	return nil
}

func (w *Workspace) WriteOutput(seq int, step, output string) error {
	if err := os.WriteFile(w.OutputPath(seq, step), []byte(output), 0644); err != nil {
		return fmt.Errorf("failed to write output for %s: %w", step, err)
	}
	return nil
}

// WriteCaseState replaces case_state.json. The documents blob is left out;
// it can be large and is already on disk.
func (w *Workspace) WriteCaseState(state models.CaseState) error {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if k == models.DocumentsKey {
			continue
		}
		out[k] = v
	}
	return writeJSON(filepath.Join(w.Path, "case_state.json"), out)
}

func (w *Workspace) ReadCaseState() (models.CaseState, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "case_state.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read case_state.json: %w", err)
	}
	var state models.CaseState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse case_state.json: %w", err)
	}
	return state, nil
}

// SnapshotSkills copies the loaded skill documents into the workspace so a
// run can be inspected against the exact instructions it used.
func (w *Workspace) SnapshotSkills(skills []*models.SkillSpec) error {
	for _, s := range skills {
		if s.Path == "" {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return fmt.Errorf("failed to read skill %s: %w", s.Name, err)
		}
		dst := filepath.Join(w.skillsDir(), filepath.Base(s.Path))
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("failed to copy skill %s: %w", s.Name, err)
		}
	}
	return nil
}

func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
