package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/paflow/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	// the MCP tool server writes audit rows from a child process
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		skills_dir TEXT NOT NULL DEFAULT '',
		documents_dir TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		current_step TEXT,
		error TEXT,
		case_state TEXT
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		step TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		parsed_ok INTEGER NOT NULL DEFAULT 0,
		unverified INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		reason TEXT,
		sequence_num INTEGER NOT NULL,
		UNIQUE(run_id, sequence_num)
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		step TEXT NOT NULL,
		tool TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (case_id, skills_dir, documents_dir, workspace_path, status, current_step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.CaseID, run.SkillsDir, run.DocumentsDir, run.WorkspacePath, run.Status, run.CurrentStep,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const runColumns = `id, case_id, created_at, completed_at, skills_dir, documents_dir, workspace_path, status, current_step, error, case_state`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var currentStep, runErr, caseState sql.NullString

	err := row.Scan(
		&run.ID, &run.CaseID, &run.CreatedAt, &completedAt, &run.SkillsDir,
		&run.DocumentsDir, &run.WorkspacePath, &run.Status, &currentStep, &runErr, &caseState,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if currentStep.Valid {
		run.CurrentStep = currentStep.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if caseState.Valid {
		var state models.CaseState
		if err := json.Unmarshal([]byte(caseState.String), &state); err == nil {
			run.CaseState = state
		}
	}
	return &run, nil
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", id, err)
	}
	return run, nil
}

func (s *Storage) UpdateRun(run *models.Run) error {
	var caseState *string
	if run.CaseState != nil {
		data, err := json.Marshal(run.CaseState)
		if err != nil {
			return err
		}
		str := string(data)
		caseState = &str
	}

	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, current_step = ?, workspace_path = ?, error = ?, case_state = ?
		 WHERE id = ?`,
		run.CompletedAt, run.Status, run.CurrentStep, run.WorkspacePath, run.Error, caseState, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func marshalOutput(out map[string]any) (*string, error) {
	if out == nil {
		return nil, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func (s *Storage) CreateExecution(exec *models.Execution) (int64, error) {
	output, err := marshalOutput(exec.Output)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		`INSERT INTO executions (run_id, step, status, started_at, completed_at, parsed_ok, unverified, output, reason, sequence_num)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.Step, exec.Status, exec.StartedAt, exec.CompletedAt,
		exec.ParsedOK, exec.Unverified, output, exec.Reason, exec.SequenceNum,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step, status, started_at, completed_at, parsed_ok, unverified, output, reason, sequence_num
		 FROM executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var output, reason sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.Step, &exec.Status, &startedAt, &completedAt,
			&exec.ParsedOK, &exec.Unverified, &output, &reason, &exec.SequenceNum,
		)
		if err != nil {
			return nil, err
		}

		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		if output.Valid {
			var out map[string]any
			if err := json.Unmarshal([]byte(output.String), &out); err == nil {
				exec.Output = out
			}
		}
		if reason.Valid {
			exec.Reason = reason.String
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

func (s *Storage) UpdateExecution(exec *models.Execution) error {
	output, err := marshalOutput(exec.Output)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE executions SET status = ?, started_at = ?, completed_at = ?, parsed_ok = ?, unverified = ?, output = ?, reason = ?
		 WHERE id = ?`,
		exec.Status, exec.StartedAt, exec.CompletedAt, exec.ParsedOK, exec.Unverified, output, exec.Reason, exec.ID,
	)
	return err
}

// RecordToolCall stores a tool audit entry.
func (s *Storage) RecordToolCall(rec *models.ToolCallRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.Exec(
		`INSERT INTO tool_calls (run_id, step, tool, args, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.Tool, rec.Args, rec.Status, createdAt,
	)
	if err != nil {
		return err
	}
	rec.ID, err = result.LastInsertId()
	return err
}

func (s *Storage) GetToolCallsForRun(runID int64) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step, tool, args, status, created_at FROM tool_calls WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.ToolCallRecord
	for rows.Next() {
		var rec models.ToolCallRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Step, &rec.Tool, &rec.Args, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		calls = append(calls, &rec)
	}
	return calls, rows.Err()
}

func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tool_calls WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
