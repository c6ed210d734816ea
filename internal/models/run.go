package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

type Run struct {
	ID            int64
	CaseID        string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	SkillsDir     string
	DocumentsDir  string
	WorkspacePath string
	Status        RunStatus
	CurrentStep   string
	Error         string
	CaseState     CaseState
}
