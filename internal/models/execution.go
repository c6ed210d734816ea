package models

import "time"

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepSkipped   StepStatus = "SKIPPED"
	StepFailed    StepStatus = "FAILED"
)

type Execution struct {
	ID          int64
	RunID       int64
	Step        string
	Status      StepStatus
	SequenceNum int
	StartedAt   *time.Time
	CompletedAt *time.Time
	ParsedOK    bool
	Unverified  bool
	Output      map[string]any
	Reason      string // why a step was skipped or failed
}

// ToolCallRecord is an audit entry for one tool invocation.
type ToolCallRecord struct {
	ID        int64
	RunID     int64
	Step      string
	Tool      string
	Args      string // truncated JSON summary
	Status    string // "ok" or "unverified"
	CreatedAt time.Time
}
