// Package history persists workflow runs, step records, and timeline
// events. It owns schema creation and the in-place upgrade of the legacy
// agent_invocations table.
//
// Records are flat rows with string foreign keys; parent/child trees are
// reconstructed on read via indexed queries, never via live pointers.
package history

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
// Transitions are one-way: running -> {completed, error, cancelled}.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError || s == RunStatusCancelled
}

// StepStatus is the lifecycle state of a step record.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
	// StepStatusSkipped marks steps short-circuited after an earlier
	// step in the same run failed.
	StepStatusSkipped StepStatus = "skipped"
)

// EventKind distinguishes run-level spans from step-level spans.
type EventKind string

const (
	EventKindRun  EventKind = "run"
	EventKindStep EventKind = "step"
)

// Level is the severity of a timeline event. The zero value is treated
// as LevelInfo everywhere it is compared.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Ordinal returns the severity rank for minimum-level comparisons.
// Unknown levels rank as info.
func (l Level) Ordinal() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// Run is one end-to-end execution of an ordered step chain.
// EndTime is nil exactly while Status == running.
type Run struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	WorkflowID     string          `json:"workflow_id"`
	Status         RunStatus       `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Step is the persisted execution record for one step definition within
// a run. StepID is the author-assigned logical name; ID is the storage id.
// ParallelIndex and ParentStepID are set together when the step is a
// branch of a parallel group.
type Step struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	StepIndex     int             `json:"step_index"`
	StepType      string          `json:"step_type"`
	StepName      string          `json:"step_name"`
	StepID        string          `json:"step_id"`
	Status        StepStatus      `json:"status"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	ExecutorRef   *string         `json:"executor_ref,omitempty"`
	ParallelIndex *int            `json:"parallel_index,omitempty"`
	ParentStepID  *string         `json:"parent_step_id,omitempty"`
}

// Event is a point-in-time trace entry owned by a run. LogicalID is the
// emitter-assigned span id used to close a still-open span; Sequence is
// the canonical per-run ordering key, independent of clock skew.
type Event struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	LogicalID     string          `json:"logical_event_id"`
	Name          string          `json:"name"`
	Kind          EventKind       `json:"kind"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Status        string          `json:"status,omitempty"`
	Level         Level           `json:"level"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	StatusMessage *string         `json:"status_message,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	TraceID       *string         `json:"trace_id,omitempty"`
	ParentEventID *string         `json:"parent_event_id,omitempty"`
	Sequence      int64           `json:"sequence"`
}
