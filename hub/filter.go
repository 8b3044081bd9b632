package hub

import (
	"time"

	"github.com/weftlabs/weft/history"
)

// Filter selects which events a subscriber receives. Zero-value fields
// match everything; time bounds are inclusive on both ends.
type Filter struct {
	// MinLevel is the minimum severity delivered. Empty means no floor.
	MinLevel history.Level `json:"min_level,omitempty"`

	// ExecutionID matches events owned by that execution, plus events of
	// nested executions whose parent execution id equals it.
	ExecutionID string `json:"execution_id,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	WorkflowID     string `json:"workflow_id,omitempty"`

	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev Event) bool {
	if f.MinLevel != "" && ev.Level.Ordinal() < f.MinLevel.Ordinal() {
		return false
	}
	if f.ExecutionID != "" &&
		ev.ExecutionID != f.ExecutionID &&
		ev.ParentExecutionID != f.ExecutionID {
		return false
	}
	if f.ConversationID != "" && ev.ConversationID != f.ConversationID {
		return false
	}
	if f.WorkflowID != "" && ev.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ev.Timestamp.After(*f.Until) {
		return false
	}
	return true
}
