package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/errors"
)

// CreateRun inserts a new run record. An empty ID is assigned a UUID.
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}

	query := `
		INSERT INTO workflow_runs (
			id, name, workflow_id, status,
			start_time, end_time, input, output,
			user_id, conversation_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		run.ID,
		run.Name,
		run.WorkflowID,
		string(run.Status),
		run.StartTime,
		nullTime(run.EndTime),
		nullJSON(run.Input),
		nullJSON(run.Output),
		nullEmpty(run.UserID),
		nullEmpty(run.ConversationID),
		nullJSON(run.Metadata),
	)
	if err != nil {
		return errors.Wrap(err, "create run")
	}

	return nil
}

// UpdateRun rewrites a run's mutable fields: status, end_time, output,
// and metadata. Status transitions are one-way; callers set a terminal
// status exactly once.
func (s *Store) UpdateRun(run *Run) error {
	query := `
		UPDATE workflow_runs
		SET status = ?,
		    end_time = ?,
		    output = ?,
		    metadata = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		string(run.Status),
		nullTime(run.EndTime),
		nullJSON(run.Output),
		nullJSON(run.Metadata),
		run.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update run")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "check rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrRunNotFound, "id %s", run.ID)
	}

	return nil
}

const runColumns = `id, name, workflow_id, status, start_time, end_time,
	input, output, user_id, conversation_id, metadata`

// GetRun retrieves a run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM workflow_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrRunNotFound, "id %s", id)
		}
		return nil, errors.Wrap(err, "get run")
	}
	return run, nil
}

// RunFilter narrows ListRuns. Zero fields are ignored.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	UserID     string
	Limit      int
	Offset     int
}

// ListRuns returns runs matching the filter ordered by start_time DESC,
// plus the total match count for pagination.
func (s *Store) ListRuns(filter RunFilter) ([]*Run, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.WorkflowID != "" {
		where += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM workflow_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count runs")
	}

	query := "SELECT " + runColumns + " FROM workflow_runs" + where +
		" ORDER BY start_time DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate runs")
	}

	return runs, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var endTime sql.NullTime
	var input, output, userID, conversationID, metadata sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.WorkflowID,
		&status,
		&run.StartTime,
		&endTime,
		&input,
		&output,
		&userID,
		&conversationID,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	run.Input = jsonOrNil(input)
	run.Output = jsonOrNil(output)
	run.UserID = userID.String
	run.ConversationID = conversationID.String
	run.Metadata = jsonOrNil(metadata)

	return &run, nil
}

// nullTime converts an optional time to a driver value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// nullJSON converts an optional JSON payload to a driver value.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullEmpty stores empty strings as NULL so the indexes stay sparse.
func nullEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.RawMessage(col.String)
}
