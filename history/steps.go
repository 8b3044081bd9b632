package history

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/errors"
)

// CreateStep inserts a step record. An empty ID is assigned a UUID.
// The (run_id, step_index) pair is unique; the orchestrator allocates
// indexes monotonically within a run.
func (s *Store) CreateStep(step *Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = StepStatusRunning
	}
	if step.StartTime.IsZero() {
		step.StartTime = time.Now().UTC()
	}

	query := `
		INSERT INTO workflow_steps (
			id, run_id, step_index, step_type, step_name, step_id, status,
			start_time, end_time, input, output,
			error_message, executor_ref, parallel_index, parent_step_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		step.ID,
		step.RunID,
		step.StepIndex,
		step.StepType,
		step.StepName,
		step.StepID,
		string(step.Status),
		step.StartTime,
		nullTime(step.EndTime),
		nullJSON(step.Input),
		nullJSON(step.Output),
		nullString(step.ErrorMessage),
		nullString(step.ExecutorRef),
		nullInt(step.ParallelIndex),
		nullString(step.ParentStepID),
	)
	if err != nil {
		return errors.Wrap(err, "create step")
	}

	return nil
}

// UpdateStep rewrites a step's completion fields. Status, end_time, and
// output are set exactly once, at completion, failure, or skip.
func (s *Store) UpdateStep(step *Step) error {
	query := `
		UPDATE workflow_steps
		SET status = ?,
		    end_time = ?,
		    output = ?,
		    error_message = ?,
		    executor_ref = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		string(step.Status),
		nullTime(step.EndTime),
		nullJSON(step.Output),
		nullString(step.ErrorMessage),
		nullString(step.ExecutorRef),
		step.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update step")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "check rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrStepNotFound, "id %s", step.ID)
	}

	return nil
}

const stepColumns = `id, run_id, step_index, step_type, step_name, step_id, status,
	start_time, end_time, input, output, error_message, executor_ref,
	parallel_index, parent_step_id`

// GetStep retrieves a step record by storage id.
func (s *Store) GetStep(id string) (*Step, error) {
	row := s.db.QueryRow("SELECT "+stepColumns+" FROM workflow_steps WHERE id = ?", id)

	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrStepNotFound, "id %s", id)
		}
		return nil, errors.Wrap(err, "get step")
	}
	return step, nil
}

// ListSteps returns all step records for a run ordered by step_index.
func (s *Store) ListSteps(runID string) ([]*Step, error) {
	rows, err := s.db.Query(
		"SELECT "+stepColumns+" FROM workflow_steps WHERE run_id = ? ORDER BY step_index ASC",
		runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list steps")
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan step")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate steps")
	}

	return steps, nil
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var status string
	var endTime sql.NullTime
	var input, output, errorMessage, executorRef, parentStepID sql.NullString
	var parallelIndex sql.NullInt64

	err := row.Scan(
		&step.ID,
		&step.RunID,
		&step.StepIndex,
		&step.StepType,
		&step.StepName,
		&step.StepID,
		&status,
		&step.StartTime,
		&endTime,
		&input,
		&output,
		&errorMessage,
		&executorRef,
		&parallelIndex,
		&parentStepID,
	)
	if err != nil {
		return nil, err
	}

	step.Status = StepStatus(status)
	if endTime.Valid {
		t := endTime.Time
		step.EndTime = &t
	}
	step.Input = jsonOrNil(input)
	step.Output = jsonOrNil(output)
	if errorMessage.Valid {
		step.ErrorMessage = &errorMessage.String
	}
	if executorRef.Valid {
		step.ExecutorRef = &executorRef.String
	}
	if parallelIndex.Valid {
		idx := int(parallelIndex.Int64)
		step.ParallelIndex = &idx
	}
	if parentStepID.Valid {
		step.ParentStepID = &parentStepID.String
	}

	return &step, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
