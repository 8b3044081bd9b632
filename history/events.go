package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/errors"
)

// AppendEvent inserts a timeline event, assigning the next per-run
// sequence number inside a transaction. Sequence is the canonical
// ordering key for replay; wall clocks are informational only.
func (s *Store) AppendEvent(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.StartTime.IsZero() {
		ev.StartTime = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin append event")
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE run_id = ?",
		ev.RunID,
	).Scan(&next)
	if err != nil {
		return errors.Wrap(err, "allocate sequence")
	}
	ev.Sequence = next

	_, err = tx.Exec(`
		INSERT INTO workflow_events (
			id, run_id, logical_event_id, name, kind,
			start_time, end_time, status, level,
			input, output, status_message, metadata,
			trace_id, parent_event_id, sequence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.RunID,
		ev.LogicalID,
		ev.Name,
		string(ev.Kind),
		ev.StartTime,
		nullTime(ev.EndTime),
		nullEmpty(ev.Status),
		string(ev.Level),
		nullJSON(ev.Input),
		nullJSON(ev.Output),
		nullString(ev.StatusMessage),
		nullJSON(ev.Metadata),
		nullString(ev.TraceID),
		nullString(ev.ParentEventID),
		ev.Sequence,
	)
	if err != nil {
		return errors.Wrap(err, "append event")
	}

	return errors.Wrap(tx.Commit(), "commit append event")
}

// CloseEvent closes a still-open span identified by its emitter-assigned
// logical id, setting end_time, status, and optionally output and a
// status message.
func (s *Store) CloseEvent(runID, logicalID string, endTime time.Time, status string, output json.RawMessage, statusMessage *string) error {
	result, err := s.db.Exec(`
		UPDATE workflow_events
		SET end_time = ?,
		    status = ?,
		    output = COALESCE(?, output),
		    status_message = COALESCE(?, status_message)
		WHERE run_id = ? AND logical_event_id = ? AND end_time IS NULL`,
		endTime,
		status,
		nullJSON(output),
		nullString(statusMessage),
		runID,
		logicalID,
	)
	if err != nil {
		return errors.Wrap(err, "close event")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "check rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("open event %s in run %s", logicalID, runID)
	}

	return nil
}

const eventColumns = `id, run_id, logical_event_id, name, kind, start_time, end_time,
	status, level, input, output, status_message, metadata,
	trace_id, parent_event_id, sequence`

// ListEvents returns all events for a run in sequence order.
func (s *Store) ListEvents(runID string) ([]*Event, error) {
	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM workflow_events WHERE run_id = ? ORDER BY sequence ASC",
		runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	return collectEvents(rows)
}

// ListEventsByTrace returns events correlated by trace id across runs,
// for reconstructing a sub-agent delegation tree. Ordering is by run
// then sequence; callers stitch the tree via parent_event_id.
func (s *Store) ListEventsByTrace(traceID string) ([]*Event, error) {
	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM workflow_events WHERE trace_id = ? ORDER BY run_id, sequence ASC",
		traceID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list events by trace")
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return events, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var kind, level string
	var endTime sql.NullTime
	var status, input, output, statusMessage, metadata, traceID, parentEventID sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.RunID,
		&ev.LogicalID,
		&ev.Name,
		&kind,
		&ev.StartTime,
		&endTime,
		&status,
		&level,
		&input,
		&output,
		&statusMessage,
		&metadata,
		&traceID,
		&parentEventID,
		&ev.Sequence,
	)
	if err != nil {
		return nil, err
	}

	ev.Kind = EventKind(kind)
	ev.Level = Level(level)
	if endTime.Valid {
		t := endTime.Time
		ev.EndTime = &t
	}
	ev.Status = status.String
	ev.Input = jsonOrNil(input)
	ev.Output = jsonOrNil(output)
	if statusMessage.Valid {
		ev.StatusMessage = &statusMessage.String
	}
	ev.Metadata = jsonOrNil(metadata)
	if traceID.Valid {
		ev.TraceID = &traceID.String
	}
	if parentEventID.Valid {
		ev.ParentEventID = &parentEventID.String
	}

	return &ev, nil
}
