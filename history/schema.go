package history

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/errors"
)

// Store persists runs, steps, and timeline events.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a history store over an open database. If logger is nil
// the store operates silently.
func NewStore(database *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: database, logger: logger}
}

// DB exposes the underlying handle for callers that need raw access,
// such as the legacy-table upgrade tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// createStatements is ordered: runs before steps and events, which
// reference it; indexes after their tables.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		workflow_id     TEXT NOT NULL,
		status          TEXT NOT NULL,
		start_time      TIMESTAMP NOT NULL,
		end_time        TIMESTAMP,
		input           TEXT,
		output          TEXT,
		user_id         TEXT,
		conversation_id TEXT,
		metadata        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_id ON workflow_runs(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_start_time ON workflow_runs(start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_user_id ON workflow_runs(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_conversation_id ON workflow_runs(conversation_id)`,

	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id             TEXT PRIMARY KEY,
		run_id         TEXT NOT NULL REFERENCES workflow_runs(id),
		step_index     INTEGER NOT NULL,
		step_type      TEXT NOT NULL,
		step_name      TEXT NOT NULL,
		step_id        TEXT NOT NULL,
		status         TEXT NOT NULL,
		start_time     TIMESTAMP NOT NULL,
		end_time       TIMESTAMP,
		input          TEXT,
		output         TEXT,
		error_message  TEXT,
		executor_ref   TEXT,
		parallel_index INTEGER,
		parent_step_id TEXT,
		UNIQUE (run_id, step_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_steps_run_id ON workflow_steps(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_steps_run_id_step_index ON workflow_steps(run_id, step_index)`,

	`CREATE TABLE IF NOT EXISTS workflow_events (
		id               TEXT PRIMARY KEY,
		run_id           TEXT NOT NULL REFERENCES workflow_runs(id),
		logical_event_id TEXT NOT NULL,
		name             TEXT NOT NULL,
		kind             TEXT NOT NULL,
		start_time       TIMESTAMP NOT NULL,
		end_time         TIMESTAMP,
		status           TEXT,
		level            TEXT NOT NULL DEFAULT 'info',
		input            TEXT,
		output           TEXT,
		status_message   TEXT,
		metadata         TEXT,
		trace_id         TEXT,
		parent_event_id  TEXT,
		sequence         INTEGER NOT NULL,
		UNIQUE (run_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_run_id ON workflow_events(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_trace_id ON workflow_events(trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_parent_event_id ON workflow_events(parent_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_kind ON workflow_events(kind)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_run_id_sequence ON workflow_events(run_id, sequence)`,
}

// CreateSchema creates the three entity tables and their indexes.
// Every statement is IF NOT EXISTS, so it is safe to call on each startup.
// Schema errors propagate to the caller; a half-created schema must not
// be silently tolerated.
func (s *Store) CreateSchema() error {
	for _, stmt := range createStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	s.logger.Debugw("History schema ensured",
		"tables", []string{"workflow_runs", "workflow_steps", "workflow_events"},
	)
	return nil
}

// DropSchema drops the entity tables. Events and steps go before runs so
// engines that enforce the references never see a dangling row.
func (s *Store) DropSchema() error {
	for _, table := range []string{"workflow_events", "workflow_steps", "workflow_runs"} {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errors.Wrapf(err, "drop table %s", table)
		}
	}
	return nil
}

// ResetSchema drops and recreates the schema. Test/teardown use only.
func (s *Store) ResetSchema() error {
	if err := s.DropSchema(); err != nil {
		return err
	}
	return s.CreateSchema()
}
