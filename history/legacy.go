package history

import (
	"strings"

	"github.com/weftlabs/weft/errors"
)

// legacyTable is the flat per-agent-invocation log that predates workflow
// support. The engine never creates it; it only attaches the two workflow
// linkage columns when they are missing.
const legacyTable = "agent_invocations"

var legacyColumns = []struct {
	name  string
	index string
}{
	{"workflow_run_id", "idx_agent_invocations_workflow_run_id"},
	{"workflow_step_id", "idx_agent_invocations_workflow_step_id"},
}

// UpgradeLegacyTable attaches workflow_run_id and workflow_step_id to the
// legacy agent_invocations table and indexes them for lookup by run/step.
//
// The check is introspective (PRAGMA table_info), not a version flag, so
// the upgrade is repeatable and safe under concurrent startup of multiple
// instances. The window between introspection and alteration means another
// instance may add the column first; "duplicate column name" is therefore
// treated as success.
func (s *Store) UpgradeLegacyTable() error {
	exists, err := s.tableExists(legacyTable)
	if err != nil {
		return err
	}
	if !exists {
		// Fresh deployments have no legacy table to upgrade.
		s.logger.Debugw("Legacy table absent, skipping upgrade", "table", legacyTable)
		return nil
	}

	existing, err := s.tableColumns(legacyTable)
	if err != nil {
		return err
	}

	for _, col := range legacyColumns {
		if !existing[col.name] {
			_, err := s.db.Exec("ALTER TABLE " + legacyTable + " ADD COLUMN " + col.name + " TEXT")
			if err != nil && !isDuplicateColumn(err) {
				return errors.Wrapf(err, "add column %s", col.name)
			}
			if err == nil {
				s.logger.Infow("Legacy table column added",
					"table", legacyTable,
					"column", col.name,
				)
			}
		}

		if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS " + col.index + " ON " + legacyTable + "(" + col.name + ")"); err != nil {
			return errors.Wrapf(err, "index column %s", col.name)
		}
	}

	return nil
}

func (s *Store) tableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrapf(err, "check table %s", name)
	}
	return count > 0, nil
}

func (s *Store) tableColumns(name string) (map[string]bool, error) {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", name)
	if err != nil {
		return nil, errors.Wrapf(err, "introspect table %s", name)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, errors.Wrap(err, "scan column name")
		}
		columns[col] = true
	}
	return columns, rows.Err()
}

// isDuplicateColumn matches the sqlite error raised when a concurrent
// instance won the alteration race.
func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
