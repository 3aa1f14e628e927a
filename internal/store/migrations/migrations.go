// Package migrations holds the individual schema migrations run by the
// store's migration engine. Each migration is idempotent: it inspects the
// live schema and does nothing when the change is already present, so
// stores created at any historical schema level converge on the current
// one.
package migrations

import (
	"database/sql"
	"fmt"
	"strings"
)

func columnExists(db *sql.DB, table, column string) (bool, error) {
	var name string
	err := db.QueryRow(
		"SELECT name FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return true, nil
}

func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// MigrateIssueURLColumn adds the issue_url column linking tasks to their
// parent GitHub issue.
func MigrateIssueURLColumn(db *sql.DB) error {
	exists, err := columnExists(db, "tasks", "issue_url")
	if err != nil || exists {
		return err
	}
	if _, err := db.Exec("ALTER TABLE tasks ADD COLUMN issue_url TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("failed to add issue_url column: %w", err)
	}
	return nil
}

// MigrateDeployRecoveryColumn adds the deploy-recovery attempt counter.
func MigrateDeployRecoveryColumn(db *sql.DB) error {
	exists, err := columnExists(db, "tasks", "deploy_recovery")
	if err != nil || exists {
		return err
	}
	if _, err := db.Exec("ALTER TABLE tasks ADD COLUMN deploy_recovery INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("failed to add deploy_recovery column: %w", err)
	}
	return nil
}

// MigrateProofLogsTable creates the proof_logs evidence table for stores
// that predate proof logging.
func MigrateProofLogsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS proof_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			event TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`)
	if err != nil {
		return fmt.Errorf("failed to create proof_logs table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_proof_logs_task ON proof_logs(task_id)"); err != nil {
		return fmt.Errorf("failed to index proof_logs: %w", err)
	}
	return nil
}

// MigrateBatchReleaseColumns adds the release-on-complete columns to
// batches.
func MigrateBatchReleaseColumns(db *sql.DB) error {
	for col, ddl := range map[string]string{
		"release_on_complete": "ALTER TABLE batches ADD COLUMN release_on_complete INTEGER NOT NULL DEFAULT 0",
		"release_type":        "ALTER TABLE batches ADD COLUMN release_type TEXT NOT NULL DEFAULT ''",
		"skip_quality_gate":   "ALTER TABLE batches ADD COLUMN skip_quality_gate INTEGER NOT NULL DEFAULT 0",
	} {
		exists, err := columnExists(db, "batches", col)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to add %s column: %w", col, err)
		}
	}
	return nil
}

// MigrateVerifyStatesEnum widens the tasks status CHECK constraint to
// include the post-deploy verification states. SQLite cannot alter a CHECK
// constraint in place, so the table is rebuilt: rename old, create new
// with the wider constraint, copy explicit columns, drop old.
//
// The copied column list is derived from the old table's live schema so
// stores at different historical migration levels all rebuild cleanly.
func MigrateVerifyStatesEnum(db *sql.DB) error {
	var createSQL string
	err := db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type='table' AND name='tasks'",
	).Scan(&createSQL)
	if err != nil {
		return fmt.Errorf("failed to read tasks table schema: %w", err)
	}
	if strings.Contains(createSQL, "'verify_failed'") {
		return nil // constraint already widened
	}

	oldCols, err := tableColumns(db, "tasks")
	if err != nil {
		return err
	}

	if _, err := db.Exec("ALTER TABLE tasks RENAME TO tasks_old"); err != nil {
		return fmt.Errorf("failed to rename tasks table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN (
				'queued','dispatched','running','evaluating','complete','retrying',
				'blocked','failed','cancelled','pr_review','review_triage','merging',
				'merged','deploying','deployed','verifying','verified','verify_failed'
			)),
			model TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			escalations INTEGER NOT NULL DEFAULT 0,
			max_escalations INTEGER NOT NULL DEFAULT 2,
			rebase_attempts INTEGER NOT NULL DEFAULT 0,
			deploy_recovery INTEGER NOT NULL DEFAULT 0,
			session TEXT NOT NULL DEFAULT '',
			worktree TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			log_file TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			issue_url TEXT NOT NULL DEFAULT '',
			diagnostic_of TEXT NOT NULL DEFAULT '',
			triage_result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (retries <= max_retries),
			CHECK (escalations <= max_escalations)
		)`); err != nil {
		return fmt.Errorf("failed to create widened tasks table: %w", err)
	}

	newCols, err := tableColumns(db, "tasks")
	if err != nil {
		return err
	}
	newSet := make(map[string]bool, len(newCols))
	for _, c := range newCols {
		newSet[c] = true
	}
	var copyCols []string
	for _, c := range oldCols {
		if newSet[c] {
			copyCols = append(copyCols, c)
		}
	}
	colList := strings.Join(copyCols, ", ")

	if _, err := db.Exec(fmt.Sprintf(
		"INSERT INTO tasks (%s) SELECT %s FROM tasks_old", colList, colList)); err != nil {
		return fmt.Errorf("failed to copy tasks rows: %w", err)
	}
	if _, err := db.Exec("DROP TABLE tasks_old"); err != nil {
		return fmt.Errorf("failed to drop old tasks table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)",
	} {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to recreate tasks index: %w", err)
		}
	}
	return nil
}
