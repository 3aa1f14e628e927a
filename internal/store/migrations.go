package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/store/migrations"
)

// ErrMigrationVerifyFailed is returned when a table lost rows across a
// migration; the transaction is rolled back and the backup is left in
// place for manual restore.
var ErrMigrationVerifyFailed = errors.New("migration verification failed")

// Migration is a single labelled schema migration.
//
// Destructive migrations (table rebuilds, constraint changes) trigger a
// store backup before running and row-count verification across Tables
// after. Additive migrations (column adds with defaults) skip both, but a
// batch containing at least one destructive migration is always backed up
// as a whole.
type Migration struct {
	Name        string
	Destructive bool
	Tables      []string // row-count-verified tables; nil for additive
	Func        func(*sql.DB) error
}

// migrationsList is the ordered registry. Migrations run in order during
// store open and each is idempotent: opening an up-to-date store twice is
// a no-op. Applied names are recorded in the metadata table so destructive
// migrations do not re-trigger backups on every open.
var migrationsList = []Migration{
	{"issue_url_column", false, nil, migrations.MigrateIssueURLColumn},
	{"deploy_recovery_column", false, nil, migrations.MigrateDeployRecoveryColumn},
	{"proof_logs_table", false, nil, migrations.MigrateProofLogsTable},
	{"verify_states_enum", true, []string{"tasks", "state_log", "proof_logs"}, migrations.MigrateVerifyStatesEnum},
	{"batch_release_columns", false, nil, migrations.MigrateBatchReleaseColumns},
}

// RunMigrations executes all unapplied migrations in order.
//
// The whole batch runs inside one EXCLUSIVE transaction so parallel
// supervisor processes cannot race check-then-modify migrations. Foreign
// keys are disabled around the batch because table rebuilds would
// otherwise cascade deletes into the log tables.
func (s *Store) RunMigrations(ctx context.Context) error {
	pending, destructive, err := s.pendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if destructive {
		if _, err := s.Backup(ctx, "migration"); err != nil {
			return fmt.Errorf("%w: %v", ErrBackupUnavailable, err)
		}
	}

	db := s.db
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	verified := verifiedTables(pending)
	before, err := rowCounts(ctx, db, verified)
	if err != nil {
		return fmt.Errorf("failed to capture pre-migration snapshot: %w", err)
	}

	for _, m := range pending {
		debug.Logf("Debug: running migration %s\n", m.Name)
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, 'applied')",
			"migration:"+m.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
	}

	after, err := rowCounts(ctx, db, verified)
	if err != nil {
		return fmt.Errorf("failed to capture post-migration snapshot: %w", err)
	}
	for table, n := range before {
		if after[table] < n {
			return fmt.Errorf("%w: table %s had %d rows, now %d",
				ErrMigrationVerifyFailed, table, n, after[table])
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	if destructive {
		if err := s.PruneBackups(defaultBackupKeep); err != nil {
			debug.Logf("Debug: backup prune failed: %v\n", err)
		}
	}
	return nil
}

func (s *Store) pendingMigrations(ctx context.Context) ([]Migration, bool, error) {
	var pending []Migration
	destructive := false
	for _, m := range migrationsList {
		applied, err := s.GetMetadata(ctx, "migration:"+m.Name)
		if err != nil {
			return nil, false, err
		}
		if applied != "" {
			continue
		}
		pending = append(pending, m)
		if m.Destructive {
			destructive = true
		}
	}
	return pending, destructive, nil
}

func verifiedTables(pending []Migration) []string {
	seen := map[string]bool{}
	var tables []string
	for _, m := range pending {
		for _, t := range m.Tables {
			if !seen[t] {
				seen[t] = true
				tables = append(tables, t)
			}
		}
	}
	return tables
}

func rowCounts(ctx context.Context, db *sql.DB, tables []string) (map[string]int, error) {
	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		// A verified table may not exist yet in the pre-migration snapshot
		// (an earlier pending migration creates it); count it as zero.
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		if err == sql.ErrNoRows {
			counts[table] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", table, err)
		}
		var n int
		// Table names come from the static registry, never user input.
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// MigrationInfo describes a registered migration for `shep migrate --list`.
type MigrationInfo struct {
	Name        string `json:"name"`
	Destructive bool   `json:"destructive"`
}

// ListMigrations returns every registered migration in run order.
func ListMigrations() []MigrationInfo {
	out := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		out[i] = MigrationInfo{Name: m.Name, Destructive: m.Destructive}
	}
	return out
}
