package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrBackupUnavailable is returned when a backup could not be created;
// destructive migrations abort rather than run unprotected.
var ErrBackupUnavailable = errors.New("backup unavailable")

const defaultBackupKeep = 5

// journal sidecar suffixes that must travel with the store file.
var sidecarSuffixes = []string{"-wal", "-shm"}

// Backup copies the store file plus its journal sidecars into the backups
// directory. The copy is named supervisor-backup-<reason>-<timestamp>.db.
// A WAL checkpoint runs first so the main file is current.
func (s *Store) Backup(ctx context.Context, reason string) (string, error) {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(s.path), "backups")
	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	dst := filepath.Join(backupDir, fmt.Sprintf("supervisor-backup-%s-%s.db", reason, ts))
	if err := copyFile(s.path, dst); err != nil {
		return "", fmt.Errorf("failed to copy store file: %w", err)
	}
	for _, suffix := range sidecarSuffixes {
		src := s.path + suffix
		if _, err := os.Stat(src); err != nil {
			continue // sidecar absent after checkpoint is normal
		}
		if err := copyFile(src, dst+suffix); err != nil {
			return "", fmt.Errorf("failed to copy sidecar %s: %w", suffix, err)
		}
	}
	return dst, nil
}

// PruneBackups removes all but the keep most-recent backups.
func (s *Store) PruneBackups(keep int) error {
	if keep <= 0 {
		keep = defaultBackupKeep
	}
	backupDir := filepath.Join(filepath.Dir(s.path), "backups")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "supervisor-backup-") && strings.HasSuffix(name, ".db") {
			backups = append(backups, name)
		}
	}
	// Timestamps sort lexically, so plain sort orders oldest first.
	sort.Strings(backups)
	for len(backups) > keep {
		victim := backups[0]
		backups = backups[1:]
		_ = os.Remove(filepath.Join(backupDir, victim))
		for _, suffix := range sidecarSuffixes {
			_ = os.Remove(filepath.Join(backupDir, victim+suffix))
		}
	}
	return nil
}

// RestoreBackup validates backupPath is a readable store containing a
// tasks table, then swaps it into place at dbPath. Must be called while
// no Store has dbPath open.
func RestoreBackup(ctx context.Context, backupPath, dbPath string) error {
	if err := validateStoreFile(ctx, backupPath); err != nil {
		return fmt.Errorf("refusing to restore %s: %w", backupPath, err)
	}

	// Remove stale sidecars of the target so the restored main file is
	// not mixed with a leftover WAL.
	for _, suffix := range sidecarSuffixes {
		_ = os.Remove(dbPath + suffix)
	}
	if err := copyFile(backupPath, dbPath); err != nil {
		return fmt.Errorf("failed to restore store file: %w", err)
	}
	for _, suffix := range sidecarSuffixes {
		src := backupPath + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, dbPath+suffix); err != nil {
			return fmt.Errorf("failed to restore sidecar %s: %w", suffix, err)
		}
	}
	return nil
}

func validateStoreFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("not a store file")
	}

	connStr := fmt.Sprintf("file:%s?mode=ro&_time_format=sqlite", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("failed to open candidate: %w", err)
	}
	defer func() { _ = db.Close() }()

	var name string
	err = db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='tasks'").Scan(&name)
	if err == sql.ErrNoRows {
		return fmt.Errorf("candidate has no tasks table")
	}
	if err != nil {
		return fmt.Errorf("candidate is not readable: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - controlled paths under the supervisor dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
