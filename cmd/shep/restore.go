package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/config"
	"github.com/untoldecay/Shepherd/internal/store"
)

var restoreCmd = &cobra.Command{
	Use:     "restore [backup-file]",
	GroupID: "ops",
	Short:   "Restore the store from a backup",
	Long: `Replace the supervisor store with a backup snapshot.

With no argument, restores the most recent backup. The candidate file is
validated (readable SQLite containing a tasks table) before it is swapped
into place. Must not run while a pulse holds the store open.

Examples:
  shep restore                                           # latest backup
  shep restore --list                                    # show candidates
  shep restore backups/supervisor-backup-pre-migration-20260826-101500.db`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		list, _ := cmd.Flags().GetBool("list")
		backupDir := filepath.Join(filepath.Dir(config.DBPath()), "backups")

		if list {
			for _, b := range listBackups(backupDir) {
				fmt.Println(filepath.Join(backupDir, b))
			}
			return
		}

		var candidate string
		if len(args) == 1 {
			candidate = args[0]
		} else {
			backups := listBackups(backupDir)
			if len(backups) == 0 {
				fatalf("no backups found in %s", backupDir)
			}
			candidate = filepath.Join(backupDir, backups[len(backups)-1])
		}

		if err := store.RestoreBackup(rootCtx, candidate, config.DBPath()); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Restored %s from %s\n", config.DBPath(), candidate)
	},
}

// listBackups returns backup file names oldest first; the timestamped
// naming makes lexical order chronological.
func listBackups(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "supervisor-backup-") && strings.HasSuffix(name, ".db") {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups)
	return backups
}

func init() {
	restoreCmd.Flags().Bool("list", false, "List available backups")
	rootCmd.AddCommand(restoreCmd)
}
